package packetpool

// Category buckets packet sizes into five classes. Classification is by
// size alone; the category fixes the suggested (rounded-up) buffer size
// its sub-pools are keyed by.
type Category int

const (
	Tiny Category = iota // audio frames
	Small
	Medium
	Large
	ExtraLarge

	numCategories = 5
)

// Category bounds and typical media payload sizes.
const (
	tinyMax   = 1024
	smallMax  = 16 * 1024
	mediumMax = 256 * 1024
	largeMax  = 1024 * 1024

	audioTypical   = 4 * 1024
	videoSDTypical = 64 * 1024
	videoHDTypical = 256 * 1024
	video4KTypical = 1024 * 1024
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case Tiny:
		return "tiny"
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	case ExtraLarge:
		return "extra_large"
	default:
		return "unknown"
	}
}

// Categorize maps a requested size onto its category.
func Categorize(size int) Category {
	switch {
	case size < tinyMax:
		return Tiny
	case size < smallMax:
		return Small
	case size < mediumMax:
		return Medium
	case size < largeMax:
		return Large
	default:
		return ExtraLarge
	}
}

// SuggestedSize returns the buffer size sub-pools of this category hold.
// ExtraLarge has no typical size; requests are rounded individually.
func (c Category) SuggestedSize() int {
	switch c {
	case Tiny:
		return audioTypical
	case Small:
		return videoSDTypical
	case Medium:
		return videoHDTypical
	case Large:
		return video4KTypical
	default:
		return largeMax
	}
}
