package blockpool

import (
	"fmt"
	"sort"
)

// fragmentationLimit is the ratio above which a class is reported as
// unhealthy.
const fragmentationLimit = 0.8

// HealthReport summarizes pool integrity and fragmentation.
type HealthReport struct {
	Healthy        bool
	Fragmentation  float64 // worst ratio across classes
	ClassFragments map[string]float64
	FreeBlocks     FreeBlockStats
	Utilization    float64 // bytes in use / bytes held in chunks
	UnusedRatio    float64
	Issues         []string
}

// FreeBlockStats describes the free-block size distribution across all
// classes. Variance above zero after a churn-heavy workload indicates
// merged blocks waiting to be split.
type FreeBlockStats struct {
	Count    int
	MinSize  int
	MaxSize  int
	AvgSize  float64
	Variance float64
}

// classFragmentation computes 1 - largest_contiguous_free/total_free for
// one class. Adjacent free blocks count as one contiguous region whether
// or not a defrag pass has merged their descriptors yet. Caller holds
// p.mu.
func classFragmentation(sc *sizeClass) float64 {
	type span struct {
		chunk int32
		off   int
		size  int
	}
	spans := make([]span, 0, sc.freeBlocks)
	for idx := sc.freeHead; idx != none; idx = sc.blocks[idx].next {
		b := &sc.blocks[idx]
		spans = append(spans, span{b.chunk, b.off, b.size})
	}
	if len(spans) == 0 {
		return 0
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].chunk != spans[j].chunk {
			return spans[i].chunk < spans[j].chunk
		}
		return spans[i].off < spans[j].off
	})

	var total, largest, run int64
	prevChunk := int32(-1)
	prevEnd := -1
	for _, s := range spans {
		total += int64(s.size)
		if s.chunk == prevChunk && s.off == prevEnd {
			run += int64(s.size)
		} else {
			run = int64(s.size)
		}
		if run > largest {
			largest = run
		}
		prevChunk, prevEnd = s.chunk, s.off+s.size
	}
	return 1 - float64(largest)/float64(total)
}

// Fragmentation returns the worst per-class fragmentation ratio.
func (p *Pool) Fragmentation() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var worst float64
	for ci := range p.classes {
		if f := classFragmentation(&p.classes[ci]); f > worst {
			worst = f
		}
	}
	return worst
}

// Health checks free-list integrity and fragmentation. A free list that
// contains a non-free block means internal state was corrupted and the
// pool is reported unhealthy regardless of fragmentation.
func (p *Pool) Health() HealthReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := HealthReport{
		Healthy:        true,
		ClassFragments: make(map[string]float64, len(p.classes)),
	}
	if p.closed {
		report.Healthy = false
		report.Issues = append(report.Issues, "pool is closed")
		return report
	}

	var sizes []int
	for ci := range p.classes {
		sc := &p.classes[ci]

		count := 0
		for idx := sc.freeHead; idx != none; idx = sc.blocks[idx].next {
			b := &sc.blocks[idx]
			if !b.free {
				report.Healthy = false
				report.Issues = append(report.Issues,
					fmt.Sprintf("%s free list contains non-free block %d", sc.name, idx))
			}
			if b.dead {
				report.Healthy = false
				report.Issues = append(report.Issues,
					fmt.Sprintf("%s free list contains merged-away block %d", sc.name, idx))
			}
			sizes = append(sizes, b.size)
			count++
			if count > len(sc.blocks) {
				report.Healthy = false
				report.Issues = append(report.Issues,
					fmt.Sprintf("%s free list contains a cycle", sc.name))
				break
			}
		}
		if count != sc.freeBlocks {
			report.Healthy = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s free count mismatch: list %d, counter %d", sc.name, count, sc.freeBlocks))
		}

		f := classFragmentation(sc)
		report.ClassFragments[sc.name] = f
		if f > report.Fragmentation {
			report.Fragmentation = f
		}
		if f > fragmentationLimit {
			report.Healthy = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s fragmentation %.2f exceeds %.2f", sc.name, f, fragmentationLimit))
		}
	}

	report.FreeBlocks = freeBlockStats(sizes)
	if p.poolBytes > 0 {
		report.Utilization = float64(p.stats.bytesInUse) / float64(p.poolBytes)
		report.UnusedRatio = 1 - report.Utilization
	}
	return report
}

func freeBlockStats(sizes []int) FreeBlockStats {
	s := FreeBlockStats{Count: len(sizes)}
	if s.Count == 0 {
		return s
	}

	s.MinSize = sizes[0]
	var sum int64
	for _, sz := range sizes {
		if sz < s.MinSize {
			s.MinSize = sz
		}
		if sz > s.MaxSize {
			s.MaxSize = sz
		}
		sum += int64(sz)
	}
	s.AvgSize = float64(sum) / float64(s.Count)

	var sq float64
	for _, sz := range sizes {
		d := float64(sz) - s.AvgSize
		sq += d * d
	}
	s.Variance = sq / float64(s.Count)
	return s
}
