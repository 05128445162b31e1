package main

import "github.com/Dark-Knight-0817/ffplay0.1/cmd/ffplay/cmd"

func main() {
	cmd.Execute()
}
