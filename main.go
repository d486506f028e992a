package main

import "github.com/audiolibrelab/jamwatch/cmd"

func main() {
	cmd.Execute()
}
