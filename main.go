package main

import "github.com/kozaktomas/face-expand/cmd"

func main() {
	cmd.Execute()
}
