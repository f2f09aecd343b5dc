package main

import "github.com/DeftSolutions-dev/Discord-Voice-Logger-Bot/cmd"

func main() {
	cmd.Execute()
}
