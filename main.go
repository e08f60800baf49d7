package main

import "github.com/myrientdl/myrientdl/cmd"

func main() {
	cmd.Execute()
}
