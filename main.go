package main

import "github.com/sweepdl/sweepdl/cmd"

func main() {
	cmd.Execute()
}
