package main

import "github.com/fixwise/fixwise/cmd"

func main() {
	cmd.Execute()
}
