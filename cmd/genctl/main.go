package main

import "genctl/cmd"

func main() {
	cmd.Execute()
}
