package main

import "coremachine/cmd"

func main() {
	cmd.Execute()
}
