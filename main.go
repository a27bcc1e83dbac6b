package main

import "github.com/nextlevelbuilder/ohrelay/cmd"

func main() {
	cmd.Execute()
}
