package main

import "github.com/nextlevelbuilder/relayclaw/cmd"

func main() {
	cmd.Execute()
}
