package main

import "github.com/marcus/roundtable/cmd/roundtable/commands"

func main() {
	commands.Execute()
}
