package main

import (
	"github.com/letrecovery/recoverykit/cmd/letrecovery/commands"
)

func main() {
	commands.Execute()
}
