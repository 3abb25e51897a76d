package main

import (
	"os"

	"github.com/arko-chat/keysetup/cmd/arko-keys/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
