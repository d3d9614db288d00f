package main

import (
	"os"

	"github.com/nildb/nildb/cmd"
)

func main() {
	if err := cmd.RootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
