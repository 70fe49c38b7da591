package main

import (
	"os"

	"github.com/go-delve/cfiwalk/cmd/cfiwalk/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
