package main

import (
	"os"

	"github.com/scalarorg/oracle-bridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
