// Package main is a binary wrapper package around cmd.
package main

import (
	"io"
	"os"

	"github.com/google/logger"

	"github.com/google/go-sev-launch/cmd"
)

func main() {
	defer logger.Init("sevtool", false, false, io.Discard).Close()

	if cmd.RootCmd.Execute() != nil {
		os.Exit(1)
	}
}
