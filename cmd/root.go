// Package cmd contains a CLI for inspecting SEV platforms, guest firmware
// images and measured-boot inputs.
package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// RootCmd is the sevtool root command. Other commands attach themselves in
// their init functions.
var RootCmd = &cobra.Command{
	Use:  "sevtool",
	Long: `Command line tool for AMD SEV guest launch infrastructure`,
}

var quiet bool

func init() {
	RootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false,
		"print nothing if command is successful")
	hideHelp(RootCmd)
}

// debugOutput is for debugging messages, shown unless --quiet is passed.
func debugOutput() io.Writer {
	if quiet {
		return io.Discard
	}
	return os.Stderr
}
