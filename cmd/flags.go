package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	output     string
	devicePath string
	cbitPos    uint32
	physBits   uint32
)

// Disable the "help" subcommand (and just use the -h/--help flags).
// This should be called on all commands with subcommands.
// See https://github.com/spf13/cobra/issues/587 for why this is needed.
func hideHelp(cmd *cobra.Command) {
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

// Lets this command specify an output file, for use with dataOutput().
func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&output, "output", "",
		"output file (defaults to stdout)")
}

// Lets this command pick the security processor device node.
func addDeviceFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&devicePath, "device", "/dev/sev",
		"security processor device")
}

// Lets this command describe the host's memory encryption address layout.
func addAddressBitFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Uint32Var(&cbitPos, "cbit-pos", 51,
		"host C-bit position in guest physical addresses")
	cmd.PersistentFlags().Uint32Var(&physBits, "reduced-phys-bits", 1,
		"physical address bits lost to memory encryption")
}

// alwaysError implements io.Writer by always returning an error.
type alwaysError struct {
	error
}

func (ae alwaysError) Write([]byte) (int, error) {
	return 0, ae.error
}

// Handle to output data file. If there is an issue opening the file, the
// Writer returned will return the error upon any call to Write().
func dataOutput() io.Writer {
	if output == "" {
		return os.Stdout
	}

	file, err := os.Create(output)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

// readBytes reads an input file fully, for hashing and parsing commands.
func readBytes(path string) ([]byte, error) {
	return os.ReadFile(path)
}
