package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/google/go-sev-launch/ovmf"
)

var volumeCmd = &cobra.Command{
	Use:   "inspect-volume <firmware image>",
	Short: "Inspect the SEV descriptors of a guest firmware image",
	Long: `Parse a guest firmware image and print the SEV-relevant regions it
publishes: metadata sections, the measured hashes area, the secret
injection area and the AP reset vector.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		image, err := readBytes(args[0])
		if err != nil {
			return fmt.Errorf("reading firmware image: %w", err)
		}
		vol, err := ovmf.Parse(image)
		if err != nil {
			return fmt.Errorf("parsing firmware image: %w", err)
		}

		out := dataOutput()
		for _, s := range vol.Metadata() {
			fmt.Fprintf(out, "Metadata section: gpa %#x size %#x type %v\n", s.GPA, s.Size, s.Type)
		}
		if area, err := vol.HashTable(); err == nil {
			fmt.Fprintf(out, "Hashes area:      gpa %#x size %#x\n", area.Base, area.Size)
		}
		if area, err := vol.Secret(); err == nil {
			fmt.Fprintf(out, "Secret area:      gpa %#x size %#x\n", area.Base, area.Size)
		}
		if addr, err := vol.ResetVector(); err == nil {
			fmt.Fprintf(out, "AP reset vector:  %#x\n", addr)
		} else {
			fmt.Fprintf(debugOutput(), "no AP reset vector: %v\n", err)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(volumeCmd)
	addOutputFlag(volumeCmd)
}
