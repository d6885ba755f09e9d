package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/google/go-sev-launch/kernelhash"
)

var (
	kernelPath    string
	initrdPath    string
	setupDataPath string
	cmdline       string
)

var hashesCmd = &cobra.Command{
	Use:   "hashes",
	Short: "Compute the measured-boot hash table",
	Long: `Compute the hash table a measured direct Linux boot feeds into the
launch measurement. The output digests let a guest owner precompute the
expected measurement without launching a guest.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var kernel, initrd, setupData []byte
		var err error
		if kernel, err = readBytes(kernelPath); err != nil {
			return fmt.Errorf("reading kernel: %w", err)
		}
		if initrdPath != "" {
			if initrd, err = readBytes(initrdPath); err != nil {
				return fmt.Errorf("reading initrd: %w", err)
			}
		}
		if setupDataPath != "" {
			if setupData, err = readBytes(setupDataPath); err != nil {
				return fmt.Errorf("reading setup data: %w", err)
			}
		}

		table := kernelhash.Build([]byte(cmdline), initrd, setupData, kernel)
		out := dataOutput()
		fmt.Fprintf(out, "Cmdline: %s\n", hex.EncodeToString(table.Cmdline[:]))
		fmt.Fprintf(out, "Initrd:  %s\n", hex.EncodeToString(table.Initrd[:]))
		fmt.Fprintf(out, "Kernel:  %s\n", hex.EncodeToString(table.Kernel[:]))
		fmt.Fprintf(out, "Table:   %s\n", hex.EncodeToString(table.Encode()))
		return nil
	},
}

func init() {
	RootCmd.AddCommand(hashesCmd)
	addOutputFlag(hashesCmd)
	hashesCmd.PersistentFlags().StringVar(&kernelPath, "kernel", "", "kernel image file")
	hashesCmd.PersistentFlags().StringVar(&initrdPath, "initrd", "", "initrd file")
	hashesCmd.PersistentFlags().StringVar(&setupDataPath, "setup-data", "", "kernel setup data file")
	hashesCmd.PersistentFlags().StringVar(&cmdline, "cmdline", "", "kernel command line")
	hashesCmd.MarkPersistentFlagRequired("kernel")
}
