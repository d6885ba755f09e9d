package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/google/go-sev-launch/launch"
	"github.com/google/go-sev-launch/sevcmd"
)

var platformStates = map[uint8]string{
	0: "uninitialized",
	1: "initialized",
	2: "working",
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the SEV platform status",
	Long: `Query the security processor for its firmware API version, platform
state and the number of guests it currently manages.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, closer, err := openPlatform()
		if err != nil {
			return err
		}
		defer closer()

		var status sevcmd.StatusData
		if err := ch.Platform(sevcmd.PlatformStatus, &status); err != nil {
			return fmt.Errorf("PLATFORM_STATUS: %w", err)
		}

		state := platformStates[status.State]
		if state == "" {
			state = fmt.Sprintf("unknown (%d)", status.State)
		}
		out := dataOutput()
		fmt.Fprintf(out, "API version: %d.%d\n", status.APIMajor, status.APIMinor)
		fmt.Fprintf(out, "Build id:    %d\n", status.Build)
		fmt.Fprintf(out, "State:       %s\n", state)
		fmt.Fprintf(out, "Guests:      %d\n", status.GuestCount)
		return nil
	},
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Export the platform launch capabilities",
	Long: `Export the material a guest owner needs to negotiate a launch: the
platform Diffie-Hellman certificate, its certificate chain, the unique
chip identity, and the memory encryption address layout.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ch, closer, err := openPlatform()
		if err != nil {
			return err
		}
		defer closer()

		caps, err := launch.PlatformCapabilities(ch, cbitPos, physBits)
		if err != nil {
			return err
		}

		out := dataOutput()
		fmt.Fprintf(out, "PDH:               %s\n", hex.EncodeToString(caps.PDH))
		fmt.Fprintf(out, "Cert chain:        %s\n", hex.EncodeToString(caps.CertChain))
		fmt.Fprintf(out, "Chip id:           %s\n", hex.EncodeToString(caps.CPU0ID))
		fmt.Fprintf(out, "C-bit position:    %d\n", caps.CbitPos)
		fmt.Fprintf(out, "Reduced phys bits: %d\n", caps.ReducedPhysBits)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
	addDeviceFlag(statusCmd)
	addOutputFlag(statusCmd)

	RootCmd.AddCommand(capabilitiesCmd)
	addDeviceFlag(capabilitiesCmd)
	addOutputFlag(capabilitiesCmd)
	addAddressBitFlags(capabilitiesCmd)
}
