// Package sevcmd issues privileged commands to the AMD secure processor
// through the kernel mediation layer. Commands are either platform-scoped
// (no guest encryption context required) or bound to a guest context.
package sevcmd

import (
	"errors"
	"fmt"
)

// Command identifies a single firmware command.
type Command uint32

// Platform-scoped commands, issued against the security processor device.
const (
	PlatformStatus Command = iota
	PDHCertExport
	PDHGen
	GetID
)

// Guest-context commands, issued against the VM's encryption context.
const (
	Init Command = iota + 0x100
	EsInit
	LaunchStart
	LaunchUpdateData
	LaunchUpdateVMSA
	LaunchMeasure
	LaunchSecret
	LaunchFinish
	AttestationReport
	SnpInit
	SnpLaunchStart
	SnpLaunchUpdate
	SnpLaunchFinish
)

var commandNames = map[Command]string{
	PlatformStatus:    "PLATFORM_STATUS",
	PDHCertExport:     "PDH_CERT_EXPORT",
	PDHGen:            "PDH_GEN",
	GetID:             "GET_ID",
	Init:              "INIT",
	EsInit:            "ES_INIT",
	LaunchStart:       "LAUNCH_START",
	LaunchUpdateData:  "LAUNCH_UPDATE_DATA",
	LaunchUpdateVMSA:  "LAUNCH_UPDATE_VMSA",
	LaunchMeasure:     "LAUNCH_MEASURE",
	LaunchSecret:      "LAUNCH_SECRET",
	LaunchFinish:      "LAUNCH_FINISH",
	AttestationReport: "GET_ATTESTATION_REPORT",
	SnpInit:           "SNP_INIT",
	SnpLaunchStart:    "SNP_LAUNCH_START",
	SnpLaunchUpdate:   "SNP_LAUNCH_UPDATE",
	SnpLaunchFinish:   "SNP_LAUNCH_FINISH",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("COMMAND_%#x", uint32(c))
}

// Channel issues firmware commands. The request is one of the typed
// structs defined in this package; the implementation marshals it to the
// mediation layer and writes any firmware-produced fields back into it.
//
// Calls are blocking and must not be issued concurrently for the same
// guest; the firmware serializes commands itself and no call is
// interruptible once issued.
type Channel interface {
	// Platform issues a platform-scoped command.
	Platform(cmd Command, req interface{}) error
	// Guest issues a command bound to the guest encryption context.
	Guest(cmd Command, req interface{}) error
}

// QueryThenFetch runs the firmware's buffer size negotiation: probe with an
// empty buffer to learn the required length, then fetch into an allocation
// of exactly that size. The probe is expected to fail with ErrInvalidLen
// while reporting the length; any other probe failure aborts.
func QueryThenFetch(probe func() (uint32, error), fetch func(buf []byte) error) ([]byte, error) {
	length, err := probe()
	if err != nil && !errors.Is(err, ErrInvalidLen) {
		return nil, err
	}
	buf := make([]byte, length)
	if err := fetch(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
