package launch

import "fmt"

// State is the guest launch lifecycle state. Transitions are monotonic:
// no state is ever revisited, and every transition is one of
// Uninit -> LaunchUpdate -> LaunchSecret -> Running (SNP guests skip
// LaunchSecret, secret material travels in the finish command instead).
type State uint8

const (
	Uninit State = iota
	LaunchUpdate
	LaunchSecret
	Running
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "uninit"
	case LaunchUpdate:
		return "launch-update"
	case LaunchSecret:
		return "launch-secret"
	case Running:
		return "running"
	}
	return fmt.Sprintf("state-%d", uint8(s))
}

// GuestType selects the guest flavor. SEV-ES is not a distinct type: it is
// SEV with the ES policy bit set.
type GuestType int

const (
	TypeSev GuestType = iota
	TypeSevSnp
)

func (t GuestType) String() string {
	switch t {
	case TypeSev:
		return "sev"
	case TypeSevSnp:
		return "sev-snp"
	}
	return fmt.Sprintf("type-%d", int(t))
}

// SEV guest policy bits.
const (
	PolicyNoDebug    = 0x1
	PolicyNoKeyShare = 0x2
	PolicyES         = 0x4
)

// DefaultPolicy is the default SEV guest policy (debugging disabled).
const DefaultPolicy = PolicyNoDebug

// PageType classifies a region committed to an SNP encryption context.
// Values are part of the mediation layer ABI.
type PageType uint8

const (
	PageTypeNormal     PageType = 1
	PageTypeVMSA       PageType = 2
	PageTypeZero       PageType = 3
	PageTypeUnmeasured PageType = 4
	PageTypeSecrets    PageType = 5
	PageTypeCPUID      PageType = 6
)

func (t PageType) String() string {
	switch t {
	case PageTypeNormal:
		return "Normal"
	case PageTypeVMSA:
		return "Vmsa"
	case PageTypeZero:
		return "Zero"
	case PageTypeUnmeasured:
		return "Unmeasured"
	case PageTypeSecrets:
		return "Secrets"
	case PageTypeCPUID:
		return "Cpuid"
	}
	return "unknown"
}
