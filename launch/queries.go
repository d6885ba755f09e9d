package launch

import (
	"errors"
	"fmt"

	sgabi "github.com/google/go-sev-guest/abi"

	"github.com/google/go-sev-launch/sevcmd"
)

// Info is the per-guest status snapshot exposed to operators.
type Info struct {
	Type      GuestType
	State     State
	APIMajor  uint8
	APIMinor  uint8
	BuildID   uint8
	Policy    uint32 // SEV policy bits
	SnpPolicy uint64 // SNP policy, zero for SEV guests
	Handle    uint32 // firmware handle, zero for SNP guests
}

// Info reports the guest's launch status.
func (c *Context) Info() Info {
	info := Info{
		Type:     c.cfg.Type,
		State:    c.state,
		APIMajor: c.apiMajor,
		APIMinor: c.apiMinor,
		BuildID:  c.buildID,
	}
	if c.cfg.Type == TypeSevSnp {
		info.SnpPolicy = sgabi.SnpPolicyToBytes(c.cfg.SNP)
	} else {
		info.Policy = c.cfg.Policy
		info.Handle = c.handle
	}
	return info
}

// Capabilities describes the platform for guest owners negotiating a
// launch: key material, the unique chip identity, and the physical
// address bits the encryption hardware claims.
type Capabilities struct {
	PDH             []byte
	CertChain       []byte
	CPU0ID          []byte
	CbitPos         uint32
	ReducedPhysBits uint32
}

// PlatformCapabilities exports the platform Diffie-Hellman key, its
// certificate chain and the chip identifier. Both exports use the
// firmware's size negotiation: a probe call learns the required lengths,
// the second call fills exactly-sized buffers.
func PlatformCapabilities(ch sevcmd.Channel, cbitPos, reducedPhysBits uint32) (*Capabilities, error) {
	probe := sevcmd.PDHCertExportData{}
	if err := ch.Platform(sevcmd.PDHCertExport, &probe); err != nil && !errors.Is(err, sevcmd.ErrInvalidLen) {
		return nil, fmt.Errorf("probing PDH export lengths: %w", err)
	}

	export := sevcmd.PDHCertExportData{
		PDHCert:   make([]byte, probe.PDHCertLen),
		CertChain: make([]byte, probe.CertChainLen),
	}
	if err := ch.Platform(sevcmd.PDHCertExport, &export); err != nil {
		return nil, fmt.Errorf("PDH_CERT_EXPORT: %w", err)
	}

	id, err := sevcmd.QueryThenFetch(
		func() (uint32, error) {
			var g sevcmd.GetIDData
			err := ch.Platform(sevcmd.GetID, &g)
			return g.Len, err
		},
		func(buf []byte) error {
			g := sevcmd.GetIDData{ID: buf}
			return ch.Platform(sevcmd.GetID, &g)
		})
	if err != nil {
		return nil, fmt.Errorf("GET_ID: %w", err)
	}

	return &Capabilities{
		PDH:             export.PDHCert,
		CertChain:       export.CertChain,
		CPU0ID:          id,
		CbitPos:         cbitPos,
		ReducedPhysBits: reducedPhysBits,
	}, nil
}

// Capabilities exports the platform capabilities through the guest's own
// channel and configuration.
func (c *Context) Capabilities() (*Capabilities, error) {
	return PlatformCapabilities(c.ch, c.cfg.CbitPos, c.cfg.ReducedPhysBits)
}

// NonceSize is the required attestation report nonce length.
const NonceSize = 16

// AttestationReport requests a firmware-signed report binding the caller's
// nonce to the launch measurement. The report size is negotiated with the
// firmware first.
func (c *Context) AttestationReport(nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("nonce is %d bytes, firmware requires %d", len(nonce), NonceSize)
	}
	var mnonce [NonceSize]byte
	copy(mnonce[:], nonce)

	report, err := sevcmd.QueryThenFetch(
		func() (uint32, error) {
			r := sevcmd.AttestationReportData{MNonce: mnonce}
			err := c.ch.Guest(sevcmd.AttestationReport, &r)
			return r.Len, err
		},
		func(buf []byte) error {
			r := sevcmd.AttestationReportData{MNonce: mnonce, Data: buf}
			return c.ch.Guest(sevcmd.AttestationReport, &r)
		})
	if err != nil {
		return nil, fmt.Errorf("GET_ATTESTATION_REPORT: %w", err)
	}
	return report, nil
}
