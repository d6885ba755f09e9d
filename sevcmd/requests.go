package sevcmd

// Request payloads for the commands this module issues. Fields named *Len
// are written back by the firmware where the command reports a required
// buffer size; byte-slice fields are caller-owned buffers the firmware
// reads from or writes into.

// StatusData is the PLATFORM_STATUS response.
type StatusData struct {
	APIMajor   uint8
	APIMinor   uint8
	State      uint8
	Flags      uint32
	Build      uint8
	GuestCount uint32
}

// PDHCertExportData exports the platform Diffie-Hellman certificate and
// its certificate chain. Probe with nil buffers to learn both lengths.
type PDHCertExportData struct {
	PDHCert      []byte
	PDHCertLen   uint32
	CertChain    []byte
	CertChainLen uint32
}

// GetIDData exports the unique platform identifier. Probe with a nil
// buffer to learn the length.
type GetIDData struct {
	ID  []byte
	Len uint32
}

// SnpInitData configures SNP guest context initialization.
type SnpInitData struct {
	Flags uint64
}

// LaunchStartData creates the guest encryption context. Handle is written
// back by the firmware on success.
type LaunchStartData struct {
	Handle  uint32
	Policy  uint32
	DHCert  []byte
	Session []byte
}

// LaunchUpdateDataReq encrypts the given host buffer in place and folds it
// into the launch measurement.
type LaunchUpdateDataReq struct {
	Data []byte
}

// LaunchMeasureData retrieves the firmware-computed launch measurement.
// Probe with a nil buffer to learn the length.
type LaunchMeasureData struct {
	Data []byte
	Len  uint32
}

// LaunchSecretData injects an encrypted secret into guest memory.
// GuestData is the host mapping of the target guest physical range.
type LaunchSecretData struct {
	Hdr       []byte
	Trans     []byte
	GuestData []byte
}

// AttestationReportData requests a firmware-signed report over MNonce.
// Probe with a nil buffer to learn the length.
type AttestationReportData struct {
	MNonce [16]byte
	Data   []byte
	Len    uint32
}

// SnpLaunchStartData creates the SNP guest encryption context.
type SnpLaunchStartData struct {
	Policy uint64
	GOSVW  [16]byte
}

// SnpLaunchUpdateData commits one region of guest memory into the SNP
// context with the given page type.
type SnpLaunchUpdateData struct {
	StartGFN uint64
	Data     []byte
	PageType uint8
}

// SnpLaunchFinishData finalizes the SNP launch, optionally binding an
// identity block, auth block and opaque host data into the guest's
// attestation report.
type SnpLaunchFinishData struct {
	IDBlock   []byte
	IDAuth    []byte
	IDBlockEn bool
	AuthKeyEn bool
	HostData  [32]byte
}
