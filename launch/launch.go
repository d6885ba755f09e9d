// Package launch drives the secure launch lifecycle of a memory-encrypted
// guest: creating the firmware encryption context, committing the initial
// memory image while accumulating the launch measurement, injecting
// secrets, and finalizing the context so the guest may run.
package launch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	sgabi "github.com/google/go-sev-guest/abi"
	"github.com/google/logger"

	"github.com/google/go-sev-launch/ovmf"
	"github.com/google/go-sev-launch/sevcmd"
)

// ErrStateViolation reports an operation invoked outside its required
// lifecycle state. Always a caller bug, never retried.
var ErrStateViolation = errors.New("launch state violation")

// fatalf terminates the process. A subset of failures is fatal by design:
// once the irreversible finish sequence has begun, or a save area has been
// partially measured, no firmware rollback path exists and resuming would
// leave the guest unverifiable.
var fatalf = logger.Fatalf

// Firmware-fixed buffer sizes for the SNP finish command.
const (
	idBlockSize  = 96
	idAuthSize   = 4096
	hostDataSize = 32
	gosvwSize    = 16
)

// GuestMemory resolves guest physical ranges to host mappings. The
// returned release func must be called on every exit path.
type GuestMemory interface {
	Map(gpa, length uint64) ([]byte, func(), error)
}

// Converter flips the private/shared encryption attribute of a guest
// physical range with the virtualization layer.
type Converter interface {
	Convert(gpa, length uint64, private bool) error
}

// RAMRegistrar pins and unpins encrypted guest RAM with the
// virtualization layer as backing regions come and go.
type RAMRegistrar interface {
	Register(hostAddr uintptr, length uint64) error
	Unregister(hostAddr uintptr, length uint64) error
}

// Config carries the operator-supplied guest parameters. Blob-valued
// fields are base64 strings, matching how they arrive on the command
// line; file-valued fields name local files whose contents are base64.
type Config struct {
	Type   GuestType
	Policy uint32          // SEV guest policy, PolicyES selects SEV-ES
	SNP    sgabi.SnpPolicy // SNP guest policy

	CbitPos         uint32
	HostCbitPos     uint32
	ReducedPhysBits uint32
	KernelIrqchip   bool

	SessionFile string // base64 launch session parameters (SEV)
	DHCertFile  string // base64 guest owner DH certificate (SEV)

	InitFlags   uint64 // SNP context init flags
	GOSVW       string // guest-visible workarounds, up to 16 bytes
	IDBlock     string // identity block, exactly 96 bytes
	IDAuth      string // identity authentication block, exactly 4096 bytes
	HostData    string // opaque host data, exactly 32 bytes
	AuthorKeyEn bool

	Channel   sevcmd.Channel
	Memory    GuestMemory
	Converter Converter
	RAM       RAMRegistrar

	// HostCPUID supplies the host's authoritative CPUID entries for the
	// measured SNP CPUID page.
	HostCPUID func() ([]CPUIDEntry, error)
}

// Context is the per-guest launch state machine. Not safe for concurrent
// use; the launch sequence runs synchronously during guest construction.
type Context struct {
	cfg   Config
	ch    sevcmd.Channel
	state State

	handle   uint32
	apiMajor uint8
	apiMinor uint8
	buildID  uint8

	gosvw    []byte
	idBlock  []byte
	idAuth   []byte
	hostData []byte

	vol          *ovmf.Volume
	resetAddr    uint32
	haveReset    bool
	kernelHashes bool

	queue        regionQueue
	vmsaOverride map[uint16]VMSA
	lastCPUID    []byte

	measurement      []byte
	migrationBlocked bool
}

// New validates the configuration, queries the platform, and initializes
// the guest encryption context. No firmware launch state exists yet if an
// error is returned.
func New(cfg Config) (*Context, error) {
	if cfg.Channel == nil {
		return nil, errors.New("no firmware channel configured")
	}
	if cfg.CbitPos != cfg.HostCbitPos {
		return nil, fmt.Errorf("C-bit position %d does not match host position %d",
			cfg.CbitPos, cfg.HostCbitPos)
	}
	if cfg.ReducedPhysBits < 1 || cfg.ReducedPhysBits > 63 {
		return nil, fmt.Errorf("reduced-phys-bits is %d, want 1..63", cfg.ReducedPhysBits)
	}

	c := &Context{
		cfg:          cfg,
		ch:           cfg.Channel,
		state:        Uninit,
		vmsaOverride: make(map[uint16]VMSA),
	}
	if c.es() || cfg.Type == TypeSevSnp {
		if !cfg.KernelIrqchip {
			return nil, errors.New("SEV-ES and SEV-SNP guests require the in-kernel irqchip")
		}
	}

	var err error
	if c.gosvw, err = decodeBlob("guest-visible-workarounds", cfg.GOSVW, gosvwSize, false); err != nil {
		return nil, err
	}
	if c.idBlock, err = decodeBlob("id-block", cfg.IDBlock, idBlockSize, true); err != nil {
		return nil, err
	}
	if c.idAuth, err = decodeBlob("id-auth", cfg.IDAuth, idAuthSize, true); err != nil {
		return nil, err
	}
	if c.hostData, err = decodeBlob("host-data", cfg.HostData, hostDataSize, true); err != nil {
		return nil, err
	}

	var status sevcmd.StatusData
	if err := c.ch.Platform(sevcmd.PlatformStatus, &status); err != nil {
		return nil, fmt.Errorf("querying platform status: %w", err)
	}
	c.apiMajor, c.apiMinor, c.buildID = status.APIMajor, status.APIMinor, status.Build

	initCmd := sevcmd.Init
	var initReq interface{}
	switch {
	case cfg.Type == TypeSevSnp:
		initCmd = sevcmd.SnpInit
		initReq = &sevcmd.SnpInitData{Flags: cfg.InitFlags}
	case c.es():
		initCmd = sevcmd.EsInit
	}
	if err := c.ch.Guest(initCmd, initReq); err != nil {
		return nil, fmt.Errorf("initializing guest context: %w", err)
	}

	logger.Infof("%v guest initialized, platform API %d.%d build %d",
		cfg.Type, c.apiMajor, c.apiMinor, c.buildID)
	return c, nil
}

func (c *Context) es() bool {
	return c.cfg.Type == TypeSev && c.cfg.Policy&PolicyES != 0
}

// State reports the current lifecycle state.
func (c *Context) State() State { return c.state }

func (c *Context) requireState(op string, want State) error {
	if c.state != want {
		return fmt.Errorf("%w: %s requires state %v, guest is %v", ErrStateViolation, op, want, c.state)
	}
	return nil
}

func (c *Context) setState(next State) {
	logger.Infof("%v guest: %v -> %v", c.cfg.Type, c.state, next)
	c.state = next
}

// Start creates the launch context with the firmware and opens the update
// phase. A firmware rejection is reported to the caller; the guest simply
// never starts.
func (c *Context) Start() error {
	if err := c.requireState("start", Uninit); err != nil {
		return err
	}

	if c.cfg.Type == TypeSevSnp {
		req := sevcmd.SnpLaunchStartData{Policy: sgabi.SnpPolicyToBytes(c.cfg.SNP)}
		copy(req.GOSVW[:], c.gosvw)
		if err := c.ch.Guest(sevcmd.SnpLaunchStart, &req); err != nil {
			return fmt.Errorf("SNP_LAUNCH_START: %w", err)
		}
	} else {
		req := sevcmd.LaunchStartData{Policy: c.cfg.Policy}
		var err error
		if req.Session, err = readBase64File(c.cfg.SessionFile); err != nil {
			return fmt.Errorf("reading session parameters: %w", err)
		}
		if req.DHCert, err = readBase64File(c.cfg.DHCertFile); err != nil {
			return fmt.Errorf("reading guest owner certificate: %w", err)
		}
		if err := c.ch.Guest(sevcmd.LaunchStart, &req); err != nil {
			return fmt.Errorf("LAUNCH_START: %w", err)
		}
		c.handle = req.Handle
	}

	c.setState(LaunchUpdate)
	return nil
}

// UpdateData commits one region of the initial memory image. The SEV
// variant encrypts the host buffer in place immediately; the SNP variant
// queues the region, commit order being decided at finish time once the
// firmware-described metadata pages are known.
func (c *Context) UpdateData(gpa uint64, data []byte) error {
	if err := c.requireState("update-data", LaunchUpdate); err != nil {
		return err
	}
	return c.updateData(gpa, data, PageTypeNormal)
}

func (c *Context) updateData(gpa uint64, data []byte, t PageType) error {
	if len(data) == 0 {
		return nil
	}
	if c.cfg.Type == TypeSevSnp {
		c.queue.enqueue(PendingRegion{GPA: gpa, Data: data, Type: t})
		return nil
	}
	if err := c.ch.Guest(sevcmd.LaunchUpdateData, &sevcmd.LaunchUpdateDataReq{Data: data}); err != nil {
		return fmt.Errorf("LAUNCH_UPDATE_DATA: %w", err)
	}
	return nil
}

// EncryptFlash folds a firmware flash region into the launch image. Flash
// is mapped before the launch begins and remapped on reset, so calls
// outside the update phase are deliberate no-ops.
func (c *Context) EncryptFlash(gpa uint64, data []byte) error {
	if c.state != LaunchUpdate {
		return nil
	}
	return c.updateData(gpa, data, PageTypeNormal)
}

// SetFirmware parses the guest firmware image and records the regions it
// publishes. ES and SNP guests need it before Measure and Finish
// respectively; for a plain SEV guest it only enables secret-area lookup.
func (c *Context) SetFirmware(flash []byte) error {
	vol, err := ovmf.Parse(flash)
	if err != nil {
		return err
	}
	c.vol = vol

	addr, err := vol.ResetVector()
	switch {
	case err == nil:
		c.resetAddr = addr
		c.haveReset = true
	case c.es() || c.cfg.Type == TypeSevSnp:
		return fmt.Errorf("finding AP reset vector: %w", err)
	}
	return nil
}

// SetCPUContext overrides the initial save-area snapshot for one vCPU.
// Setting the same index again replaces the previous snapshot. Must happen
// before the guest runs.
func (c *Context) SetCPUContext(idx uint16, v VMSA) error {
	if c.state == Running {
		return fmt.Errorf("%w: cannot set vCPU %d context after launch", ErrStateViolation, idx)
	}
	c.vmsaOverride[idx] = v
	return nil
}

// ApplyCPUContext returns the initial save-area snapshot for the given
// vCPU: the installed override if one exists, otherwise the architectural
// reset state at the firmware-published reset vector.
func (c *Context) ApplyCPUContext(idx uint16) (VMSA, error) {
	if v, ok := c.vmsaOverride[idx]; ok {
		return v, nil
	}
	if !c.haveReset {
		return VMSA{}, fmt.Errorf("no save-area override for vCPU %d and no reset vector known", idx)
	}
	v := resetVMSA(c.resetAddr)
	if c.cfg.Type == TypeSevSnp {
		v.SevFeatures |= 1 // SNP active
	}
	return v, nil
}

// Measure folds the vCPU save areas into the measurement for ES guests,
// then fetches the firmware-computed launch measurement and opens the
// secret injection phase. SNP guests have no separate measure step; the
// measurement is bound into the attestation report instead.
func (c *Context) Measure() ([]byte, error) {
	if c.cfg.Type == TypeSevSnp {
		return nil, errors.New("SNP guests expose the measurement through the attestation report")
	}
	if err := c.requireState("measure", LaunchUpdate); err != nil {
		return nil, err
	}

	if c.es() {
		if err := c.ch.Guest(sevcmd.LaunchUpdateVMSA, nil); err != nil {
			fatalf("measuring vCPU save areas: %v", err)
		}
	}

	blob, err := sevcmd.QueryThenFetch(
		func() (uint32, error) {
			var m sevcmd.LaunchMeasureData
			err := c.ch.Guest(sevcmd.LaunchMeasure, &m)
			return m.Len, err
		},
		func(buf []byte) error {
			m := sevcmd.LaunchMeasureData{Data: buf}
			return c.ch.Guest(sevcmd.LaunchMeasure, &m)
		})
	if err != nil {
		return nil, fmt.Errorf("LAUNCH_MEASURE: %w", err)
	}

	c.measurement = blob
	c.setState(LaunchSecret)
	logger.Infof("launch measurement: %s", base64.StdEncoding.EncodeToString(blob))
	return c.Measurement()
}

// Measurement returns the cached launch measurement. Valid from the
// secret injection phase on; the guest may be queried long after it runs.
func (c *Context) Measurement() ([]byte, error) {
	if c.state < LaunchSecret {
		return nil, fmt.Errorf("%w: measurement is available from state %v on, guest is %v",
			ErrStateViolation, LaunchSecret, c.state)
	}
	return append([]byte(nil), c.measurement...), nil
}

// InjectSecret places a guest-owner secret into guest memory. Header and
// secret are base64. A nil gpa injects into the firmware-published secret
// area. May be called repeatedly; each call is an independent injection.
func (c *Context) InjectSecret(headerB64, secretB64 string, gpa *uint64) error {
	if err := c.requireState("inject-secret", LaunchSecret); err != nil {
		return err
	}

	hdr, err := base64.StdEncoding.DecodeString(headerB64)
	if err != nil {
		return fmt.Errorf("decoding secret header: %w", err)
	}
	trans, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return fmt.Errorf("decoding secret: %w", err)
	}

	var addr uint64
	if gpa != nil {
		addr = *gpa
	} else {
		if c.vol == nil {
			return errors.New("no guest physical address given and no firmware image to locate the secret area")
		}
		area, err := c.vol.Secret()
		if err != nil {
			return fmt.Errorf("locating secret area: %w", err)
		}
		addr = uint64(area.Base)
	}

	if c.cfg.Memory == nil {
		return errors.New("no guest memory accessor configured")
	}
	guest, release, err := c.cfg.Memory.Map(addr, uint64(len(trans)))
	if err != nil {
		return fmt.Errorf("mapping secret area at %#x: %w", addr, err)
	}
	defer release()

	req := sevcmd.LaunchSecretData{Hdr: hdr, Trans: trans, GuestData: guest}
	if err := c.ch.Guest(sevcmd.LaunchSecret, &req); err != nil {
		return fmt.Errorf("LAUNCH_SECRET: %w", err)
	}
	logger.Infof("injected %d byte launch secret at %#x", len(trans), addr)
	return nil
}

// Finish finalizes the encryption context so the guest can run. From here
// the guest's memory is sealed: migration is permanently refused, and any
// firmware failure during the finish sequence is fatal to the process
// because the half-finalized context cannot be rolled back.
func (c *Context) Finish() error {
	if c.cfg.Type == TypeSevSnp {
		return c.snpFinish()
	}

	if err := c.requireState("finish", LaunchSecret); err != nil {
		return err
	}
	if err := c.ch.Guest(sevcmd.LaunchFinish, nil); err != nil {
		fatalf("LAUNCH_FINISH: %v", err)
	}
	c.setState(Running)
	c.blockMigration()
	return nil
}

// blockMigration installs the permanent migration-incompatibility marker.
// Encrypted guest memory cannot be extracted for transport, so the
// restriction is irrevocable rather than a transient error.
func (c *Context) blockMigration() {
	c.migrationBlocked = true
	logger.Infof("%v guest is running, migration blocked", c.cfg.Type)
}

// MigrationBlocked reports whether the permanent migration restriction is
// in place.
func (c *Context) MigrationBlocked() bool { return c.migrationBlocked }

// RAMBlockAdded pins a new encrypted RAM region with the virtualization
// layer. Failure is fatal: the guest would fault unencrypted accesses.
func (c *Context) RAMBlockAdded(hostAddr uintptr, length uint64) {
	if c.cfg.RAM == nil {
		return
	}
	if err := c.cfg.RAM.Register(hostAddr, length); err != nil {
		fatalf("registering encrypted RAM region %#x+%#x: %v", hostAddr, length, err)
	}
}

// RAMBlockRemoved unpins an encrypted RAM region. Failure is logged and
// ignored; the region is going away regardless.
func (c *Context) RAMBlockRemoved(hostAddr uintptr, length uint64) {
	if c.cfg.RAM == nil {
		return
	}
	if err := c.cfg.RAM.Unregister(hostAddr, length); err != nil {
		logger.Warningf("unregistering encrypted RAM region %#x+%#x: %v", hostAddr, length, err)
	}
}

// decodeBlob decodes a base64 operator blob and enforces the firmware's
// fixed buffer size, exactly or as an upper bound.
func decodeBlob(name, b64 string, size int, exact bool) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	if exact && len(blob) != size {
		return nil, fmt.Errorf("%s is %d bytes, firmware requires exactly %d", name, len(blob), size)
	}
	if !exact && len(blob) > size {
		return nil, fmt.Errorf("%s is %d bytes, firmware limit is %d", name, len(blob), size)
	}
	return blob, nil
}

// readBase64File reads an operator-supplied file holding a base64 blob.
// An empty path yields an empty blob.
func readBase64File(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(contents)))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return blob, nil
}
