//go:build linux

package sevcmd

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mediation layer ioctl numbers. SEV_ISSUE_CMD targets the security
// processor device; the memory-encryption op targets the VM descriptor.
const (
	sevIssueCmdIoctl    = 0xc0185300 // _IOWR('S', 0x0, struct sev_issue_cmd)
	memoryEncryptOpVMIO = 0xc008aeba // _IOWR(KVMIO, 0xba, unsigned long)
)

// Kernel command identifiers for the platform device (linux/psp-sev.h).
var platformCmdIDs = map[Command]uint32{
	PlatformStatus: 1,
	PDHGen:         4,
	PDHCertExport:  5,
	GetID:          8,
}

// Kernel command identifiers for the per-VM memory encryption op. The SNP
// identifiers match the SNP development headers.
var guestCmdIDs = map[Command]uint32{
	Init:              0,
	EsInit:            1,
	LaunchStart:       2,
	LaunchUpdateData:  3,
	LaunchUpdateVMSA:  4,
	LaunchSecret:      5,
	LaunchMeasure:     6,
	LaunchFinish:      7,
	AttestationReport: 23,
	SnpInit:           256,
	SnpLaunchStart:    257,
	SnpLaunchUpdate:   258,
	SnpLaunchFinish:   259,
}

// Device is the production Channel: a handle to the security processor
// device plus the VM descriptor carrying the guest encryption context.
type Device struct {
	fd   int
	vmFd int
}

// OpenDevice opens the security processor device (conventionally
// /dev/sev) and binds it to the given VM descriptor.
func OpenDevice(path string, vmFd int) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Device{fd: fd, vmFd: vmFd}, nil
}

// Close releases the device descriptor. The VM descriptor is owned by the
// caller and is left open.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

// Fd exposes the raw device descriptor for the VM initialization command.
func (d *Device) Fd() int { return d.fd }

// Platform issues a platform-scoped command through SEV_ISSUE_CMD.
func (d *Device) Platform(cmd Command, req interface{}) error {
	id, ok := platformCmdIDs[cmd]
	if !ok {
		return fmt.Errorf("%v is not a platform command", cmd)
	}
	data, finish, err := marshalPlatform(cmd, req)
	if err != nil {
		return err
	}

	// struct sev_issue_cmd { __u32 cmd; __u64 data; __u32 error; }
	arg := make([]byte, 24)
	binary.LittleEndian.PutUint32(arg[0:], id)
	putAddr(arg[8:], data)

	status := d.ioctl(d.fd, sevIssueCmdIoctl, arg)
	runtime.KeepAlive(data)
	finish(data)
	if status != 0 {
		return &FirmwareError{Status: status, Code: int32(binary.LittleEndian.Uint32(arg[16:]))}
	}
	return nil
}

// Guest issues a context-bound command through the VM memory-encryption op.
func (d *Device) Guest(cmd Command, req interface{}) error {
	id, ok := guestCmdIDs[cmd]
	if !ok {
		return fmt.Errorf("%v is not a guest command", cmd)
	}
	data, finish, err := marshalGuest(cmd, req)
	if err != nil {
		return err
	}

	// struct kvm_sev_cmd { __u32 id; __u64 data; __u32 error; __u32 sev_fd; }
	arg := make([]byte, 24)
	binary.LittleEndian.PutUint32(arg[0:], id)
	putAddr(arg[8:], data)
	binary.LittleEndian.PutUint32(arg[20:], uint32(d.fd))

	status := d.ioctl(d.vmFd, memoryEncryptOpVMIO, arg)
	runtime.KeepAlive(data)
	finish(data)
	if status != 0 {
		return &FirmwareError{Status: status, Code: int32(binary.LittleEndian.Uint32(arg[16:]))}
	}
	return nil
}

func (d *Device) ioctl(fd int, nr uintptr, arg []byte) int32 {
	var p unsafe.Pointer
	if len(arg) > 0 {
		p = unsafe.Pointer(&arg[0])
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), nr, uintptr(p))
	runtime.KeepAlive(arg)
	if errno != 0 {
		return -int32(errno)
	}
	return 0
}

// putAddr stores the address of buf's first byte, or zero for an empty
// buffer, matching the NULL-pointer probe convention.
func putAddr(dst, buf []byte) {
	if len(buf) == 0 {
		return
	}
	binary.LittleEndian.PutUint64(dst, uint64(uintptr(unsafe.Pointer(&buf[0]))))
}

// marshalPlatform builds the kernel payload for a platform command and
// returns a finish func that copies firmware-written fields back into req.
func marshalPlatform(cmd Command, req interface{}) ([]byte, func([]byte), error) {
	noop := func([]byte) {}
	switch r := req.(type) {
	case nil:
		return nil, noop, nil
	case *StatusData:
		// struct sev_user_data_status (packed, 12 bytes)
		data := make([]byte, 12)
		return data, func(data []byte) {
			r.APIMajor = data[0]
			r.APIMinor = data[1]
			r.State = data[2]
			r.Flags = binary.LittleEndian.Uint32(data[3:])
			r.Build = data[7]
			r.GuestCount = binary.LittleEndian.Uint32(data[8:])
		}, nil
	case *PDHCertExportData:
		// struct sev_user_data_pdh_cert_export (packed, 24 bytes)
		data := make([]byte, 24)
		putAddr(data[0:], r.PDHCert)
		binary.LittleEndian.PutUint32(data[8:], uint32(len(r.PDHCert)))
		putAddr(data[12:], r.CertChain)
		binary.LittleEndian.PutUint32(data[20:], uint32(len(r.CertChain)))
		return data, func(data []byte) {
			r.PDHCertLen = binary.LittleEndian.Uint32(data[8:])
			r.CertChainLen = binary.LittleEndian.Uint32(data[20:])
			runtime.KeepAlive(r.PDHCert)
			runtime.KeepAlive(r.CertChain)
		}, nil
	case *GetIDData:
		// struct sev_user_data_get_id2 (packed, 12 bytes)
		data := make([]byte, 12)
		putAddr(data[0:], r.ID)
		binary.LittleEndian.PutUint32(data[8:], uint32(len(r.ID)))
		return data, func(data []byte) {
			r.Len = binary.LittleEndian.Uint32(data[8:])
			runtime.KeepAlive(r.ID)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported payload %T for %v", req, cmd)
	}
}

// marshalGuest builds the kernel payload for a guest-context command.
func marshalGuest(cmd Command, req interface{}) ([]byte, func([]byte), error) {
	noop := func([]byte) {}
	switch r := req.(type) {
	case nil:
		return nil, noop, nil
	case *SnpInitData:
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, r.Flags)
		return data, noop, nil
	case *LaunchStartData:
		// struct kvm_sev_launch_start (40 bytes)
		data := make([]byte, 40)
		binary.LittleEndian.PutUint32(data[0:], r.Handle)
		binary.LittleEndian.PutUint32(data[4:], r.Policy)
		putAddr(data[8:], r.DHCert)
		binary.LittleEndian.PutUint32(data[16:], uint32(len(r.DHCert)))
		putAddr(data[24:], r.Session)
		binary.LittleEndian.PutUint32(data[32:], uint32(len(r.Session)))
		return data, func(data []byte) {
			r.Handle = binary.LittleEndian.Uint32(data[0:])
			runtime.KeepAlive(r.DHCert)
			runtime.KeepAlive(r.Session)
		}, nil
	case *LaunchUpdateDataReq:
		// struct kvm_sev_launch_update_data (16 bytes)
		data := make([]byte, 16)
		putAddr(data[0:], r.Data)
		binary.LittleEndian.PutUint32(data[8:], uint32(len(r.Data)))
		return data, func([]byte) { runtime.KeepAlive(r.Data) }, nil
	case *LaunchMeasureData:
		// struct kvm_sev_launch_measure (16 bytes)
		data := make([]byte, 16)
		putAddr(data[0:], r.Data)
		binary.LittleEndian.PutUint32(data[8:], uint32(len(r.Data)))
		return data, func(data []byte) {
			r.Len = binary.LittleEndian.Uint32(data[8:])
			runtime.KeepAlive(r.Data)
		}, nil
	case *LaunchSecretData:
		// struct kvm_sev_launch_secret (48 bytes)
		data := make([]byte, 48)
		putAddr(data[0:], r.Hdr)
		binary.LittleEndian.PutUint32(data[8:], uint32(len(r.Hdr)))
		putAddr(data[16:], r.GuestData)
		binary.LittleEndian.PutUint32(data[24:], uint32(len(r.GuestData)))
		putAddr(data[32:], r.Trans)
		binary.LittleEndian.PutUint32(data[40:], uint32(len(r.Trans)))
		return data, func([]byte) {
			runtime.KeepAlive(r.Hdr)
			runtime.KeepAlive(r.GuestData)
			runtime.KeepAlive(r.Trans)
		}, nil
	case *AttestationReportData:
		// struct kvm_sev_attestation_report (32 bytes)
		data := make([]byte, 32)
		copy(data[0:16], r.MNonce[:])
		putAddr(data[16:], r.Data)
		binary.LittleEndian.PutUint32(data[24:], uint32(len(r.Data)))
		return data, func(data []byte) {
			r.Len = binary.LittleEndian.Uint32(data[24:])
			runtime.KeepAlive(r.Data)
		}, nil
	case *SnpLaunchStartData:
		// struct kvm_sev_snp_launch_start (40 bytes)
		data := make([]byte, 40)
		binary.LittleEndian.PutUint64(data[0:], r.Policy)
		copy(data[18:34], r.GOSVW[:])
		return data, noop, nil
	case *SnpLaunchUpdateData:
		// struct kvm_sev_snp_launch_update (32 bytes)
		data := make([]byte, 32)
		binary.LittleEndian.PutUint64(data[0:], r.StartGFN)
		putAddr(data[8:], r.Data)
		binary.LittleEndian.PutUint32(data[16:], uint32(len(r.Data)))
		data[21] = r.PageType
		return data, func([]byte) { runtime.KeepAlive(r.Data) }, nil
	case *SnpLaunchFinishData:
		// struct kvm_sev_snp_launch_finish (56 bytes)
		data := make([]byte, 56)
		putAddr(data[0:], r.IDBlock)
		putAddr(data[8:], r.IDAuth)
		if r.IDBlockEn {
			data[16] = 1
		}
		if r.AuthKeyEn {
			data[17] = 1
		}
		copy(data[18:50], r.HostData[:])
		return data, func([]byte) {
			runtime.KeepAlive(r.IDBlock)
			runtime.KeepAlive(r.IDAuth)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported payload %T for %v", req, cmd)
	}
}
