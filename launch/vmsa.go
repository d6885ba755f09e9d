package launch

import "encoding/binary"

// Segment mirrors a hardware segment register in its save-area layout.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

// VMSA is the subset of a vCPU save area the launch protocol snapshots:
// the architectural state a vCPU must hold before its first instruction.
// The full hardware page is 4 KiB; fields not modeled here stay zero,
// which is their hardware reset value.
type VMSA struct {
	Es, Cs, Ss, Ds, Fs, Gs Segment
	Gdtr, Ldtr, Idtr, Tr   Segment

	Efer   uint64
	Cr4    uint64
	Cr3    uint64
	Cr0    uint64
	Dr7    uint64
	Dr6    uint64
	Rflags uint64
	Rip    uint64
	Rsp    uint64
	Rax    uint64
	Cr2    uint64
	GPat   uint64
	Rcx    uint64
	Rdx    uint64
	Rbx    uint64
	Rbp    uint64
	Rsi    uint64
	Rdi    uint64

	SevFeatures uint64
	Xcr0        uint64
	Mxcsr       uint32
	X87Fcw      uint16
}

// VMSASize is the size of the encoded save area, one guest page.
const VMSASize = 4096

// Save area field offsets (AMD APM vol. 2, SEV-ES VMSA layout).
const (
	vmsaOffEs          = 0x000
	vmsaOffEfer        = 0x0d0
	vmsaOffCr4         = 0x148
	vmsaOffCr3         = 0x150
	vmsaOffCr0         = 0x158
	vmsaOffDr7         = 0x160
	vmsaOffDr6         = 0x168
	vmsaOffRflags      = 0x170
	vmsaOffRip         = 0x178
	vmsaOffRsp         = 0x1d8
	vmsaOffRax         = 0x1f8
	vmsaOffCr2         = 0x240
	vmsaOffGPat        = 0x268
	vmsaOffRcx         = 0x308
	vmsaOffRdx         = 0x310
	vmsaOffRbx         = 0x318
	vmsaOffRbp         = 0x328
	vmsaOffRsi         = 0x330
	vmsaOffRdi         = 0x338
	vmsaOffSevFeatures = 0x3b0
	vmsaOffXcr0        = 0x3e8
	vmsaOffMxcsr       = 0x408
	vmsaOffX87Fcw      = 0x410
)

func putSegment(buf []byte, off int, s Segment) {
	binary.LittleEndian.PutUint16(buf[off:], s.Selector)
	binary.LittleEndian.PutUint16(buf[off+2:], s.Attrib)
	binary.LittleEndian.PutUint32(buf[off+4:], s.Limit)
	binary.LittleEndian.PutUint64(buf[off+8:], s.Base)
}

// Encode lays the snapshot out as the hardware save-area page. The byte
// layout is guest-visible and measured, so offsets are explicit rather
// than derived from Go struct layout.
func (v *VMSA) Encode() []byte {
	buf := make([]byte, VMSASize)

	segs := []Segment{v.Es, v.Cs, v.Ss, v.Ds, v.Fs, v.Gs, v.Gdtr, v.Ldtr, v.Idtr, v.Tr}
	for i, s := range segs {
		putSegment(buf, vmsaOffEs+16*i, s)
	}

	binary.LittleEndian.PutUint64(buf[vmsaOffEfer:], v.Efer)
	binary.LittleEndian.PutUint64(buf[vmsaOffCr4:], v.Cr4)
	binary.LittleEndian.PutUint64(buf[vmsaOffCr3:], v.Cr3)
	binary.LittleEndian.PutUint64(buf[vmsaOffCr0:], v.Cr0)
	binary.LittleEndian.PutUint64(buf[vmsaOffDr7:], v.Dr7)
	binary.LittleEndian.PutUint64(buf[vmsaOffDr6:], v.Dr6)
	binary.LittleEndian.PutUint64(buf[vmsaOffRflags:], v.Rflags)
	binary.LittleEndian.PutUint64(buf[vmsaOffRip:], v.Rip)
	binary.LittleEndian.PutUint64(buf[vmsaOffRsp:], v.Rsp)
	binary.LittleEndian.PutUint64(buf[vmsaOffRax:], v.Rax)
	binary.LittleEndian.PutUint64(buf[vmsaOffCr2:], v.Cr2)
	binary.LittleEndian.PutUint64(buf[vmsaOffGPat:], v.GPat)
	binary.LittleEndian.PutUint64(buf[vmsaOffRcx:], v.Rcx)
	binary.LittleEndian.PutUint64(buf[vmsaOffRdx:], v.Rdx)
	binary.LittleEndian.PutUint64(buf[vmsaOffRbx:], v.Rbx)
	binary.LittleEndian.PutUint64(buf[vmsaOffRbp:], v.Rbp)
	binary.LittleEndian.PutUint64(buf[vmsaOffRsi:], v.Rsi)
	binary.LittleEndian.PutUint64(buf[vmsaOffRdi:], v.Rdi)
	binary.LittleEndian.PutUint64(buf[vmsaOffSevFeatures:], v.SevFeatures)
	binary.LittleEndian.PutUint64(buf[vmsaOffXcr0:], v.Xcr0)
	binary.LittleEndian.PutUint32(buf[vmsaOffMxcsr:], v.Mxcsr)
	binary.LittleEndian.PutUint16(buf[vmsaOffX87Fcw:], v.X87Fcw)

	return buf
}

// resetVMSA builds the architectural reset state for a vCPU that starts
// executing at the given 32-bit address, the state an AP holds when it is
// released by the firmware reset vector.
func resetVMSA(eip uint32) VMSA {
	dataSeg := Segment{Attrib: 0x93, Limit: 0xffff}
	return VMSA{
		Es: dataSeg,
		Cs: Segment{
			Selector: 0xf000,
			Attrib:   0x9b,
			Limit:    0xffff,
			Base:     uint64(eip) & 0xffff0000,
		},
		Ss:     dataSeg,
		Ds:     dataSeg,
		Fs:     dataSeg,
		Gs:     dataSeg,
		Gdtr:   Segment{Limit: 0xffff},
		Ldtr:   Segment{Attrib: 0x82, Limit: 0xffff},
		Idtr:   Segment{Limit: 0xffff},
		Tr:     Segment{Attrib: 0x8b, Limit: 0xffff},
		Efer:   0x1000, // SVME
		Cr4:    0x40,   // MCE
		Cr0:    0x10,
		Dr7:    0x400,
		Dr6:    0xffff0ff0,
		Rflags: 0x2,
		Rip:    uint64(eip) & 0xffff,
		GPat:   0x0007040600070406,
		Xcr0:   1,
		Mxcsr:  0x1f80,
		X87Fcw: 0x37f,
	}
}
