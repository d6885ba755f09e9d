package launch

import (
	"encoding/binary"
	"testing"
)

func TestVMSAEncodeLayout(t *testing.T) {
	v := resetVMSA(0xfffffff0)
	buf := v.Encode()

	if len(buf) != VMSASize {
		t.Fatalf("encoded save area is %d bytes, want %d", len(buf), VMSASize)
	}

	// CS is the second segment slot.
	if sel := binary.LittleEndian.Uint16(buf[0x10:]); sel != 0xf000 {
		t.Errorf("CS selector = %#x, want 0xf000", sel)
	}
	if base := binary.LittleEndian.Uint64(buf[0x18:]); base != 0xffff0000 {
		t.Errorf("CS base = %#x, want 0xffff0000", base)
	}
	if efer := binary.LittleEndian.Uint64(buf[vmsaOffEfer:]); efer != 0x1000 {
		t.Errorf("EFER = %#x, want 0x1000 (SVME)", efer)
	}
	if rip := binary.LittleEndian.Uint64(buf[vmsaOffRip:]); rip != 0xfff0 {
		t.Errorf("RIP = %#x, want 0xfff0", rip)
	}
	if dr6 := binary.LittleEndian.Uint64(buf[vmsaOffDr6:]); dr6 != 0xffff0ff0 {
		t.Errorf("DR6 = %#x, want 0xffff0ff0", dr6)
	}
	if pat := binary.LittleEndian.Uint64(buf[vmsaOffGPat:]); pat != 0x0007040600070406 {
		t.Errorf("G_PAT = %#x, want power-on PAT", pat)
	}
	if xcr0 := binary.LittleEndian.Uint64(buf[vmsaOffXcr0:]); xcr0 != 1 {
		t.Errorf("XCR0 = %#x, want 1", xcr0)
	}
	if fcw := binary.LittleEndian.Uint16(buf[vmsaOffX87Fcw:]); fcw != 0x37f {
		t.Errorf("x87 FCW = %#x, want 0x37f", fcw)
	}
}

func TestResetVMSASegments(t *testing.T) {
	v := resetVMSA(0xffc00000)

	if v.Cs.Base != 0xffc00000 || v.Rip != 0 {
		t.Errorf("CS base %#x RIP %#x, want the vector split at bit 16", v.Cs.Base, v.Rip)
	}
	for _, seg := range []Segment{v.Es, v.Ss, v.Ds, v.Fs, v.Gs} {
		if seg.Attrib != 0x93 || seg.Limit != 0xffff {
			t.Errorf("data segment = %+v, want attrib 0x93 limit 0xffff", seg)
		}
	}
	if v.Ldtr.Attrib != 0x82 || v.Tr.Attrib != 0x8b {
		t.Errorf("LDTR/TR attribs = %#x/%#x, want 0x82/0x8b", v.Ldtr.Attrib, v.Tr.Attrib)
	}
}
