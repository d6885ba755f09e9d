// Package ovmf parses the guest firmware image: the GUIDed footer table
// located at the end of the flash, and the SEV metadata sections the SNP
// launch sequence must populate before finalization.
package ovmf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// GUIDs published by the guest firmware. The footer GUID anchors the
// table; the rest key individual entries.
const (
	FooterGUID        = "96b582de-1fb2-45f7-baea-a366c55a082d"
	HashTableAreaGUID = "7255371f-3a3b-4b04-927b-1da6efa8d454"
	ResetBlockGUID    = "00f771de-1a7e-4fcb-890e-68c77e2fb44e"
	MetadataGUID      = "dc886566-984a-4798-a75e-5585a7bf67cc"
	SecretAreaGUID    = "4c2eb361-7d9b-4cc3-8081-127c90d3d294"
)

// SectionType classifies a SEV metadata section.
type SectionType uint32

const (
	SectionSecMem       SectionType = 1
	SectionSecrets      SectionType = 2
	SectionCPUID        SectionType = 3
	SectionKernelHashes SectionType = 0x10
)

func (t SectionType) String() string {
	switch t {
	case SectionSecMem:
		return "SEC_MEM"
	case SectionSecrets:
		return "SECRETS"
	case SectionCPUID:
		return "CPUID"
	case SectionKernelHashes:
		return "KERNEL_HASHES"
	}
	return fmt.Sprintf("SECTION_%#x", uint32(t))
}

// MetadataSection is one firmware-described guest memory region that must
// be populated and classified during SNP launch.
type MetadataSection struct {
	GPA  uint32
	Size uint32
	Type SectionType
}

// HashTableArea is the firmware-designated guest region for the measured
// kernel hash table.
type HashTableArea struct {
	Base uint32
	Size uint32
}

// SecretArea is the firmware-designated guest region for injected launch
// secrets.
type SecretArea struct {
	Base uint32
	Size uint32
}

const (
	footerBlockSize = 32
	entryHeaderSize = 18 // len:2 + guid:16
	metadataSig     = "ASEV"
	metadataVersion = 1
)

// Volume is a parsed firmware image.
type Volume struct {
	data     []byte
	table    map[string][]byte
	metadata []MetadataSection
}

// Parse reads the footer GUID table and, when present, the SEV metadata
// sections out of a firmware image.
func Parse(data []byte) (*Volume, error) {
	v := &Volume{data: data, table: make(map[string][]byte)}
	if err := v.parseFooterTable(); err != nil {
		return nil, fmt.Errorf("parsing footer table: %w", err)
	}
	if err := v.parseMetadata(); err != nil {
		return nil, fmt.Errorf("parsing SEV metadata: %w", err)
	}
	return v, nil
}

// TableItem returns the raw data of the footer table entry with the given
// GUID, or false if the firmware does not publish it.
func (v *Volume) TableItem(guid string) ([]byte, bool) {
	item, ok := v.table[guid]
	return item, ok
}

// Metadata returns the SEV metadata sections in firmware order. The slice
// is empty when the firmware carries no metadata entry.
func (v *Volume) Metadata() []MetadataSection {
	return v.metadata
}

// HashTable locates the measured kernel hash table area.
func (v *Volume) HashTable() (HashTableArea, error) {
	item, ok := v.table[HashTableAreaGUID]
	if !ok {
		return HashTableArea{}, errors.New("firmware has no hashes table GUID")
	}
	if len(item) < 8 {
		return HashTableArea{}, fmt.Errorf("hashes table descriptor is %d bytes, want 8", len(item))
	}
	return HashTableArea{
		Base: binary.LittleEndian.Uint32(item[0:]),
		Size: binary.LittleEndian.Uint32(item[4:]),
	}, nil
}

// Secret locates the launch secret injection area.
func (v *Volume) Secret() (SecretArea, error) {
	item, ok := v.table[SecretAreaGUID]
	if !ok {
		return SecretArea{}, errors.New("firmware has no secret area GUID")
	}
	if len(item) < 8 {
		return SecretArea{}, fmt.Errorf("secret area descriptor is %d bytes, want 8", len(item))
	}
	return SecretArea{
		Base: binary.LittleEndian.Uint32(item[0:]),
		Size: binary.LittleEndian.Uint32(item[4:]),
	}, nil
}

// ResetVector extracts the SEV-ES AP reset vector address. The info block
// is looked up in the footer table first; older firmware places it on its
// own at a fixed distance from the end of the flash, so fall back to that
// location when the table has no entry.
func (v *Volume) ResetVector() (uint32, error) {
	if item, ok := v.table[ResetBlockGUID]; ok {
		if len(item) < 4 {
			return 0, fmt.Errorf("reset block is %d bytes, want 4", len(item))
		}
		return parseResetBlock(item)
	}

	if len(v.data) < footerBlockSize+entryHeaderSize {
		return 0, errors.New("firmware image too small for an info block")
	}
	end := len(v.data) - footerBlockSize
	guid := guidLE(uuid.MustParse(ResetBlockGUID))
	if !bytes.Equal(v.data[end-16:end], guid[:]) {
		return 0, errors.New("info block/footer table not found in firmware image")
	}
	blockLen := int(binary.LittleEndian.Uint16(v.data[end-18 : end-16]))
	if blockLen < 4 || blockLen > end {
		return 0, fmt.Errorf("info block length %d is invalid", blockLen)
	}
	return parseResetBlock(v.data[end-blockLen:])
}

func parseResetBlock(block []byte) (uint32, error) {
	addr := binary.LittleEndian.Uint32(block[0:4])
	if addr == 0 {
		return 0, errors.New("reset address is zero")
	}
	return addr, nil
}

func (v *Volume) parseFooterTable() error {
	if len(v.data) < footerBlockSize+entryHeaderSize {
		return nil
	}
	footerStart := len(v.data) - footerBlockSize - entryHeaderSize
	footerLen := binary.LittleEndian.Uint16(v.data[footerStart:])
	footerGUID := guidLE(uuid.MustParse(FooterGUID))
	if !bytes.Equal(v.data[footerStart+2:footerStart+entryHeaderSize], footerGUID[:]) {
		// No footer table; an older image may still carry a bare info block.
		return nil
	}

	tableSize := int(footerLen) - entryHeaderSize
	if tableSize < 0 || tableSize > footerStart {
		return fmt.Errorf("footer table size %d is invalid", tableSize)
	}
	table := v.data[footerStart-tableSize : footerStart]

	for len(table) >= entryHeaderSize {
		hdr := table[len(table)-entryHeaderSize:]
		entryLen := int(binary.LittleEndian.Uint16(hdr))
		if entryLen < entryHeaderSize || entryLen > len(table) {
			return fmt.Errorf("table entry size %d is invalid", entryLen)
		}
		id, err := uuid.FromBytes(beBytes(hdr[2:entryHeaderSize]))
		if err != nil {
			return fmt.Errorf("parsing entry GUID: %w", err)
		}
		v.table[id.String()] = table[len(table)-entryLen : len(table)-entryHeaderSize]
		table = table[:len(table)-entryLen]
	}
	return nil
}

func (v *Volume) parseMetadata() error {
	entry, ok := v.table[MetadataGUID]
	if !ok {
		return nil
	}
	if len(entry) < 4 {
		return fmt.Errorf("metadata pointer is %d bytes, want 4", len(entry))
	}
	offsetFromEnd := int(binary.LittleEndian.Uint32(entry[0:4]))
	if offsetFromEnd < 16 || offsetFromEnd > len(v.data) {
		return fmt.Errorf("metadata offset %d is out of range", offsetFromEnd)
	}
	hdr := v.data[len(v.data)-offsetFromEnd:]

	if string(hdr[0:4]) != metadataSig {
		return errors.New("wrong SEV metadata signature")
	}
	size := binary.LittleEndian.Uint32(hdr[4:])
	version := binary.LittleEndian.Uint32(hdr[8:])
	numItems := int(binary.LittleEndian.Uint32(hdr[12:]))
	if version != metadataVersion {
		return fmt.Errorf("wrong SEV metadata version %d", version)
	}
	if int(size) > len(hdr) || 16+numItems*12 > int(size) {
		return fmt.Errorf("SEV metadata size %d cannot hold %d sections", size, numItems)
	}

	for i := 0; i < numItems; i++ {
		item := hdr[16+i*12:]
		v.metadata = append(v.metadata, MetadataSection{
			GPA:  binary.LittleEndian.Uint32(item[0:]),
			Size: binary.LittleEndian.Uint32(item[4:]),
			Type: SectionType(binary.LittleEndian.Uint32(item[8:])),
		})
	}
	return nil
}

// guidLE converts an RFC 4122 UUID to the mixed-endian layout GUIDs use
// on the wire (first three groups little-endian).
func guidLE(u uuid.UUID) [16]byte {
	var g [16]byte
	g[0], g[1], g[2], g[3] = u[3], u[2], u[1], u[0]
	g[4], g[5] = u[5], u[4]
	g[6], g[7] = u[7], u[6]
	copy(g[8:], u[8:])
	return g
}

// beBytes converts wire-format GUID bytes back to RFC 4122 ordering.
func beBytes(le []byte) []byte {
	be := make([]byte, 16)
	be[0], be[1], be[2], be[3] = le[3], le[2], le[1], le[0]
	be[4], be[5] = le[5], le[4]
	be[6], be[7] = le[7], le[6]
	copy(be[8:], le[8:])
	return be
}

// GUIDToBytes exposes the wire encoding of a GUID for packages that embed
// GUIDs in guest-visible structures.
func GUIDToBytes(guid string) [16]byte {
	return guidLE(uuid.MustParse(guid))
}
