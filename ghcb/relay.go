package ghcb

import (
	"os"

	"github.com/google/logger"
)

// Extended request result codes, guest-visible.
const (
	ExtReqErrInvalidLen = 1
	ExtReqErrGeneric    = 1 << 31
)

// CertRelay serves a guest's runtime request for the extended certificate
// bundle the guest needs to verify its attestation reports. The bundle is
// an operator-configured local file; serving it is optional.
type CertRelay struct {
	// Path names the certificate bundle file. Empty means none is
	// configured and requests succeed with zero bytes.
	Path string
}

// Handle copies the certificate bundle into the guest's buffer of npages
// whole pages at gpa. It returns the guest-visible result code and the
// page count: on an undersized buffer nothing is copied and the count
// tells the guest how many pages to retry with.
func (r *CertRelay) Handle(mem GuestMemory, gpa, npages uint64) (ret uint32, outPages uint64) {
	if r.Path == "" {
		return 0, npages
	}

	contents, err := os.ReadFile(r.Path)
	if err != nil {
		logger.Errorf("reading certificate bundle %s: %v", r.Path, err)
		return ExtReqErrGeneric, npages
	}

	size := uint64(len(contents))
	if npages*pageSize < size {
		return ExtReqErrInvalidLen, (size + pageSize) / pageSize
	}

	guest, release, err := mem.Map(gpa, npages*pageSize)
	if err != nil || uint64(len(guest)) < size {
		logger.Warningf("unable to map guest certificate buffer at %#x: %v", gpa, err)
		if err == nil {
			release()
		}
		return ExtReqErrGeneric, npages
	}
	defer release()

	copy(guest, contents)
	return 0, npages
}
