package hasher

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

const fingerprintLen = 12

// New returns a domain.Hasher backed by SHA-256 that keeps a short hex prefix,
// enough to correlate log lines without exposing the credential.
func New() domain.Hasher { return fingerprinter{} }

type fingerprinter struct{}

func (fingerprinter) Hash(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
