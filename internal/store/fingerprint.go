package store

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"
)

// Fingerprint is the opaque key a request is cached under.
type Fingerprint string

// NewFingerprint derives the fingerprint of r.
//
// The request is normalized into
//
//	method:<METHOD>|url:<URL>|h:<Canonical-Name>=<v1,v2>...
//
// and hashed with SHA-256. Only the headers listed in vary take part, so two
// requests that differ in other headers share a cache slot.
func NewFingerprint(r *http.Request, vary []string) Fingerprint {
	var b strings.Builder
	b.WriteString("method:")
	b.WriteString(strings.ToUpper(r.Method))
	b.WriteString("|url:")
	if r.URL != nil {
		b.WriteString(r.URL.String())
	}

	if len(vary) > 0 {
		names := make([]string, 0, len(vary))
		for _, h := range vary {
			if h = strings.TrimSpace(h); h != "" {
				names = append(names, http.CanonicalHeaderKey(h))
			}
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString("|h:")
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strings.Join(r.Header.Values(name), ","))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:]))
}
