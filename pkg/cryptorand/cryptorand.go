// Package cryptorand wraps crypto/rand for callers that want random
// bytes without threading an error through: a failed read is logged and
// surfaces as nil, which MAC generation refuses to build an address
// from.
package cryptorand

import (
	"crypto/rand"

	"k8s.io/klog/v2"
)

// Read fills randBytes from the system entropy source, returning nil
// when the source fails.
func Read(randBytes []byte) []byte {
	if _, err := rand.Read(randBytes); err != nil {
		klog.Errorf("Error reading bytes using crypto/rand: %v", err)
		return nil
	}
	return randBytes
}
