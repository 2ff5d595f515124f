package license

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
)

// tokenPrefix is part of the wire contract with deployed game clients
// and cannot change without invalidating them.
const tokenPrefix = "PUBG"

// Nonce bounds, inclusive. The nonce carries no persisted meaning; it
// only makes successful responses look variable on the wire.
const (
	nonceMin = 1_000_000_000
	nonceMax = 1_999_999_999
)

// Token derives the deterministic verification token for a key/device
// pair. MD5 is a fixed-length fingerprint here, not a secrecy
// mechanism: the shared secret ships inside client binaries.
func Token(userKey, serial, secret string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s-%s-%s-%s", tokenPrefix, userKey, serial, secret)))
	return hex.EncodeToString(sum[:])
}

// Nonce returns a fresh random integer in [nonceMin, nonceMax],
// regenerated on every call.
func Nonce() (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(nonceMax-nonceMin+1))
	if err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return nonceMin + n.Int64(), nil
}
