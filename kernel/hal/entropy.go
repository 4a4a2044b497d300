// Package hal provides the hardware facilities that the boot path relies on
// before any driver has been initialized.
package hal

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// EntropySource provides random numbers. Uint64 returns false if no entropy
// is available.
type EntropySource interface {
	Uint64() (uint64, bool)
}

// CryptoEntropy reads random numbers from Reader. A nil Reader selects the
// host's cryptographically secure generator.
type CryptoEntropy struct {
	Reader io.Reader
}

// Uint64 implements EntropySource.
func (e CryptoEntropy) Uint64() (uint64, bool) {
	r := e.Reader
	if r == nil {
		r = rand.Reader
	}

	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

// NoEntropy is an EntropySource for machines without a random number
// generator.
type NoEntropy struct{}

// Uint64 implements EntropySource.
func (NoEntropy) Uint64() (uint64, bool) { return 0, false }
