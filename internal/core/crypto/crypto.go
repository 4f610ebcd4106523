// Package crypto contains the symmetric cryptography used to protect session
// traffic: AES-128-GCM with a per-peer IV made of a random prefix and a counter.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

const (
	KeySize = 16
	IVSize  = 12
	TagSize = 16
)

// Key is an AES-128 key.
type Key [KeySize]byte

// IV is the nonce state for one direction of a session. The prefix is chosen at
// random and must differ between the two peers; the counter is incremented on
// every encryption so that a (key, nonce) pair is never reused.
type IV struct {
	Prefix  uint32
	Counter uint32
}

// Bytes encodes the IV as prefix (big endian), four zero bytes, and counter
// widened to eight bytes.
func (iv IV) Bytes() [IVSize]byte {
	var b [IVSize]byte
	binary.BigEndian.PutUint32(b[0:4], iv.Prefix)
	binary.BigEndian.PutUint64(b[4:12], uint64(iv.Counter))
	return b
}

func (iv *IV) Increment() { iv.Counter++ }

func (iv *IV) ResetCounter() { iv.Counter = 0 }

// Provider is the capability interface for the random material a session needs.
type Provider interface {
	// GenerateSessionKey returns a fresh random key.
	GenerateSessionKey() (Key, error)

	// RandomPrefix returns a random IV prefix.
	RandomPrefix() (uint32, error)
}

// Random is the Provider backed by crypto/rand.
type Random struct{}

func (Random) GenerateSessionKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generating session key: %w", err)
	}
	return k, nil
}

func (Random) RandomPrefix() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("generating iv prefix: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// DistinctPrefix draws prefixes from p until one differs from peer.
func DistinctPrefix(p Provider, peer uint32) (uint32, error) {
	for {
		prefix, err := p.RandomPrefix()
		if err != nil {
			return 0, err
		}
		if prefix != peer {
			return prefix, nil
		}
	}
}
