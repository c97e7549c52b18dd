// Package roundid generates round identifiers. An id is a UUIDv7
// rendered as 26 characters of Crockford base32: sortable by creation
// time, unique per round, and safe to publish. Round ids are the HMAC
// message of the provably-fair contract, so a reused id would reuse an
// outcome.
package roundid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const alphabet = "0123456789abcdefghjkmnpqrstvwxyz"

const encodedLen = 26

// RandSource lets tests inject deterministic randomness.
type RandSource interface {
	Intn(n int) int
}

// Generator produces round ids, optionally from an injected RandSource.
type Generator struct {
	rand RandSource
}

// NewGenerator creates a generator. A nil source uses crypto/rand.
func NewGenerator(rand RandSource) *Generator {
	return &Generator{rand: rand}
}

// Generate returns a new round id from the default generator.
func Generate() string {
	return NewGenerator(nil).Generate()
}

// Generate returns a new round id.
func (g *Generator) Generate() string {
	var id [16]byte

	// 48-bit millisecond timestamp, then randomness.
	now := time.Now().UnixMilli()
	for i := 0; i < 6; i++ {
		id[i] = byte(now >> (40 - 8*i))
	}

	if g.rand != nil {
		for i := 6; i < 16; i++ {
			id[i] = byte(g.rand.Intn(256))
		}
	} else {
		if _, err := rand.Read(id[6:]); err != nil {
			panic("failed to generate round id: " + err.Error())
		}
	}

	// UUIDv7 version and variant bits.
	id[6] = (id[6] & 0x0f) | 0x70
	id[8] = (id[8] & 0x3f) | 0x80

	return encode(id)
}

// encode renders 128 bits as 26 base32 characters, most significant
// first. The bit stream is consumed through a sliding window so groups
// that straddle byte boundaries need no special cases.
func encode(id [16]byte) string {
	var out [encodedLen]byte

	var window uint16
	bits := 0
	next := 0

	for i := 0; i < encodedLen; i++ {
		for bits < 5 {
			window <<= 8
			if next < len(id) {
				window |= uint16(id[next])
				next++
			}
			bits += 8
		}
		out[i] = alphabet[(window>>(bits-5))&0x1f]
		bits -= 5
		window &= (1 << bits) - 1
	}

	return string(out[:])
}

// Validate checks that id is a well-formed round id.
func Validate(id string) error {
	if len(id) != encodedLen {
		return fmt.Errorf("round id must be %d characters, got %d", encodedLen, len(id))
	}
	// 26 base32 chars carry 130 bits; the top two must be zero, which
	// caps the first character at '7'.
	if id[0] > '7' {
		return fmt.Errorf("round id first character must be 0-7, got %c", id[0])
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(alphabet, id[i]) < 0 {
			return fmt.Errorf("invalid character %c at position %d", id[i], i)
		}
	}
	return nil
}
