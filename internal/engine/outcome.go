package engine

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
)

// The crash point for a round is derived from HMAC-SHA256(serverSeed,
// roundID). Anyone who learns the server seed after the fact can
// recompute every past round's outcome from its round id, which is the
// whole fairness contract: the seed commitment (SeedHash) is published
// up front, the seed itself only after rotation.

const houseEdgeModulus = 100

// GenerateServerSeed returns a fresh random seed as a hex string.
func GenerateServerSeed() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("failed to generate server seed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// SeedHash returns the publishable commitment for a server seed.
func SeedHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// CrashPoint derives a round's crash multiplier from the seed pair.
// Deterministic: the same (serverSeed, roundID) always produces the
// same value, bit for bit.
func CrashPoint(serverSeed, roundID string) float64 {
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(roundID))
	digest := hex.EncodeToString(mac.Sum(nil))

	// 1 in houseEdgeModulus rounds crash instantly at 1.00x.
	if divisible(digest, houseEdgeModulus) {
		return 1.0
	}

	// First 13 hex chars give 52 bits, the full precision of a float64
	// mantissa.
	h, err := strconv.ParseUint(digest[:13], 16, 64)
	if err != nil {
		panic("hmac digest is not hex: " + err.Error())
	}

	e := float64(uint64(1) << 52)
	hf := float64(h)
	result := (e - hf/50) / (e - hf)
	return math.Floor(result*100) / 100
}

// divisible reports whether the hex string, read as one big integer, is
// a multiple of mod. Folding 16 bits at a time keeps the running value
// in uint64 range: val*2^16 + group is congruent to shifting the digits
// in, so the final residue equals the full-width remainder.
func divisible(hash string, mod uint64) bool {
	var val uint64

	start := 0
	if r := len(hash) % 4; r > 0 {
		group, err := strconv.ParseUint(hash[:r], 16, 64)
		if err != nil {
			return false
		}
		val = group % mod
		start = r
	}

	for i := start; i < len(hash); i += 4 {
		group, err := strconv.ParseUint(hash[i:i+4], 16, 64)
		if err != nil {
			return false
		}
		val = (val<<16 + group) % mod
	}

	return val == 0
}
