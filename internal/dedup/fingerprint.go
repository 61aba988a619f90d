package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"

	"github.com/gustycube/osintd/internal/types"
)

var (
	// ErrMalformed marks an item that fails intake validation.
	ErrMalformed = errors.New("malformed item")
	// ErrEmpty is the malformed subclass for items with no extractable text.
	ErrEmpty = fmt.Errorf("%w: empty content", ErrMalformed)
)

// Validate rejects items that must never be persisted.
func Validate(item types.CollectedItem) error {
	if strings.TrimSpace(item.Source) == "" {
		return fmt.Errorf("%w: missing source", ErrMalformed)
	}
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if Normalize(CanonicalText(item.Title, item.Content)) == "" {
		return ErrEmpty
	}
	return nil
}

// Normalize lowercases, drops punctuation and symbols and collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// CanonicalText joins the fields that take part in fingerprinting, in order.
func CanonicalText(title, content string) string {
	return title + "\n" + content
}

// Fingerprint is the hex SHA-256 of the normalized canonical text.
func Fingerprint(title, content string) string {
	sum := sha256.Sum256([]byte(Normalize(CanonicalText(title, content))))
	return hex.EncodeToString(sum[:])
}

// SimHash builds a 64-bit locality sensitive signature over normalized tokens.
func SimHash(normalized string) uint64 {
	var v [64]int
	for _, tok := range strings.Fields(normalized) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		x := mix64(h.Sum64())
		for i := 0; i < 64; i++ {
			if x&(1<<uint(i)) != 0 {
				v[i]++
			} else {
				v[i]--
			}
		}
	}
	var sig uint64
	for i := 0; i < 64; i++ {
		if v[i] > 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

// mix64 is the murmur3 finalizer; raw FNV output of similar tokens is
// correlated in the low bits.
func mix64(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

// Hamming returns the number of differing bits.
func Hamming(a, b uint64) int { return bits.OnesCount64(a ^ b) }

// SignatureHex renders a signature as 16 lowercase hex digits.
func SignatureHex(sig uint64) string { return fmt.Sprintf("%016x", sig) }
