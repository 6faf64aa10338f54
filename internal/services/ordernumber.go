package services

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

const orderNumberSuffixLen = 6

// Crockford base32 alphabet; avoids ambiguous characters in human-readable numbers.
const orderNumberAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// newOrderNumber builds a date-stamped, human-readable order number with a
// cryptographically random suffix, e.g. PO-20260828-4F7K2Q. Uniqueness is the
// caller's responsibility (checked against the store with a bounded retry).
func newOrderNumber(now time.Time, entropy io.Reader) (string, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	buf := make([]byte, orderNumberSuffixLen)
	if _, err := io.ReadFull(entropy, buf); err != nil {
		return "", fmt.Errorf("order number entropy: %w", err)
	}
	suffix := make([]byte, orderNumberSuffixLen)
	for i, b := range buf {
		suffix[i] = orderNumberAlphabet[int(b)%len(orderNumberAlphabet)]
	}
	return fmt.Sprintf("PO-%s-%s", now.UTC().Format("20060102"), suffix), nil
}
