package services

import (
	"bytes"
	"regexp"
	"strings"
	"testing"
	"time"
)

var orderNumberPattern = regexp.MustCompile(`^PO-\d{8}-[0-9A-HJKMNP-TV-Z]{6}$`)

func TestNewOrderNumberFormat(t *testing.T) {
	now := time.Date(2026, 8, 28, 17, 45, 0, 0, time.UTC)

	number, err := newOrderNumber(now, nil)
	if err != nil {
		t.Fatalf("new order number: %v", err)
	}

	if !orderNumberPattern.MatchString(number) {
		t.Fatalf("order number %q does not match expected shape", number)
	}
	if !strings.HasPrefix(number, "PO-20260828-") {
		t.Fatalf("expected date stamp 20260828 in %q", number)
	}
}

func TestNewOrderNumberDeterministicEntropy(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	entropy := bytes.NewReader([]byte{0, 1, 2, 3, 4, 5})

	number, err := newOrderNumber(now, entropy)
	if err != nil {
		t.Fatalf("new order number: %v", err)
	}
	if number != "PO-20260102-012345" {
		t.Fatalf("unexpected number %q", number)
	}
}

func TestNewOrderNumberEntropyExhausted(t *testing.T) {
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	entropy := bytes.NewReader([]byte{0xFF})

	if _, err := newOrderNumber(now, entropy); err == nil {
		t.Fatal("expected short entropy read to fail")
	}
}
