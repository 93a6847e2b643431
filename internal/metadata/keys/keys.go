// Package keys builds and parses heapd metadata keys. Numeric components
// are zero padded to width 20 so lexicographic order matches numeric order.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// NumberWidth is the zero-padded width of numeric key components. It
// covers the full uint64 range.
const NumberWidth = 20

// Key prefixes.
const (
	// Prefix is the root prefix for all heapd keys.
	Prefix = "/heapd/v1"

	// RootsPrefix holds one key per named root; the value is the root's
	// object ID.
	RootsPrefix = Prefix + "/roots/"

	// ObjectIDSequenceKey holds the next unassigned object ID.
	ObjectIDSequenceKey = Prefix + "/sequence/object-id"

	// PendingDeletesPrefix holds one marker per collection cycle whose
	// deletions have not yet all reached the object store.
	// Format: /heapd/v1/gc/pending-deletes/<iterationZ>
	PendingDeletesPrefix = Prefix + "/gc/pending-deletes/"

	// HealthCheckKey is never written. Readiness probes read it.
	HealthCheckKey = Prefix + "/health-check"
)

// ErrInvalidKey is returned when a key does not have the expected layout.
var ErrInvalidKey = errors.New("keys: invalid key")

// EncodeNumber zero pads n to NumberWidth digits.
func EncodeNumber(n uint64) string {
	return fmt.Sprintf("%0*d", NumberWidth, n)
}

// DecodeNumber parses a zero-padded component.
func DecodeNumber(s string) (uint64, error) {
	if len(s) != NumberWidth {
		return 0, fmt.Errorf("%w: %q is not %d digits", ErrInvalidKey, s, NumberWidth)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return n, nil
}

// RootKey returns the key of the named root. Names may not contain "/".
func RootKey(name string) (string, error) {
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: root name %q", ErrInvalidKey, name)
	}
	return RootsPrefix + name, nil
}

// ParseRootKey returns the root name encoded in key.
func ParseRootKey(key string) (string, error) {
	name, ok := strings.CutPrefix(key, RootsPrefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return name, nil
}

// PendingDeleteKey returns the marker key of a cycle.
func PendingDeleteKey(iteration uint64) string {
	return PendingDeletesPrefix + EncodeNumber(iteration)
}

// ParsePendingDeleteKey returns the cycle iteration encoded in key.
func ParsePendingDeleteKey(key string) (uint64, error) {
	rest, ok := strings.CutPrefix(key, PendingDeletesPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return DecodeNumber(rest)
}
