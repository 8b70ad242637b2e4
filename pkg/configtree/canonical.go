package configtree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 (JCS) canonical JSON encoding of v.
func Canonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(Normalize(v))
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize value: %w", err)
	}
	return canonical, nil
}

// Equal reports whether two tree values serialize to the same canonical JSON.
// Object key order and integer/float representation do not matter; array order does.
func Equal(a, b interface{}) bool {
	ca, errA := Canonical(a)
	cb, errB := Canonical(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(Normalize(a), Normalize(b))
	}
	return string(ca) == string(cb)
}

// Digest returns the sha256 hex digest of the canonical encoding of v.
func Digest(v interface{}) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
