// ABOUTME: Canonical serialization and content addressing for snapshots
// ABOUTME: Checksum is sha256 over the canonical bytes

package menu

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MarshalCanonical serializes the snapshot to its canonical byte form.
// Struct field order is fixed, so identical states always produce identical
// bytes regardless of how the snapshot was assembled.
func MarshalCanonical(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Decode parses canonical bytes back into a snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// ChecksumBytes returns the hex sha256 of canonical snapshot bytes.
func ChecksumBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Checksum serializes the snapshot and returns its content checksum.
func Checksum(s *Snapshot) (string, error) {
	data, err := MarshalCanonical(s)
	if err != nil {
		return "", err
	}
	return ChecksumBytes(data), nil
}
