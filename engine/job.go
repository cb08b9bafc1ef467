// Package engine implements a CPU compute core: bounded per-device work
// queues, lock-free statistics, multi-window hashrate estimation, CPU
// affinity scheduling and a core-level aggregator that fans work out across
// devices and merges their results and counters.
package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

const (
	// HeaderLen is the size of a job header in bytes.
	HeaderLen = 80

	// TargetLen is the size of a comparison target in bytes.
	TargetLen = 32

	// NonceLen is the size of the nonce field at the tail of the header.
	NonceLen = 4
)

// Job is a unit of work distributed to devices. Jobs are shared read-only
// between the core and its devices; a device copies the header before
// writing nonces into it.
type Job struct {
	ID         string
	Header     [HeaderLen]byte
	Target     [TargetLen]byte
	Difficulty float64

	// Version is the generation stamped by the core at submit time.
	// Queues purge jobs whose version falls behind the current generation.
	Version uint64
}

// NewJob builds a job with a fresh unique identifier.
func NewJob(header [HeaderLen]byte, target [TargetLen]byte, difficulty float64) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Header:     header,
		Target:     target,
		Difficulty: difficulty,
	}
}

// Result is a solution found by a device for a job.
type Result struct {
	JobID    string
	DeviceID uint32
	Nonce    uint32
	Digest   [TargetLen]byte
	Accepted bool
	FoundAt  time.Time
}

// HashFunc computes the digest of a candidate header. Devices default to
// SHA256d but accept any function with this shape.
type HashFunc func(header []byte) [TargetLen]byte

// SHA256d is double SHA-256, the digest used by Bitcoin-style headers.
func SHA256d(b []byte) [TargetLen]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// PutNonce writes the nonce into the last four bytes of the header in
// little-endian order.
func PutNonce(header *[HeaderLen]byte, nonce uint32) {
	binary.LittleEndian.PutUint32(header[HeaderLen-NonceLen:], nonce)
}

// HashMeetsTarget reports whether the digest is numerically below the
// target when both are interpreted as big-endian 256-bit integers. A digest
// exactly equal to the target does not meet it.
func HashMeetsTarget(digest, target *[TargetLen]byte) bool {
	for i := 0; i < TargetLen; i += 8 {
		h := binary.BigEndian.Uint64(digest[i : i+8])
		t := binary.BigEndian.Uint64(target[i : i+8])
		if h < t {
			return true
		}
		if h > t {
			return false
		}
	}
	return false
}
