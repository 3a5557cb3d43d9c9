package hashing

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// AnonymousID is the identity used for bucketing when a user context has
// no user ID.
const AnonymousID = "anonymous"

// BucketCount is the number of rollout buckets. A rollout percentage p
// admits buckets [0, p).
const BucketCount = 100

// Fingerprint maps (id, salt) to a uniform 32-bit value. The digest input
// is "id:salt"; the first four bytes are read big-endian. Changing this
// scheme is a breaking change: persisted rollouts depend on bucket
// stability across processes and releases.
func Fingerprint(id, salt string) uint32 {
	sum := sha256.Sum256([]byte(id + ":" + salt))
	return binary.BigEndian.Uint32(sum[:4])
}

// Bucket returns the deterministic rollout bucket in [0, 100) for the
// given identity and salt. Empty ids bucket as AnonymousID.
func Bucket(id, salt string) int {
	if id == "" {
		id = AnonymousID
	}
	return int(Fingerprint(id, salt) % BucketCount)
}

// Token produces a stable, non-cryptographic token for a value. The SDK
// uses it to redact user attributes before they are retained in the
// analytics buffer.
func Token(v any) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", v)
	return fmt.Sprintf("%016x", h.Sum64())
}
