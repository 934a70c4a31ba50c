package curve

import (
	"bytes"
	"testing"
)

// testPoint returns the public point of a deterministic key pair.
func testPoint(t *testing.T, seedByte byte) *Point {
	t.Helper()

	seed := make([]byte, 32)
	seed[0] = seedByte

	kp, err := KeyFromSeed(seed)
	if err != nil {
		t.Fatalf("key from seed: %v", err)
	}

	return kp.PublicPoint()
}

// TestAddCommutative tests that point addition is order-independent.
func TestAddCommutative(t *testing.T) {
	a := testPoint(t, 1)
	b := testPoint(t, 2)

	if !Add(a, b).Equal(Add(b, a)) {
		t.Fatal("a+b != b+a")
	}
}

// TestAddNegCancels tests that adding a point's inverse yields the identity.
func TestAddNegCancels(t *testing.T) {
	a := testPoint(t, 1)

	sum := Add(a, Neg(a))
	if !sum.IsZero() {
		t.Fatal("a + (-a) is not the identity")
	}

	if sum.Digest() != ZeroDigest() {
		t.Fatal("identity digest mismatch")
	}
}

// TestAddZeroIsIdentity tests that the identity element is neutral.
func TestAddZeroIsIdentity(t *testing.T) {
	a := testPoint(t, 3)

	if !Add(a, Zero()).Equal(a) {
		t.Fatal("a + 0 != a")
	}
}

// TestParsePointRoundTrip tests compress/parse round trip.
func TestParsePointRoundTrip(t *testing.T) {
	a := testPoint(t, 4)

	parsed, err := ParsePoint(a.Compress())
	if err != nil {
		t.Fatalf("parse point: %v", err)
	}

	if !parsed.Equal(a) {
		t.Fatal("round trip changed the point")
	}
}

// TestParsePointRejectsGarbage tests that malformed encodings fail.
func TestParsePointRejectsGarbage(t *testing.T) {
	if _, err := ParsePoint(make([]byte, PointSize)); err == nil {
		t.Fatal("expected error for all-zero encoding")
	}

	if _, err := ParsePoint([]byte{0x01}); err == nil {
		t.Fatal("expected error for short encoding")
	}
}

// TestDigestDeterministic tests that equal points produce equal digests
// and distinct points do not.
func TestDigestDeterministic(t *testing.T) {
	a := testPoint(t, 1)
	b := testPoint(t, 2)

	if a.Digest() != a.Digest() {
		t.Fatal("digest not deterministic")
	}

	if a.Digest() == b.Digest() {
		t.Fatal("distinct points share a digest")
	}
}

// TestSignVerify tests single-key signing and verification.
func TestSignVerify(t *testing.T) {
	kp, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := []byte("quorum checkpoint")
	sig := kp.Sign(msg)

	if !Verify(sig, msg, kp.PublicPoint()) {
		t.Fatal("valid signature rejected")
	}

	if Verify(sig, []byte("other message"), kp.PublicPoint()) {
		t.Fatal("wrong-message signature accepted")
	}
}

// TestVerifyAggregate tests that an aggregated signature validates against
// the sum of the signers' public points. This is the downstream use of the
// registry's aggregate digests.
func TestVerifyAggregate(t *testing.T) {
	msg := []byte("header at height 42")

	var aggregate = Zero()
	var sigs [][]byte

	for i := byte(1); i <= 3; i++ {
		seed := make([]byte, 32)
		seed[0] = i

		kp, err := KeyFromSeed(seed)
		if err != nil {
			t.Fatalf("key from seed: %v", err)
		}

		aggregate = Add(aggregate, kp.PublicPoint())
		sigs = append(sigs, kp.Sign(msg))
	}

	aggSig, err := AggregateSignatures(sigs)
	if err != nil {
		t.Fatalf("aggregate signatures: %v", err)
	}

	if !VerifyAggregate(aggSig, msg, aggregate) {
		t.Fatal("aggregate signature rejected")
	}

	if VerifyAggregate(aggSig, msg, Zero()) {
		t.Fatal("identity aggregate accepted")
	}
}

// TestNegCompressRoundTrip tests that a negated point stays on the curve.
func TestNegCompressRoundTrip(t *testing.T) {
	a := testPoint(t, 7)
	n := Neg(a)

	parsed, err := ParsePoint(n.Compress())
	if err != nil {
		t.Fatalf("parse negated point: %v", err)
	}

	if !bytes.Equal(parsed.Compress(), n.Compress()) {
		t.Fatal("negated point round trip mismatch")
	}
}
