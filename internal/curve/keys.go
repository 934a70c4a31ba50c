package curve

import (
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

// SignatureSize is the size of a compressed G2 signature in bytes.
const SignatureSize = 96

// dst is the domain separation tag for signatures over G2.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// KeyPair holds a BLS private key and its G1 public point.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key point
}

// GenerateKey creates a new key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed creates a key pair from a deterministic seed.
// The seed must be at least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate key")
	}

	public := new(blst.P1Affine).From(secret)

	return &KeyPair{
		secret: secret,
		public: public,
	}, nil
}

// Sign creates a signature over the message.
func (k *KeyPair) Sign(message []byte) []byte {
	sig := new(blst.P2Affine).Sign(k.secret, message, dst)
	return sig.Compress()
}

// PublicPoint returns the public key as a group element.
func (k *KeyPair) PublicPoint() *Point {
	return &Point{p: k.public}
}

// Verify checks a signature against a message and a public key point.
func Verify(signature, message []byte, public *Point) bool {
	if len(signature) != SignatureSize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(signature)
	if sig == nil {
		return false
	}

	return sig.Verify(true, public.p, true, message, dst)
}

// VerifyAggregate checks an aggregated signature against a message and an
// aggregate public key point, as reconstructed from the registry.
// The aggregate point must not be the group identity.
func VerifyAggregate(signature, message []byte, aggregate *Point) bool {
	if aggregate.IsZero() {
		return false
	}

	return Verify(signature, message, aggregate)
}

// AggregateSignatures combines multiple signatures into one.
// All signatures must be over the same message.
func AggregateSignatures(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, fmt.Errorf("no signatures to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, sigBytes := range signatures {
		if len(sigBytes) != SignatureSize {
			return nil, fmt.Errorf("invalid signature size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(sigBytes)
		if sig == nil {
			return nil, fmt.Errorf("invalid signature at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}
