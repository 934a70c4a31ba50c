package curve

import (
	"bytes"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PointSize is the size of a compressed G1 point in bytes.
	PointSize = 48

	// DigestSize is the size of a point digest in bytes.
	DigestSize = 32
)

// Digest is the canonical BLAKE3 identifier of a compressed G1 point.
type Digest [DigestSize]byte

// Point is an element of the BLS12-381 G1 group.
// The zero value of *Point is not usable; use Zero() for the identity element.
type Point struct {
	p *blst.P1Affine // p is the underlying affine point
}

// Zero returns the group identity (the point at infinity).
func Zero() *Point {
	return &Point{p: new(blst.P1).ToAffine()}
}

// ParsePoint decodes a compressed G1 point.
// The point is checked for subgroup membership.
func ParsePoint(data []byte) (*Point, error) {
	if len(data) != PointSize {
		return nil, fmt.Errorf("invalid point size: got %d, want %d", len(data), PointSize)
	}

	p := new(blst.P1Affine).Uncompress(data)
	if p == nil {
		return nil, fmt.Errorf("invalid point encoding")
	}

	if !p.InG1() {
		return nil, fmt.Errorf("point not in G1 subgroup")
	}

	return &Point{p: p}, nil
}

// Compress returns the 48-byte compressed encoding of the point.
func (pt *Point) Compress() []byte {
	return pt.p.Compress()
}

// Digest returns the BLAKE3 digest of the compressed point.
// Deterministic: equal points always produce equal digests.
func (pt *Point) Digest() Digest {
	return blake3.Sum256(pt.Compress())
}

// IsZero reports whether the point is the group identity.
func (pt *Point) IsZero() bool {
	return bytes.Equal(pt.Compress(), Zero().Compress())
}

// Equal reports whether two points are the same group element.
func (pt *Point) Equal(other *Point) bool {
	return bytes.Equal(pt.Compress(), other.Compress())
}

// Add returns a + b. The inputs are not modified.
func Add(a, b *Point) *Point {
	sum := new(blst.P1Aggregate)
	sum.Aggregate([]*blst.P1Affine{a.p, b.p}, false)

	return &Point{p: sum.ToAffine()}
}

// Neg returns the additive inverse of p, so Add(p, Neg(p)) is the identity.
// Computed by subtracting p from the identity point.
func Neg(pt *Point) *Point {
	return &Point{p: new(blst.P1).Sub(pt.p).ToAffine()}
}

// ZeroDigest returns the digest of the group identity.
func ZeroDigest() Digest {
	return Zero().Digest()
}
