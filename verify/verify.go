package verify

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var (
	ErrNoSecretShare = errors.New("no secret key share")
	ErrShareIndex    = errors.New("signature share index mismatch")
	ErrTooFewShares  = errors.New("too few signature shares")
)

// Threshold is the threshold signature capability the protocols consume.
// Indexes are the signer's position in the sorted validator set.
type Threshold interface {
	// Number of shares needed to combine a signature
	Threshold() int
	SignShare(msg []byte) ([]byte, error)
	VerifyShare(index int, msg, sig []byte) error
	CombineShares(msg []byte, shares [][]byte) ([]byte, error)
	VerifyCombined(msg, sig []byte) error
}

// Hash returns sha256(data).
func Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// Generate partial share
func GenShare(data []byte, suite *bn256.Suite, priKey *share.PriShare) ([]byte, error) {
	return tbls.Sign(suite, priKey, data)
}

// Compute siganture
func ComputeSignature(data []byte, suite *bn256.Suite, shares [][]byte, pubKey *share.PubPoly, n, t int) ([]byte, error) {
	return tbls.Recover(suite, pubKey, data, shares, t, n)
}

// Verify signature
func SignatureVerify(data []byte, sig []byte, suite *bn256.Suite, pubKey *share.PubPoly) error {
	return bls.Verify(suite, pubKey.Commit(), data, sig)
}

// Verify share
func ShareVerify(data []byte, sig []byte, suite *bn256.Suite, pubKey *share.PubPoly) error {
	return tbls.Verify(suite, pubKey, data, sig)
}

// BLS implements Threshold with kyber threshold BLS over bn256.
type BLS struct {
	suite  *bn256.Suite
	pubKey *share.PubPoly
	priKey *share.PriShare
	n      int
	t      int
}

// NewBLS creates the capability of one node. priKey is nil for observers.
func NewBLS(suite *bn256.Suite, pubKey *share.PubPoly, priKey *share.PriShare, n, t int) *BLS {
	return &BLS{suite: suite, pubKey: pubKey, priKey: priKey, n: n, t: t}
}

func (b *BLS) Threshold() int {
	return b.t
}

func (b *BLS) SignShare(msg []byte) ([]byte, error) {
	if b.priKey == nil {
		return nil, ErrNoSecretShare
	}
	return GenShare(msg, b.suite, b.priKey)
}

func (b *BLS) VerifyShare(index int, msg, sig []byte) error {
	i, err := tbls.SigShare(sig).Index()
	if err != nil {
		return err
	}
	if i != index {
		return fmt.Errorf("%w: got %d, want %d", ErrShareIndex, i, index)
	}
	return ShareVerify(msg, sig, b.suite, b.pubKey)
}

func (b *BLS) CombineShares(msg []byte, shares [][]byte) ([]byte, error) {
	if len(shares) < b.t {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrTooFewShares, len(shares), b.t)
	}
	return ComputeSignature(msg, b.suite, shares, b.pubKey, b.n, b.t)
}

func (b *BLS) VerifyCombined(msg, sig []byte) error {
	return SignatureVerify(msg, sig, b.suite, b.pubKey)
}
