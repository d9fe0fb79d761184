// Package keys deals threshold BLS keys and reads them back.
package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"

	"github.com/zhazhalaila/SubsetBFT/consensus"
	"github.com/zhazhalaila/SubsetBFT/verify"
)

const (
	privateKeyFile = "private_key.conf"
	publicKeyFile  = "public_key.conf"
)

var ErrKeyIndex = errors.New("key index out of range")

type PriShare struct {
	Index int
	Pri   []byte
}

type PubShare struct {
	Index int
	Pub   []byte
}

// KeySet is the output of a trusted dealer for n nodes, any t shares sign.
type KeySet struct {
	N       int
	T       int
	Public  []PubShare
	Private []PriShare
}

// Deal creates keys for n nodes tolerating f faults, threshold f+1.
func Deal(n, f int) (*KeySet, error) {
	if n <= 0 || f < 0 || f >= n {
		return nil, fmt.Errorf("invalid dealing n=%d f=%d", n, f)
	}

	suite := bn256.NewSuite()
	t := f + 1
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream()) // Private key.
	pubPoly := priPoly.Commit(suite.G2().Point().Base())                     // Common public key.

	ks := &KeySet{N: n, T: t, Public: make([]PubShare, n), Private: make([]PriShare, n)}

	// Marshal binary(private key).
	for i, x := range priPoly.Shares(n) {
		privateByte, err := x.V.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal private share %d: %w", i, err)
		}
		ks.Private[i] = PriShare{Index: x.I, Pri: privateByte}
	}

	// Marshal binary(public key).
	for i, x := range pubPoly.Shares(n) {
		pubByte, err := x.V.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal public share %d: %w", i, err)
		}
		ks.Public[i] = PubShare{Index: x.I, Pub: pubByte}
	}

	return ks, nil
}

// Save writes the public and private shares as json arrays into dir.
func (ks *KeySet) Save(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	priBytes, err := json.Marshal(ks.Private)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, privateKeyFile), priBytes, 0600); err != nil {
		return err
	}
	pubBytes, err := json.Marshal(ks.Public)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, publicKeyFile), pubBytes, 0644)
}

// Load reads keys saved by Save. The private file is optional, observers
// only hold the public one.
func Load(dir string, t int) (*KeySet, error) {
	plan, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, err
	}
	ks := &KeySet{T: t}
	if err := json.Unmarshal(plan, &ks.Public); err != nil {
		return nil, fmt.Errorf("decode public shares: %w", err)
	}
	ks.N = len(ks.Public)

	plan, err = os.ReadFile(filepath.Join(dir, privateKeyFile))
	if errors.Is(err, os.ErrNotExist) {
		return ks, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plan, &ks.Private); err != nil {
		return nil, fmt.Errorf("decode private shares: %w", err)
	}
	return ks, nil
}

// PubPoly recovers the public polynomial from the public shares.
func (ks *KeySet) PubPoly(suite *bn256.Suite) (*share.PubPoly, error) {
	dePubShares := make([]*share.PubShare, len(ks.Public))
	for i, d := range ks.Public {
		point := suite.G2().Point()
		if err := point.UnmarshalBinary(d.Pub); err != nil {
			return nil, fmt.Errorf("decode public share %d: %w", i, err)
		}
		dePubShares[i] = &share.PubShare{I: d.Index, V: point}
	}
	// Recover public key.
	return share.RecoverPubPoly(suite.G2(), dePubShares, ks.T, ks.N)
}

// PriShare decodes the private share of the node at index.
func (ks *KeySet) PriShare(suite *bn256.Suite, index int) (*share.PriShare, error) {
	if index < 0 || index >= len(ks.Private) {
		return nil, fmt.Errorf("%w: %d", ErrKeyIndex, index)
	}
	scalar := suite.G2().Scalar()
	if err := scalar.UnmarshalBinary(ks.Private[index].Pri); err != nil {
		return nil, fmt.Errorf("decode private share %d: %w", index, err)
	}
	return &share.PriShare{I: ks.Private[index].Index, V: scalar}, nil
}

// Signer builds the threshold capability of the node at index, a negative
// index builds one that can only verify.
func (ks *KeySet) Signer(index int) (*verify.BLS, error) {
	suite := bn256.NewSuite()
	pubKey, err := ks.PubPoly(suite)
	if err != nil {
		return nil, err
	}
	var priKey *share.PriShare
	if index >= 0 {
		priKey, err = ks.PriShare(suite, index)
		if err != nil {
			return nil, err
		}
	}
	return verify.NewBLS(suite, pubKey, priKey, ks.N, ks.T), nil
}

// NetworkInfo builds the view of ownID. Shares are assigned in sorted id
// order, ownID not in ids gets an observer view.
func (ks *KeySet) NetworkInfo(ownID consensus.NodeID, ids []consensus.NodeID, f int) (*consensus.NetworkInfo, error) {
	if len(ids) != ks.N {
		return nil, fmt.Errorf("%d ids for %d key shares", len(ids), ks.N)
	}
	// Index is only known after sorting, build a verifier first.
	verifier, err := ks.Signer(-1)
	if err != nil {
		return nil, err
	}
	netinfo, err := consensus.NewNetworkInfo(ownID, ids, f, verifier)
	if err != nil {
		return nil, err
	}
	index, ok := netinfo.Index(ownID)
	if !ok {
		return netinfo, nil
	}
	signer, err := ks.Signer(index)
	if err != nil {
		return nil, err
	}
	return consensus.NewNetworkInfo(ownID, ids, f, signer)
}
