// Package verifytest provides a fast, insecure verify.Threshold for tests
// that exercise many message schedules.
package verifytest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zhazhalaila/SubsetBFT/verify"
)

var errInvalidShare = errors.New("invalid share")

// Scheme derives shares from sha256(index || msg). Anyone can forge them.
type Scheme struct {
	index int
	t     int
}

var _ verify.Threshold = (*Scheme)(nil)

// NewSchemes returns one scheme per validator index.
func NewSchemes(n, t int) []*Scheme {
	schemes := make([]*Scheme, n)
	for i := range schemes {
		schemes[i] = &Scheme{index: i, t: t}
	}
	return schemes
}

// NewObserver returns a scheme that can verify but not sign.
func NewObserver(t int) *Scheme {
	return &Scheme{index: -1, t: t}
}

func shareFor(index int, msg []byte) []byte {
	buf := make([]byte, 2, 2+sha256.Size)
	binary.BigEndian.PutUint16(buf, uint16(index))
	h := sha256.New()
	h.Write(buf)
	h.Write(msg)
	return h.Sum(buf)
}

func (s *Scheme) Threshold() int {
	return s.t
}

func (s *Scheme) SignShare(msg []byte) ([]byte, error) {
	if s.index < 0 {
		return nil, verify.ErrNoSecretShare
	}
	return shareFor(s.index, msg), nil
}

func (s *Scheme) VerifyShare(index int, msg, sig []byte) error {
	if !bytes.Equal(sig, shareFor(index, msg)) {
		return errInvalidShare
	}
	return nil
}

func (s *Scheme) CombineShares(msg []byte, shares [][]byte) ([]byte, error) {
	seen := make(map[int]bool)
	for _, sig := range shares {
		if len(sig) < 2 {
			return nil, errInvalidShare
		}
		index := int(binary.BigEndian.Uint16(sig))
		if err := s.VerifyShare(index, msg, sig); err != nil {
			return nil, err
		}
		seen[index] = true
	}
	if len(seen) < s.t {
		return nil, fmt.Errorf("%w: got %d, want %d", verify.ErrTooFewShares, len(seen), s.t)
	}
	sig := sha256.Sum256(append([]byte("combined"), msg...))
	return sig[:], nil
}

func (s *Scheme) VerifyCombined(msg, sig []byte) error {
	want := sha256.Sum256(append([]byte("combined"), msg...))
	if !bytes.Equal(sig, want[:]) {
		return errInvalidShare
	}
	return nil
}
