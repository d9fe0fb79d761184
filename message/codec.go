package message

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxBranchLen bounds merkle branches, 2^32 leaves is far more than any validator set.
const MaxBranchLen = 32

var ErrMalformedEnvelope = errors.New("malformed envelope")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v with the deterministic encoding used on the wire.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// Encode serializes an envelope.
func Encode(env *Envelope) ([]byte, error) {
	return encMode.Marshal(env)
}

// Decode parses an envelope and rejects shapes no honest node produces.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := checkEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

func checkEnvelope(env *Envelope) error {
	if env == nil || !env.Msg.Wellformed() {
		return ErrMalformedEnvelope
	}
	if rbc := env.Msg.RBCField; rbc != nil {
		if rbc.VALField != nil && len(rbc.VALField.Branch) > MaxBranchLen {
			return ErrMalformedEnvelope
		}
		if rbc.ECHOField != nil && len(rbc.ECHOField.Branch) > MaxBranchLen {
			return ErrMalformedEnvelope
		}
	}
	return nil
}

// Check validates an envelope read from a stream decoder.
func Check(env *Envelope) error {
	return checkEnvelope(env)
}
