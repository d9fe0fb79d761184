package consensus

import (
	"encoding/binary"
	"errors"

	"github.com/klauspost/reedsolomon"
)

var errShortPayload = errors.New("erasure code payload too short")

// Erasure code with a 4 bytes length prefix so padding is never ambiguous.
// K data shards, N parity shards.
func ECEncode(K, N int, data []byte) ([][]byte, error) {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload, uint32(len(data)))
	copy(payload[4:], data)

	enc, err := reedsolomon.New(K, N)
	if err != nil {
		return nil, err
	}

	// Split pads the last data shard with zeros and allocates parity shards
	shards, err := enc.Split(payload)
	if err != nil {
		return nil, err
	}

	if N == 0 {
		return shards, nil
	}

	err = enc.Encode(shards)
	if err != nil {
		return nil, err
	}
	return shards, nil
}

// Missing shards are nil, shards must be ordered by index.
func ECDecode(K, N int, shards [][]byte) ([]byte, error) {
	if N > 0 {
		dec, err := reedsolomon.New(K, N)
		if err != nil {
			return nil, err
		}

		err = dec.Reconstruct(shards)
		if err != nil {
			return nil, err
		}
	} else {
		for _, shard := range shards {
			if shard == nil {
				return nil, reedsolomon.ErrTooFewShards
			}
		}
	}

	var result []byte
	for _, shard := range shards[:K] {
		result = append(result, shard...)
	}
	if len(result) < 4 {
		return nil, errShortPayload
	}
	size := binary.BigEndian.Uint32(result)
	if uint64(size) > uint64(len(result)-4) {
		return nil, errShortPayload
	}
	return result[4 : 4+size], nil
}
