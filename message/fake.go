package message

import (
	"bytes"
	"strconv"
)

// FakeTxSize is the size of one transaction in a fake proposal.
const FakeTxSize = 250

// fakeTx is "session-proposer-index" padded with dots.
func fakeTx(session, proposer uint64, index int) []byte {
	tx := make([]byte, 0, FakeTxSize)
	tx = strconv.AppendUint(tx, session, 10)
	tx = append(tx, '-')
	tx = strconv.AppendUint(tx, proposer, 10)
	tx = append(tx, '-')
	tx = strconv.AppendInt(tx, int64(index), 10)
	if len(tx) > FakeTxSize {
		return tx[:FakeTxSize]
	}
	return append(tx, bytes.Repeat([]byte{'.'}, FakeTxSize-len(tx))...)
}

// FakeProposal builds a proposal of batchSize transactions unique to
// (session, proposer).
func FakeProposal(batchSize int, session, proposer uint64) []byte {
	var buffer bytes.Buffer
	buffer.Grow(batchSize * FakeTxSize)
	for i := 0; i < batchSize; i++ {
		buffer.Write(fakeTx(session, proposer, i))
	}
	return buffer.Bytes()
}
