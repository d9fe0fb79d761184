package consensus

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	merkletree "github.com/zhazhalaila/SubsetBFT/merkleTree"
	"github.com/zhazhalaila/SubsetBFT/message"
)

func makeRBCs(t *testing.T, n, f int, proposer NodeID) ([]*NetworkInfo, map[NodeID]*RBC) {
	infos := testNetworkInfos(t, n, f)
	rbcs := make(map[NodeID]*RBC, n)
	for _, netinfo := range infos {
		rbcs[netinfo.OwnID()] = MakeRBC(zerolog.Nop(), netinfo, proposer)
	}
	return infos, rbcs
}

// runRBC broadcasts value from proposer, messages to silent nodes are dropped.
func runRBC(t *testing.T, n, f int, value []byte, silent ...NodeID) (map[NodeID]*RBC, map[NodeID][][]byte) {
	proposer := NodeID(0)
	_, rbcs := makeRBCs(t, n, f, proposer)
	dropped := make(map[NodeID]bool)
	for _, id := range silent {
		dropped[id] = true
	}

	outputs := make(map[NodeID][][]byte)
	step, err := rbcs[proposer].Input(value)
	require.NoError(t, err)
	require.Empty(t, step.Faults)
	outputs[proposer] = append(outputs[proposer], step.Output...)

	ids := testIDs(n)
	deliver(fanout(proposer, ids, step.Messages), ids, nil, func(q queued) []TargetedMessage[*message.SubsetMsg] {
		if dropped[q.to] {
			return nil
		}
		require.Equal(t, uint64(proposer), q.msg.Proposer)
		step := rbcs[q.to].HandleMessage(q.from, q.msg.RBCField)
		require.Empty(t, step.Faults)
		outputs[q.to] = append(outputs[q.to], step.Output...)
		return step.Messages
	})
	return rbcs, outputs
}

func TestRBCDeliver(t *testing.T) {
	cases := []struct {
		n, f int
	}{{1, 0}, {2, 0}, {4, 1}, {5, 1}, {7, 2}, {10, 3}}
	value := []byte("Hello World")

	for _, c := range cases {
		rbcs, outputs := runRBC(t, c.n, c.f, value)
		for id, rbc := range rbcs {
			require.Equal(t, [][]byte{value}, outputs[id], "n=%d node %d", c.n, id)
			require.Equal(t, RBCDecided, rbc.State())
			require.True(t, rbc.Terminated())
			out, ok := rbc.Output()
			require.True(t, ok)
			require.Equal(t, value, out)
		}
	}
}

func TestRBCEmptyValue(t *testing.T) {
	_, outputs := runRBC(t, 4, 1, nil)
	for id := NodeID(0); id < 4; id++ {
		require.Len(t, outputs[id], 1)
		require.Empty(t, outputs[id][0])
	}
}

func TestRBCToleratesSilentNodes(t *testing.T) {
	value := []byte("Node 0 is the greatest!")
	rbcs, outputs := runRBC(t, 7, 2, value, 5, 6)
	for id := NodeID(0); id < 5; id++ {
		require.Equal(t, [][]byte{value}, outputs[id])
	}
	require.Equal(t, RBCInit, rbcs[5].State())
}

func TestRBCInputErrors(t *testing.T) {
	_, rbcs := makeRBCs(t, 4, 1, 0)

	_, err := rbcs[1].Input([]byte("x"))
	require.ErrorIs(t, err, ErrNotProposer)

	_, err = rbcs[0].Input([]byte("x"))
	require.NoError(t, err)
	_, err = rbcs[0].Input([]byte("x"))
	require.ErrorIs(t, err, ErrAlreadyInput)

	observer := MakeRBC(zerolog.Nop(), testObserverInfo(t, 99, 4, 1), 0)
	_, err = observer.Input([]byte("x"))
	require.ErrorIs(t, err, ErrNotValidator)
}

// valsFor returns the VAL the proposer sends to each validator.
func valsFor(t *testing.T, rbc *RBC, value []byte) map[NodeID]*message.VAL {
	step, err := rbc.Input(value)
	require.NoError(t, err)
	vals := make(map[NodeID]*message.VAL)
	for _, tm := range step.Messages {
		if to, ok := tm.Target.Node(); ok {
			vals[to] = tm.Message.RBCField.VALField
		}
	}
	return vals
}

func asEcho(val *message.VAL) *message.ECHO {
	return &message.ECHO{RootHash: val.RootHash, Branch: val.Branch, Shard: val.Shard}
}

func TestRBCFaults(t *testing.T) {
	_, rbcs := makeRBCs(t, 4, 1, 0)
	vals := valsFor(t, rbcs[0], []byte("proposal"))
	other := valsFor(t, MakeRBC(zerolog.Nop(), rbcs[0].netinfo, 0), []byte("other proposal"))
	rbc := rbcs[1]

	// Only the proposer sends VAL.
	step := rbc.HandleMessage(2, &message.RBCMsg{VALField: vals[1]})
	require.Equal(t, []Fault{{Sender: 2, Kind: FaultValueFromNonProposer}}, step.Faults)

	// A VAL for someone else's index does not verify.
	step = rbc.HandleMessage(0, &message.RBCMsg{VALField: vals[2]})
	require.Equal(t, []FaultKind{FaultInvalidProof}, faultKinds(step.Faults))

	step = rbc.HandleMessage(0, &message.RBCMsg{VALField: vals[1]})
	require.Empty(t, step.Faults)
	require.Len(t, step.Messages, 1)
	require.True(t, step.Messages[0].Target.IsAll())
	require.NotNil(t, step.Messages[0].Message.RBCField.ECHOField)

	// Same VAL again is fine, a different one is not.
	step = rbc.HandleMessage(0, &message.RBCMsg{VALField: vals[1]})
	require.True(t, step.Empty())
	step = rbc.HandleMessage(0, &message.RBCMsg{VALField: other[1]})
	require.Equal(t, []FaultKind{FaultMultipleValues}, faultKinds(step.Faults))

	step = rbc.HandleMessage(2, &message.RBCMsg{ECHOField: asEcho(vals[2])})
	require.Empty(t, step.Faults)
	step = rbc.HandleMessage(2, &message.RBCMsg{ECHOField: asEcho(vals[2])})
	require.True(t, step.Empty())
	step = rbc.HandleMessage(2, &message.RBCMsg{ECHOField: asEcho(other[2])})
	require.Equal(t, []FaultKind{FaultMultipleEchos}, faultKinds(step.Faults))

	// Node 3 echoing node 2's shard.
	step = rbc.HandleMessage(3, &message.RBCMsg{ECHOField: asEcho(vals[2])})
	require.Equal(t, []FaultKind{FaultInvalidProof}, faultKinds(step.Faults))

	step = rbc.HandleMessage(9, &message.RBCMsg{ECHOField: asEcho(vals[2])})
	require.Equal(t, []FaultKind{FaultUnknownSender}, faultKinds(step.Faults))

	root := vals[1].RootHash
	step = rbc.HandleMessage(2, &message.RBCMsg{READYField: &message.READY{RootHash: root}})
	require.Empty(t, step.Faults)
	step = rbc.HandleMessage(2, &message.RBCMsg{READYField: &message.READY{RootHash: other[1].RootHash}})
	require.Equal(t, []FaultKind{FaultMultipleReadys}, faultKinds(step.Faults))
	step = rbc.HandleMessage(9, &message.RBCMsg{READYField: &message.READY{RootHash: root}})
	require.Equal(t, []FaultKind{FaultUnknownSender}, faultKinds(step.Faults))

	step = rbc.HandleMessage(2, &message.RBCMsg{})
	require.Equal(t, []FaultKind{FaultMalformedMessage}, faultKinds(step.Faults))
}

func TestRBCReadyAmplification(t *testing.T) {
	_, rbcs := makeRBCs(t, 4, 1, 0)
	rbc := rbcs[1]
	root := [32]byte{1, 2, 3}

	step := rbc.HandleMessage(2, &message.RBCMsg{READYField: &message.READY{RootHash: root}})
	require.True(t, step.Empty())
	require.Equal(t, RBCInit, rbc.State())

	// f+1 readies are enough to join.
	step = rbc.HandleMessage(3, &message.RBCMsg{READYField: &message.READY{RootHash: root}})
	require.Len(t, step.Messages, 1)
	ready := step.Messages[0].Message.RBCField.READYField
	require.NotNil(t, ready)
	require.Equal(t, root, ready.RootHash)
	require.Equal(t, RBCAwaitingReadies, rbc.State())
	// Without echoes there is nothing to decode.
	require.Empty(t, step.Output)
}

func TestRBCRejectsInvalidEncoding(t *testing.T) {
	n, f := 4, 1
	_, rbcs := makeRBCs(t, n, f, 0)

	// Shards that are not a codeword but carry valid proofs.
	shards := make([][]byte, n)
	for i := range shards {
		shards[i] = []byte{0, 0, 0, 2, byte(i), byte(i * 7), 0xff, byte(i + 1)}
	}
	mt, err := merkletree.MakeMerkleTree(shards)
	require.NoError(t, err)

	var queue []queued
	for i, id := range testIDs(n) {
		val := &message.VAL{RootHash: merkletree.RootHash(mt), Branch: merkletree.GetMerkleBranch(i, mt), Shard: shards[i]}
		queue = append(queue, queued{from: 0, to: id, msg: message.GenVALMsg(0, val)})
	}

	var faults []Fault
	ids := testIDs(n)
	deliver(queue, ids, nil, func(q queued) []TargetedMessage[*message.SubsetMsg] {
		step := rbcs[q.to].HandleMessage(q.from, q.msg.RBCField)
		require.Empty(t, step.Output)
		faults = append(faults, step.Faults...)
		return step.Messages
	})

	require.NotEmpty(t, faults)
	for _, fault := range faults {
		require.Equal(t, Fault{Sender: 0, Kind: FaultInvalidRootHash}, fault)
	}
	for _, rbc := range rbcs {
		require.False(t, rbc.Terminated())
	}
}
