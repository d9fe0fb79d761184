package simulation

import (
	"math"

	"github.com/zhazhalaila/SubsetBFT/consensus"
	merkletree "github.com/zhazhalaila/SubsetBFT/merkleTree"
	"github.com/zhazhalaila/SubsetBFT/message"
)

// Behaviour drives a faulty validator instead of the protocol.
type Behaviour interface {
	// Start returns what the node sends before receiving anything.
	Start(self consensus.NodeID, validators []consensus.NodeID) []Message
	HandleMessage(self, from consensus.NodeID, msg *message.SubsetMsg) []Message
}

type silent struct{}

// Silent never sends anything.
func Silent() Behaviour {
	return silent{}
}

func (silent) Start(consensus.NodeID, []consensus.NodeID) []Message { return nil }

func (silent) HandleMessage(consensus.NodeID, consensus.NodeID, *message.SubsetMsg) []Message {
	return nil
}

type garbage struct {
	validators []consensus.NodeID
	budget     int
	next       int
}

// Garbage answers up to budget received messages with malformed or
// contradictory ones, cycling through every kind it knows.
func Garbage(budget int) Behaviour {
	return &garbage{budget: budget}
}

func (g *garbage) Start(self consensus.NodeID, validators []consensus.NodeID) []Message {
	g.validators = validators
	var msgs []Message
	for k := 0; k < garbageKinds; k++ {
		msgs = append(msgs, g.generate(self, k)...)
	}
	return msgs
}

func (g *garbage) HandleMessage(self, from consensus.NodeID, msg *message.SubsetMsg) []Message {
	if g.budget <= 0 {
		return nil
	}
	g.budget--
	g.next = (g.next + 1) % garbageKinds
	out := g.generate(self, g.next)
	// Echo the message back under a proposer that does not exist.
	if msg != nil {
		out = append(out, Message{To: from, Msg: &message.SubsetMsg{Proposer: math.MaxUint64, RBCField: msg.RBCField, BBAField: msg.BBAField}})
	}
	return out
}

const garbageKinds = 9

func (g *garbage) generate(self consensus.NodeID, kind int) []Message {
	proposer := uint64(self)
	all := func(msg *message.SubsetMsg) Message { return Message{All: true, Msg: msg} }

	switch kind {
	case 0:
		// Empty union.
		return []Message{all(&message.SubsetMsg{Proposer: proposer})}
	case 1:
		return []Message{all(message.GenBBAMsg(math.MaxUint64, &message.BBAMsg{ESTField: &message.EST{BinValue: true}}))}
	case 2:
		return []Message{all(message.GenBBAMsg(proposer, &message.BBAMsg{Epoch: 1 << 20, ESTField: &message.EST{BinValue: true}}))}
	case 3:
		return []Message{
			all(message.GenBBAMsg(proposer, &message.BBAMsg{AUXField: &message.AUX{Element: true}})),
			all(message.GenBBAMsg(proposer, &message.BBAMsg{AUXField: &message.AUX{Element: false}})),
		}
	case 4:
		return []Message{
			all(message.GenBBAMsg(proposer, &message.BBAMsg{CONFField: &message.CONF{Values: message.BoolSetTrue}})),
			all(message.GenBBAMsg(proposer, &message.BBAMsg{CONFField: &message.CONF{Values: message.BoolSetBoth}})),
		}
	case 5:
		var msgs []Message
		for _, id := range g.validators {
			msgs = append(msgs, all(message.GenBBAMsg(uint64(id), &message.BBAMsg{COINField: &message.COIN{Share: []byte("not a share")}})))
		}
		return msgs
	case 6:
		var msgs []Message
		for _, id := range g.validators {
			msgs = append(msgs, all(message.GenREADYMsg(uint64(id), [32]byte{0xde, 0xad})))
		}
		return msgs
	case 7:
		return []Message{
			all(message.GenBBAMsg(proposer, &message.BBAMsg{TERMField: &message.TERM{Value: true}})),
			all(message.GenBBAMsg(proposer, &message.BBAMsg{TERMField: &message.TERM{Value: false}})),
		}
	default:
		// A value without a valid proof.
		return []Message{all(message.GenVALMsg(proposer, &message.VAL{Shard: []byte("junk")}))}
	}
}

type equivocate struct {
	numFaulty int
	values    [2][]byte
}

// Equivocate proposes a to even indexed validators and b to odd ones, each
// with valid proofs, and ignores everything it receives.
func Equivocate(numFaulty int, a, b []byte) Behaviour {
	return &equivocate{numFaulty: numFaulty, values: [2][]byte{a, b}}
}

func (e *equivocate) Start(self consensus.NodeID, validators []consensus.NodeID) []Message {
	n, f := len(validators), e.numFaulty
	var msgs []Message
	for v, value := range e.values {
		shards, err := consensus.ECEncode(n-2*f, 2*f, value)
		if err != nil {
			return nil
		}
		mt, err := merkletree.MakeMerkleTree(shards)
		if err != nil {
			return nil
		}
		for i, id := range validators {
			if i%2 != v || id == self {
				continue
			}
			val := &message.VAL{
				RootHash: merkletree.RootHash(mt),
				Branch:   merkletree.GetMerkleBranch(i, mt),
				Shard:    shards[i],
			}
			msgs = append(msgs, Message{To: id, Msg: message.GenVALMsg(uint64(self), val)})
		}
	}
	return msgs
}

func (e *equivocate) HandleMessage(consensus.NodeID, consensus.NodeID, *message.SubsetMsg) []Message {
	return nil
}
