package consensus

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog"

	merkletree "github.com/zhazhalaila/SubsetBFT/merkleTree"
	"github.com/zhazhalaila/SubsetBFT/message"
)

// RBCState is the progress of one broadcast instance.
type RBCState int

const (
	RBCInit RBCState = iota
	RBCAwaitingEchoes
	RBCAwaitingReadies
	RBCDecided
)

func (s RBCState) String() string {
	switch s {
	case RBCInit:
		return "init"
	case RBCAwaitingEchoes:
		return "awaiting_echoes"
	case RBCAwaitingReadies:
		return "awaiting_readies"
	case RBCDecided:
		return "decided"
	default:
		return fmt.Sprintf("RBCState(%d)", int(s))
	}
}

// RBCStep carries subset messages already tagged with the proposer.
type RBCStep = Step[*message.SubsetMsg, []byte]

type RBC struct {
	// Global log
	logger  zerolog.Logger
	netinfo *NetworkInfo
	// N(total peers number) F(byzantine peers number)
	// From proposer (who propose value)
	// Echo threshold = Output threshold = n-f, Ready threshold = f+1
	// Decode threshold = data shards = n-2f
	n               int
	f               int
	fromProposer    NodeID
	echoThreshold   int
	readyThreshold  int
	outputThreshold int
	dataShards      int
	parityShards    int
	inputted        bool
	valReceived     *message.VAL
	echoSent        bool
	readySent       bool
	rbcOutputted    bool
	// Echo and ready per sender, a sender gets one of each
	echos  map[NodeID]*message.ECHO
	readys map[NodeID][32]byte
	// Roots whose reconstruction failed
	badRoots map[[32]byte]bool
	output   []byte
}

func MakeRBC(logger zerolog.Logger, netinfo *NetworkInfo, fromProposer NodeID) *RBC {
	rbc := &RBC{}
	rbc.logger = logger.With().Str("component", "rbc").Uint64("proposer", uint64(fromProposer)).Logger()
	rbc.netinfo = netinfo
	rbc.n = netinfo.NumNodes()
	rbc.f = netinfo.NumFaulty()
	rbc.fromProposer = fromProposer
	rbc.echoThreshold = rbc.n - rbc.f
	rbc.readyThreshold = rbc.f + 1
	rbc.outputThreshold = rbc.n - rbc.f
	rbc.dataShards = rbc.n - 2*rbc.f
	rbc.parityShards = 2 * rbc.f
	rbc.echos = make(map[NodeID]*message.ECHO, rbc.n)
	rbc.readys = make(map[NodeID][32]byte, rbc.n)
	rbc.badRoots = make(map[[32]byte]bool)
	return rbc
}

// Input broadcasts value, only the proposer may call it and only once.
// Erasure code the value, build a merkle tree over the shards and send
// shard i with its branch to the i-th validator.
func (rbc *RBC) Input(value []byte) (RBCStep, error) {
	var step RBCStep
	if !rbc.netinfo.IsValidator() {
		return step, ErrNotValidator
	}
	if rbc.netinfo.OwnID() != rbc.fromProposer {
		return step, ErrNotProposer
	}
	if rbc.inputted {
		return step, ErrAlreadyInput
	}
	rbc.inputted = true

	shards, err := ECEncode(rbc.dataShards, rbc.parityShards, value)
	if err != nil {
		return step, fmt.Errorf("erasure code value: %w", err)
	}
	mt, err := merkletree.MakeMerkleTree(shards)
	if err != nil {
		return step, fmt.Errorf("merkle tree: %w", err)
	}
	rootHash := merkletree.RootHash(mt)

	var own *message.VAL
	for i, id := range rbc.netinfo.allIDs {
		val := &message.VAL{
			RootHash: rootHash,
			Branch:   merkletree.GetMerkleBranch(i, mt),
			Shard:    shards[i],
		}
		if id == rbc.netinfo.OwnID() {
			own = val
			continue
		}
		step.sendTo(id, message.GenVALMsg(uint64(rbc.fromProposer), val))
	}

	rbc.logger.Debug().Int("size", len(value)).Hex("root", rootHash[:]).Msg("rbc input")
	rbc.handleVAL(&step, rbc.netinfo.OwnID(), own)
	return step, nil
}

func (rbc *RBC) HandleMessage(sender NodeID, msg *message.RBCMsg) RBCStep {
	var step RBCStep
	switch {
	case !msg.Wellformed():
		step.fault(sender, FaultMalformedMessage)
	case msg.VALField != nil:
		rbc.handleVAL(&step, sender, msg.VALField)
	case msg.ECHOField != nil:
		rbc.handleECHO(&step, sender, msg.ECHOField)
	case msg.READYField != nil:
		rbc.handleREADY(&step, sender, msg.READYField)
	}
	return step
}

// Check VAL send from proposer not byzantine sender
// If valid broadcast echo
func (rbc *RBC) handleVAL(step *RBCStep, sender NodeID, val *message.VAL) {
	if sender != rbc.fromProposer {
		rbc.logger.Debug().Uint64("sender", uint64(sender)).Msg("VAL from non proposer")
		step.fault(sender, FaultValueFromNonProposer)
		return
	}

	if rbc.valReceived != nil {
		if !sameVAL(rbc.valReceived, val) {
			step.fault(sender, FaultMultipleValues)
		}
		return
	}

	index, ok := rbc.netinfo.Index(rbc.netinfo.OwnID())
	if !ok {
		// Observers never get a shard.
		step.fault(sender, FaultMalformedMessage)
		return
	}
	if !rbc.validBranch(val.Shard, val.RootHash, val.Branch, index) {
		rbc.logger.Warn().Uint64("sender", uint64(sender)).Msg("invalid VAL proof")
		step.fault(sender, FaultInvalidProof)
		return
	}
	rbc.valReceived = val

	if rbc.echoSent {
		return
	}
	rbc.echoSent = true
	echo := &message.ECHO{
		RootHash: val.RootHash,
		Branch:   val.Branch,
		Shard:    val.Shard,
	}
	step.broadcast(message.GenECHOMsg(uint64(rbc.fromProposer), echo))
	rbc.handleECHO(step, rbc.netinfo.OwnID(), echo)
}

// If receive redundant echo msg, return
// If receive n-f echo msg and not send ready msg, broadcast ready
// If receive n-f ready msg and n-2f echo msg, output
func (rbc *RBC) handleECHO(step *RBCStep, sender NodeID, echo *message.ECHO) {
	if prev, ok := rbc.echos[sender]; ok {
		if !sameECHO(prev, echo) {
			step.fault(sender, FaultMultipleEchos)
		}
		return
	}

	index, ok := rbc.netinfo.Index(sender)
	if !ok {
		step.fault(sender, FaultUnknownSender)
		return
	}
	if !rbc.validBranch(echo.Shard, echo.RootHash, echo.Branch, index) {
		rbc.logger.Warn().Uint64("sender", uint64(sender)).Msg("invalid ECHO proof")
		step.fault(sender, FaultInvalidProof)
		return
	}
	rbc.echos[sender] = echo

	if rbc.countEchos(echo.RootHash) >= rbc.echoThreshold && !rbc.readySent {
		rbc.sendREADY(step, echo.RootHash)
	}

	rbc.tryOutput(step, echo.RootHash)
}

// If receive redundant ready msg, return
// If receive f+1 ready msg and not send ready msg, broadcast ready msg
// If receive n-f ready msg and n-2f echo msg, output
func (rbc *RBC) handleREADY(step *RBCStep, sender NodeID, ready *message.READY) {
	if prev, ok := rbc.readys[sender]; ok {
		if prev != ready.RootHash {
			step.fault(sender, FaultMultipleReadys)
		}
		return
	}
	if !rbc.netinfo.IsNodeValidator(sender) {
		step.fault(sender, FaultUnknownSender)
		return
	}

	rbc.readys[sender] = ready.RootHash

	if rbc.countReadys(ready.RootHash) >= rbc.readyThreshold && !rbc.readySent {
		rbc.sendREADY(step, ready.RootHash)
	}

	rbc.tryOutput(step, ready.RootHash)
}

func (rbc *RBC) sendREADY(step *RBCStep, rootHash [32]byte) {
	if !rbc.netinfo.IsValidator() {
		return
	}
	rbc.readySent = true
	step.broadcast(message.GenREADYMsg(uint64(rbc.fromProposer), rootHash))
	rbc.handleREADY(step, rbc.netinfo.OwnID(), &message.READY{RootHash: rootHash})
}

func (rbc *RBC) tryOutput(step *RBCStep, rootHash [32]byte) {
	if rbc.rbcOutputted || rbc.badRoots[rootHash] {
		return
	}
	if rbc.countReadys(rootHash) < rbc.outputThreshold || rbc.countEchos(rootHash) < rbc.dataShards {
		return
	}

	shards := make([][]byte, rbc.n)
	for sender, echo := range rbc.echos {
		if echo.RootHash != rootHash {
			continue
		}
		index, _ := rbc.netinfo.Index(sender)
		shards[index] = echo.Shard
	}
	value, err := ECDecode(rbc.dataShards, rbc.parityShards, shards)
	if err == nil && !rbc.matchesRoot(value, rootHash) {
		err = fmt.Errorf("reconstructed value does not match root")
	}
	if err != nil {
		// The proposer committed to shards that are not a codeword. Every
		// correct node sees the same thing for this root.
		rbc.logger.Warn().Err(err).Hex("root", rootHash[:]).Msg("rbc reconstruction failed")
		rbc.badRoots[rootHash] = true
		step.fault(rbc.fromProposer, FaultInvalidRootHash)
		return
	}

	rbc.rbcOutputted = true
	rbc.output = value
	rbc.logger.Debug().Int("size", len(value)).Msg("rbc deliver")
	step.output(value)
}

func (rbc *RBC) matchesRoot(value []byte, rootHash [32]byte) bool {
	shards, err := ECEncode(rbc.dataShards, rbc.parityShards, value)
	if err != nil {
		return false
	}
	mt, err := merkletree.MakeMerkleTree(shards)
	if err != nil {
		return false
	}
	return merkletree.RootHash(mt) == rootHash
}

func (rbc *RBC) validBranch(shard []byte, rootHash [32]byte, branch [][32]byte, index int) bool {
	if len(branch) != merkletree.Depth(rbc.n) {
		return false
	}
	return merkletree.MerkleTreeVerify(shard, rootHash, branch, index)
}

func (rbc *RBC) countEchos(rootHash [32]byte) int {
	count := 0
	for _, echo := range rbc.echos {
		if echo.RootHash == rootHash {
			count++
		}
	}
	return count
}

func (rbc *RBC) countReadys(rootHash [32]byte) int {
	count := 0
	for _, root := range rbc.readys {
		if root == rootHash {
			count++
		}
	}
	return count
}

// State reports how far this instance got.
func (rbc *RBC) State() RBCState {
	switch {
	case rbc.rbcOutputted:
		return RBCDecided
	case rbc.readySent:
		return RBCAwaitingReadies
	case rbc.echoSent || len(rbc.echos) > 0:
		return RBCAwaitingEchoes
	default:
		return RBCInit
	}
}

// Output returns the delivered value.
func (rbc *RBC) Output() ([]byte, bool) {
	return rbc.output, rbc.rbcOutputted
}

func (rbc *RBC) Terminated() bool {
	return rbc.rbcOutputted
}

func sameVAL(a, b *message.VAL) bool {
	return a.RootHash == b.RootHash && bytes.Equal(a.Shard, b.Shard) && sameBranch(a.Branch, b.Branch)
}

func sameECHO(a, b *message.ECHO) bool {
	return a.RootHash == b.RootHash && bytes.Equal(a.Shard, b.Shard) && sameBranch(a.Branch, b.Branch)
}

func sameBranch(a, b [][32]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
