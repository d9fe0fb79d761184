// Package simulation runs subset sessions over an in-memory network whose
// delivery order is chosen by a scheduler.
package simulation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/zhazhalaila/SubsetBFT/consensus"
	"github.com/zhazhalaila/SubsetBFT/keygen/keys"
	"github.com/zhazhalaila/SubsetBFT/message"
	"github.com/zhazhalaila/SubsetBFT/verify"
	"github.com/zhazhalaila/SubsetBFT/verify/verifytest"
)

const defaultMaxDelivered = 1_000_000

var (
	ErrStalled        = errors.New("no messages left but some nodes did not terminate")
	ErrDeliveryLimit  = errors.New("delivery limit reached")
	ErrNotCorrectNode = errors.New("not a correct validator")
)

// Message is one message in flight. Behaviours may set All instead of To.
type Message struct {
	From consensus.NodeID
	To   consensus.NodeID
	All  bool
	Msg  *message.SubsetMsg
}

// CryptoProvider returns the threshold capability of the validator at
// index, or of an observer for index -1.
type CryptoProvider func(index int) (verify.Threshold, error)

// TestCrypto uses the insecure hash based scheme, n validators, threshold t.
func TestCrypto(n, t int) CryptoProvider {
	schemes := verifytest.NewSchemes(n, t)
	return func(index int) (verify.Threshold, error) {
		if index < 0 {
			return verifytest.NewObserver(t), nil
		}
		return schemes[index], nil
	}
}

// DealtCrypto uses threshold BLS keys from a dealer.
func DealtCrypto(ks *keys.KeySet) CryptoProvider {
	return func(index int) (verify.Threshold, error) {
		return ks.Signer(index)
	}
}

type Config struct {
	Session    consensus.SessionID
	Validators []consensus.NodeID
	NumFaulty  int
	// Validators driven by a behaviour instead of the protocol
	Faulty map[consensus.NodeID]Behaviour
	// Optional non validating node following the protocol
	Observer  *consensus.NodeID
	Scheduler Scheduler
	Crypto    CryptoProvider
	Logger    zerolog.Logger
	// Zero means a large default
	MaxDelivered int
}

// Node is a correct node and everything it produced.
type Node struct {
	ID      consensus.NodeID
	Subset  *consensus.Subset
	Outputs []map[consensus.NodeID][]byte
	Faults  []consensus.Fault
}

type Network struct {
	logger       zerolog.Logger
	ids          []consensus.NodeID
	nodes        map[consensus.NodeID]*Node
	faulty       map[consensus.NodeID]Behaviour
	scheduler    Scheduler
	queue        []Message
	history      []Message
	maxDelivered int
}

func NewNetwork(cfg Config) (*Network, error) {
	if cfg.Crypto == nil {
		cfg.Crypto = TestCrypto(len(cfg.Validators), cfg.NumFaulty+1)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = First()
	}

	validators := make([]consensus.NodeID, len(cfg.Validators))
	copy(validators, cfg.Validators)
	sort.Slice(validators, func(i, j int) bool { return validators[i] < validators[j] })

	n := &Network{}
	n.logger = cfg.Logger
	n.nodes = make(map[consensus.NodeID]*Node)
	n.faulty = make(map[consensus.NodeID]Behaviour)
	n.scheduler = cfg.Scheduler
	n.maxDelivered = cfg.MaxDelivered
	if n.maxDelivered == 0 {
		n.maxDelivered = defaultMaxDelivered
	}

	for index, id := range validators {
		if behaviour, ok := cfg.Faulty[id]; ok {
			n.faulty[id] = behaviour
			n.ids = append(n.ids, id)
			continue
		}
		if err := n.addNode(cfg, id, index, validators); err != nil {
			return nil, err
		}
	}
	if cfg.Observer != nil {
		if err := n.addNode(cfg, *cfg.Observer, -1, validators); err != nil {
			return nil, err
		}
	}
	if len(n.faulty) > cfg.NumFaulty {
		return nil, fmt.Errorf("%d faulty nodes, at most %d tolerated", len(n.faulty), cfg.NumFaulty)
	}

	for _, id := range validators {
		if behaviour, ok := n.faulty[id]; ok {
			n.enqueue(id, behaviour.Start(id, validators))
		}
	}
	return n, nil
}

func (n *Network) addNode(cfg Config, id consensus.NodeID, index int, validators []consensus.NodeID) error {
	crypto, err := cfg.Crypto(index)
	if err != nil {
		return err
	}
	netinfo, err := consensus.NewNetworkInfo(id, validators, cfg.NumFaulty, crypto)
	if err != nil {
		return err
	}
	logger := cfg.Logger.With().Uint64("sim_node", uint64(id)).Logger()
	subset, err := consensus.MakeSubset(netinfo, cfg.Session, consensus.WithLogger(logger))
	if err != nil {
		return err
	}
	n.nodes[id] = &Node{ID: id, Subset: subset}
	n.ids = append(n.ids, id)
	return nil
}

// Input proposes value on behalf of a correct validator.
func (n *Network) Input(id consensus.NodeID, value []byte) error {
	node, ok := n.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotCorrectNode, id)
	}
	step, err := node.Subset.Input(value)
	if err != nil {
		return err
	}
	n.record(node, step)
	return nil
}

// Run delivers messages until every correct node terminated.
func (n *Network) Run() error {
	for !n.Terminated() {
		if len(n.queue) == 0 {
			return ErrStalled
		}
		if len(n.history) >= n.maxDelivered {
			return fmt.Errorf("%w: %d", ErrDeliveryLimit, n.maxDelivered)
		}
		n.Step()
	}
	n.logger.Debug().Int("delivered", len(n.history)).Int("pending", len(n.queue)).Msg("simulation done")
	return nil
}

// Step delivers the message the scheduler picks, false if nothing is queued.
func (n *Network) Step() bool {
	if len(n.queue) == 0 {
		return false
	}
	i := n.scheduler.Pick(n.queue)
	if i < 0 || i >= len(n.queue) {
		i = 0
	}
	msg := n.queue[i]
	n.queue = append(n.queue[:i], n.queue[i+1:]...)
	n.history = append(n.history, msg)

	if behaviour, ok := n.faulty[msg.To]; ok {
		n.enqueue(msg.To, behaviour.HandleMessage(msg.To, msg.From, msg.Msg))
		return true
	}
	node, ok := n.nodes[msg.To]
	if !ok {
		return true
	}
	step := node.Subset.HandleMessage(msg.From, msg.Msg)
	n.record(node, step)
	return true
}

func (n *Network) record(node *Node, step consensus.SubsetStep) {
	node.Outputs = append(node.Outputs, step.Output...)
	node.Faults = append(node.Faults, step.Faults...)
	for _, tm := range step.Messages {
		if to, ok := tm.Target.Node(); ok {
			n.queue = append(n.queue, Message{From: node.ID, To: to, Msg: tm.Message})
			continue
		}
		for _, id := range n.ids {
			if id != node.ID {
				n.queue = append(n.queue, Message{From: node.ID, To: id, Msg: tm.Message})
			}
		}
	}
}

func (n *Network) enqueue(from consensus.NodeID, msgs []Message) {
	for _, msg := range msgs {
		msg.From = from
		if !msg.All {
			n.queue = append(n.queue, msg)
			continue
		}
		for _, id := range n.ids {
			if id != from {
				n.queue = append(n.queue, Message{From: from, To: id, Msg: msg.Msg})
			}
		}
	}
}

// Terminated reports whether every correct node produced its output.
func (n *Network) Terminated() bool {
	for _, node := range n.nodes {
		if !node.Subset.Terminated() {
			return false
		}
	}
	return true
}

func (n *Network) Node(id consensus.NodeID) (*Node, bool) {
	node, ok := n.nodes[id]
	return node, ok
}

// Nodes returns the correct nodes ordered by id.
func (n *Network) Nodes() []*Node {
	nodes := make([]*Node, 0, len(n.nodes))
	for _, node := range n.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// History is every delivered message in delivery order.
func (n *Network) History() []Message {
	return n.history
}
