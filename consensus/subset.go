package consensus

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/zhazhalaila/SubsetBFT/message"
	"github.com/zhazhalaila/SubsetBFT/metrics"
)

// SubsetStep outputs the agreed contributions keyed by proposer.
type SubsetStep = Step[*message.SubsetMsg, map[NodeID][]byte]

type Option func(*Subset)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Subset) {
		s.logger = logger
	}
}

func WithMetrics(collector metrics.Collector) Option {
	return func(s *Subset) {
		s.metrics = collector
	}
}

// Subset runs one reliable broadcast and one binary agreement per
// validator and outputs the contributions of the proposers agreed on.
type Subset struct {
	// Global log
	logger  zerolog.Logger
	metrics metrics.Collector
	netinfo *NetworkInfo
	session SessionID
	// N(total peers number) F(byzantine peers number)
	n     int
	f     int
	start time.Time
	// Child instances, one of each per proposer
	rbcInstances map[NodeID]*RBC
	bbaInstances map[NodeID]*BBA
	// RBC and BBA outs
	rbcOuts map[NodeID][]byte
	bbaOuts map[NodeID]bool
	// Input once, output once
	inputted   bool
	outputted  bool
	subsetOuts map[NodeID][]byte
}

func MakeSubset(netinfo *NetworkInfo, session SessionID, opts ...Option) (*Subset, error) {
	if err := netinfo.validate(); err != nil {
		return nil, err
	}

	s := &Subset{}
	s.logger = zerolog.Nop()
	s.metrics = metrics.NewNoopCollector()
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Uint64("session", uint64(session)).Uint64("node", uint64(netinfo.OwnID())).Logger()
	s.netinfo = netinfo
	s.session = session
	s.n = netinfo.NumNodes()
	s.f = netinfo.NumFaulty()
	s.start = time.Now()
	s.rbcInstances = make(map[NodeID]*RBC, s.n)
	s.bbaInstances = make(map[NodeID]*BBA, s.n)
	s.rbcOuts = make(map[NodeID][]byte, s.n)
	s.bbaOuts = make(map[NodeID]bool, s.n)

	// Init child instances
	for _, id := range netinfo.allIDs {
		s.rbcInstances[id] = MakeRBC(s.logger, netinfo, id)
		s.bbaInstances[id] = MakeBBA(s.logger, netinfo, session, id)
	}

	return s, nil
}

// Input proposes this node's contribution.
func (s *Subset) Input(value []byte) (SubsetStep, error) {
	var step SubsetStep
	if !s.netinfo.IsValidator() {
		return step, ErrNotValidator
	}
	if s.inputted {
		return step, ErrAlreadyInput
	}
	s.inputted = true

	own := s.netinfo.OwnID()
	rbcStep, err := s.rbcInstances[own].Input(value)
	if err != nil {
		return step, err
	}
	s.logger.Info().Int("size", len(value)).Msg("subset input")
	s.processRBC(&step, own, rbcStep)
	s.recordFaults(step)
	return step, nil
}

// HandleMessage routes msg to the broadcast or agreement of msg.Proposer.
func (s *Subset) HandleMessage(sender NodeID, msg *message.SubsetMsg) SubsetStep {
	var step SubsetStep
	switch {
	case !msg.Wellformed():
		step.fault(sender, FaultMalformedMessage)
	case !s.netinfo.IsNodeValidator(sender):
		step.fault(sender, FaultUnknownSender)
	case !s.netinfo.IsNodeValidator(NodeID(msg.Proposer)):
		step.fault(sender, FaultUnknownProposer)
	case msg.RBCField != nil:
		proposer := NodeID(msg.Proposer)
		rbcStep := s.rbcInstances[proposer].HandleMessage(sender, msg.RBCField)
		s.processRBC(&step, proposer, rbcStep)
	case msg.BBAField != nil:
		proposer := NodeID(msg.Proposer)
		bbaStep := s.bbaInstances[proposer].HandleMessage(sender, msg.BBAField)
		s.processBBA(&step, proposer, bbaStep)
	}
	s.recordFaults(step)
	return step
}

// Once a broadcast delivers, vote 1 for its proposer.
func (s *Subset) processRBC(step *SubsetStep, proposer NodeID, rbcStep RBCStep) {
	outs := extendStep(step, rbcStep, identity)
	if len(outs) == 0 {
		return
	}
	value := outs[0]
	s.rbcOuts[proposer] = value
	s.metrics.RBCDelivered(len(value))
	s.logger.Debug().Uint64("proposer", uint64(proposer)).Int("size", len(value)).Msg("subset deliver rbc")

	bba := s.bbaInstances[proposer]
	if s.netinfo.IsValidator() && !bba.HasInput() {
		bbaStep, err := bba.Input(true)
		if err != nil {
			s.logger.Error().Err(err).Uint64("proposer", uint64(proposer)).Msg("bba input")
		}
		s.processBBA(step, proposer, bbaStep)
	}
	s.tryOutput(step)
}

// Once n-f agreements decided 1, vote 0 for everyone not voted yet.
func (s *Subset) processBBA(step *SubsetStep, proposer NodeID, bbaStep BBAStep) {
	outs := extendStep(step, bbaStep, identity)
	if len(outs) == 0 {
		return
	}
	if _, ok := s.bbaOuts[proposer]; ok {
		return
	}
	decision := outs[0]
	s.bbaOuts[proposer] = decision
	s.metrics.AgreementDecided(decision, s.bbaInstances[proposer].Epoch())
	s.logger.Debug().Uint64("proposer", uint64(proposer)).Bool("decision", decision).Msg("subset deliver bba")

	if decision && s.countTrue() >= s.n-s.f && s.netinfo.IsValidator() {
		for _, id := range s.netinfo.allIDs {
			bba := s.bbaInstances[id]
			if bba.HasInput() {
				continue
			}
			bbaStep, err := bba.Input(false)
			if err != nil {
				s.logger.Error().Err(err).Uint64("proposer", uint64(id)).Msg("bba input")
				continue
			}
			s.processBBA(step, id, bbaStep)
		}
	}
	s.tryOutput(step)
}

// Output when every agreement decided and every accepted value is delivered.
func (s *Subset) tryOutput(step *SubsetStep) {
	if s.outputted || len(s.bbaOuts) < s.n {
		return
	}

	outs := make(map[NodeID][]byte)
	for proposer, decision := range s.bbaOuts {
		if !decision {
			continue
		}
		value, ok := s.rbcOuts[proposer]
		if !ok {
			return
		}
		outs[proposer] = value
	}

	s.outputted = true
	s.subsetOuts = outs
	s.metrics.SessionDecided(len(outs), time.Since(s.start))
	s.logger.Info().Int("contributions", len(outs)).Msg("subset output")
	step.output(cloneContributions(outs))
}

func (s *Subset) recordFaults(step SubsetStep) {
	for _, fault := range step.Faults {
		s.logger.Warn().Uint64("sender", uint64(fault.Sender)).Stringer("kind", fault.Kind).Msg("fault")
		s.metrics.Fault(fault.Kind.String())
	}
}

func (s *Subset) countTrue() int {
	count := 0
	for _, decision := range s.bbaOuts {
		if decision {
			count++
		}
	}
	return count
}

func (s *Subset) Session() SessionID {
	return s.session
}

// Output returns a copy of the agreed contributions.
func (s *Subset) Output() (map[NodeID][]byte, bool) {
	if !s.outputted {
		return nil, false
	}
	return cloneContributions(s.subsetOuts), true
}

func (s *Subset) Terminated() bool {
	return s.outputted
}

// Values are copied too, callers may modify what they get.
func cloneContributions(outs map[NodeID][]byte) map[NodeID][]byte {
	clone := make(map[NodeID][]byte, len(outs))
	for proposer, value := range outs {
		v := make([]byte, len(value))
		copy(v, value)
		clone[proposer] = v
	}
	return clone
}

func identity(msg *message.SubsetMsg) *message.SubsetMsg {
	return msg
}
