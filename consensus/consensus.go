package consensus

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/sasha-s/go-deadlock"

	"github.com/zhazhalaila/SubsetBFT/message"
)

// Envelopes may open sessions at most this far from the highest session
// opened or closed locally, anything else is rejected as unknown.
const sessionWindow = 16

// Sender writes envelopes to the network.
type Sender interface {
	SendToPeer(id NodeID, env *message.Envelope) error
	Broadcast(env *message.Envelope) error
}

// SessionOutput is the agreed set of one session.
type SessionOutput struct {
	Session       SessionID
	Contributions map[NodeID][]byte
}

// ConsensusModule multiplexes subset sessions over one transport.
type ConsensusModule struct {
	// Global log
	logger  zerolog.Logger
	netinfo *NetworkInfo
	sender  Sender
	opts    []Option
	// Protects sessions, closed and horizon, sends happen outside the lock
	mu       deadlock.Mutex
	sessions map[SessionID]*Subset
	closed   map[SessionID]bool
	horizon  SessionID
	// Output channel, one value per decided session.
	// Release channel to notify network exit.
	outputCh  chan SessionOutput
	releaseCh chan bool
}

func MakeConsensusModule(logger zerolog.Logger, netinfo *NetworkInfo, sender Sender, releaseCh chan bool, opts ...Option) *ConsensusModule {
	cm := &ConsensusModule{}
	cm.logger = logger.With().Str("component", "consensus").Logger()
	cm.netinfo = netinfo
	cm.sender = sender
	cm.opts = append([]Option{WithLogger(logger)}, opts...)
	cm.sessions = make(map[SessionID]*Subset)
	cm.closed = make(map[SessionID]bool)
	cm.outputCh = make(chan SessionOutput, 100)
	cm.releaseCh = releaseCh
	return cm
}

// NewSession starts a session explicitly. Sessions are also created on the
// first input, or the first envelope within sessionWindow of the horizon.
func (cm *ConsensusModule) NewSession(session SessionID) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, ok := cm.sessions[session]; ok || cm.closed[session] {
		return fmt.Errorf("session %d: %w", session, ErrSessionExists)
	}
	_, err := cm.getOrCreate(session, true)
	return err
}

// Input proposes value in session.
func (cm *ConsensusModule) Input(session SessionID, value []byte) error {
	cm.mu.Lock()
	subset, err := cm.getOrCreate(session, true)
	if err != nil {
		cm.mu.Unlock()
		return err
	}
	step, err := subset.Input(value)
	cm.mu.Unlock()
	if err != nil {
		return fmt.Errorf("session %d input: %w", session, err)
	}

	return cm.dispatch(session, step)
}

// HandleEnvelope feeds one envelope from the network into its session.
func (cm *ConsensusModule) HandleEnvelope(env *message.Envelope) error {
	if err := message.Check(env); err != nil {
		return err
	}

	session := SessionID(env.Session)
	cm.mu.Lock()
	subset, err := cm.getOrCreate(session, false)
	if err != nil {
		cm.mu.Unlock()
		return err
	}
	step := subset.HandleMessage(NodeID(env.Sender), env.Msg)
	cm.mu.Unlock()

	return cm.dispatch(session, step)
}

// CloseSession drops a session, later envelopes for it are rejected.
func (cm *ConsensusModule) CloseSession(session SessionID) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.sessions, session)
	cm.closed[session] = true
	cm.advance(session)
}

// Must hold cm.mu.
func (cm *ConsensusModule) advance(session SessionID) {
	if session > cm.horizon {
		cm.horizon = session
	}
}

// inWindow reports whether a peer may open session. Must hold cm.mu.
func (cm *ConsensusModule) inWindow(session SessionID) bool {
	lo := SessionID(0)
	if cm.horizon > sessionWindow {
		lo = cm.horizon - sessionWindow
	}
	hi := cm.horizon + sessionWindow
	if hi < cm.horizon {
		hi = math.MaxUint64
	}
	return session >= lo && session <= hi
}

// getOrCreate looks up session, creating it for local callers or for
// envelopes within the window. Must hold cm.mu.
func (cm *ConsensusModule) getOrCreate(session SessionID, local bool) (*Subset, error) {
	if cm.closed[session] {
		return nil, fmt.Errorf("session %d: %w", session, ErrUnknownSession)
	}
	if local {
		cm.advance(session)
	}
	if subset, ok := cm.sessions[session]; ok {
		return subset, nil
	}
	if !local && !cm.inWindow(session) {
		return nil, fmt.Errorf("session %d outside window of %d: %w", session, cm.horizon, ErrUnknownSession)
	}
	subset, err := MakeSubset(cm.netinfo, session, cm.opts...)
	if err != nil {
		return nil, err
	}
	cm.sessions[session] = subset
	cm.logger.Debug().Uint64("session", uint64(session)).Msg("session created")
	return subset, nil
}

func (cm *ConsensusModule) dispatch(session SessionID, step SubsetStep) error {
	var result *multierror.Error
	for _, tm := range step.Messages {
		env := &message.Envelope{
			Session: uint64(session),
			Sender:  uint64(cm.netinfo.OwnID()),
			Msg:     tm.Message,
		}
		var err error
		if id, ok := tm.Target.Node(); ok {
			err = cm.sender.SendToPeer(id, env)
		} else {
			err = cm.sender.Broadcast(env)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, out := range step.Output {
		cm.outputCh <- SessionOutput{Session: session, Contributions: out}
	}
	return result.ErrorOrNil()
}

// Outputs delivers decided sessions, the channel must be drained.
func (cm *ConsensusModule) Outputs() <-chan SessionOutput {
	return cm.outputCh
}

// Consume reads envelopes until stopCh closes or consumeCh is closed.
func (cm *ConsensusModule) Consume(consumeCh <-chan *message.Envelope, stopCh <-chan bool) {
L:
	for {
		select {
		case <-stopCh:
			break L
		case env, ok := <-consumeCh:
			if !ok {
				break L
			}
			if err := cm.HandleEnvelope(env); err != nil {
				cm.logger.Warn().Err(err).Uint64("session", env.Session).Uint64("sender", env.Sender).Msg("handle envelope")
			}
		}
	}

	cm.logger.Info().Msg("network closed, consensus module done")

	// Release network.
	if cm.releaseCh != nil {
		cm.releaseCh <- true
	}
}
