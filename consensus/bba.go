package consensus

import (
	"github.com/rs/zerolog"

	"github.com/zhazhalaila/SubsetBFT/message"
)

// Messages further ahead than this are reported instead of buffered.
const maxFutureEpochs = 100

type BBAStep = Step[*message.SubsetMsg, bool]

// Future epoch messages, at most one of each kind per sender.
type pendingMsgs struct {
	est  message.BoolSet
	aux  *bool
	conf message.BoolSet
	coin *message.COIN
}

// BBA decides one bit for one proposer. Each epoch runs
// EST -> AUX -> CONF -> COIN. Once decided a node broadcasts TERM and stops,
// a TERM counts as the sender's EST, AUX and CONF in every later epoch.
type BBA struct {
	// Global log
	logger   zerolog.Logger
	netinfo  *NetworkInfo
	session  SessionID
	proposer NodeID
	// N(total peers number) F(byzantine peers number)
	n     int
	f     int
	epoch int
	// Whether input was provided
	inputted bool
	// Current epoch state
	sentBVal     message.BoolSet
	receivedBVal map[NodeID]message.BoolSet
	binValues    message.BoolSet
	auxSent      bool
	receivedAux  map[NodeID]bool
	confRound    bool
	receivedConf map[NodeID]message.BoolSet
	confVals     *message.BoolSet
	coin         *Coin
	coinStarted  bool
	// Persistent across epochs
	receivedTerm map[NodeID]bool
	incoming     map[int]map[NodeID]*pendingMsgs
	decision     *bool
	terminated   bool
}

func MakeBBA(logger zerolog.Logger, netinfo *NetworkInfo, session SessionID, proposer NodeID) *BBA {
	b := &BBA{}
	b.logger = logger.With().Str("component", "bba").Uint64("proposer", uint64(proposer)).Logger()
	b.netinfo = netinfo
	b.session = session
	b.proposer = proposer
	b.n = netinfo.NumNodes()
	b.f = netinfo.NumFaulty()
	b.receivedTerm = make(map[NodeID]bool)
	b.incoming = make(map[int]map[NodeID]*pendingMsgs)
	b.resetEpoch()
	return b
}

func (b *BBA) resetEpoch() {
	b.sentBVal = message.BoolSetNone
	b.receivedBVal = make(map[NodeID]message.BoolSet, b.n)
	b.binValues = message.BoolSetNone
	b.auxSent = false
	b.receivedAux = make(map[NodeID]bool, b.n)
	b.confRound = false
	b.receivedConf = make(map[NodeID]message.BoolSet, b.n)
	b.confVals = nil
	b.coin = MakeCoin(b.logger, b.netinfo, b.session, b.proposer, b.epoch)
	b.coinStarted = false
}

// HasInput reports whether Input was called or can no longer take effect.
func (b *BBA) HasInput() bool {
	return b.inputted || b.terminated
}

// Input the initial estimate. After the first epoch the estimate is already
// driven by the protocol and input is recorded but has no effect.
func (b *BBA) Input(est bool) (BBAStep, error) {
	var step BBAStep
	if !b.netinfo.IsValidator() {
		return step, ErrNotValidator
	}
	if b.inputted {
		return step, ErrAlreadyInput
	}
	b.inputted = true
	if b.terminated || b.epoch != 0 {
		return step, nil
	}

	b.logger.Debug().Bool("est", est).Msg("bba input")
	b.sendBVal(&step, est)
	return step, nil
}

func (b *BBA) HandleMessage(sender NodeID, msg *message.BBAMsg) BBAStep {
	var step BBAStep
	if !msg.Wellformed() {
		step.fault(sender, FaultMalformedMessage)
		return step
	}
	if !b.netinfo.IsNodeValidator(sender) {
		step.fault(sender, FaultUnknownSender)
		return step
	}
	if b.terminated {
		return step
	}

	if msg.TERMField != nil {
		b.handleTERM(&step, sender, msg.TERMField.Value)
		return step
	}

	switch {
	case msg.Epoch < b.epoch:
		// Stale, the epoch is over.
	case msg.Epoch > b.epoch+maxFutureEpochs:
		step.fault(sender, FaultEpochTooFar)
	case msg.Epoch > b.epoch:
		b.queue(&step, sender, msg)
	default:
		b.handleEpochMsg(&step, sender, msg)
	}
	return step
}

func (b *BBA) queue(step *BBAStep, sender NodeID, msg *message.BBAMsg) {
	byEpoch, ok := b.incoming[msg.Epoch]
	if !ok {
		byEpoch = make(map[NodeID]*pendingMsgs)
		b.incoming[msg.Epoch] = byEpoch
	}
	p, ok := byEpoch[sender]
	if !ok {
		p = &pendingMsgs{}
		byEpoch[sender] = p
	}

	switch {
	case msg.ESTField != nil:
		p.est = p.est.Insert(msg.ESTField.BinValue)
	case msg.AUXField != nil:
		if p.aux == nil {
			v := msg.AUXField.Element
			p.aux = &v
		} else if *p.aux != msg.AUXField.Element {
			step.fault(sender, FaultMultipleAux)
		}
	case msg.CONFField != nil:
		if p.conf.Empty() {
			p.conf = msg.CONFField.Values
		} else if p.conf != msg.CONFField.Values {
			step.fault(sender, FaultMultipleConf)
		}
	case msg.COINField != nil:
		if p.coin == nil {
			p.coin = msg.COINField
		}
	}
}

func (b *BBA) handleEpochMsg(step *BBAStep, sender NodeID, msg *message.BBAMsg) {
	switch {
	case msg.ESTField != nil:
		b.handleBVal(step, sender, msg.ESTField.BinValue)
	case msg.AUXField != nil:
		b.handleAux(step, sender, msg.AUXField.Element)
	case msg.CONFField != nil:
		b.handleConf(step, sender, msg.CONFField.Values)
	case msg.COINField != nil:
		b.handleCoin(step, sender, msg.COINField)
	}
}

// Relay a value seen from f+1 senders, add it to bin values at 2f+1.
// The first bin value is echoed as AUX.
func (b *BBA) handleBVal(step *BBAStep, sender NodeID, v bool) {
	prev := b.receivedBVal[sender]
	if prev.Contains(v) {
		return
	}
	b.receivedBVal[sender] = prev.Insert(v)
	epoch := b.epoch

	if b.countBVal(v) >= b.f+1 && !b.sentBVal.Contains(v) {
		b.sendBVal(step, v)
		if b.epoch != epoch || b.terminated {
			return
		}
	}

	if b.countBVal(v) >= 2*b.f+1 && !b.binValues.Contains(v) {
		wasEmpty := b.binValues.Empty()
		b.binValues = b.binValues.Insert(v)
		if wasEmpty {
			b.sendAux(step, v)
		}
		b.tryProgress(step)
	}
}

func (b *BBA) handleAux(step *BBAStep, sender NodeID, v bool) {
	if prev, ok := b.receivedAux[sender]; ok {
		if _, termed := b.receivedTerm[sender]; prev != v && !termed {
			step.fault(sender, FaultMultipleAux)
		}
		return
	}
	b.receivedAux[sender] = v
	b.tryProgress(step)
}

func (b *BBA) handleConf(step *BBAStep, sender NodeID, vals message.BoolSet) {
	if prev, ok := b.receivedConf[sender]; ok {
		if _, termed := b.receivedTerm[sender]; prev != vals && !termed {
			step.fault(sender, FaultMultipleConf)
		}
		return
	}
	b.receivedConf[sender] = vals
	b.tryProgress(step)
}

func (b *BBA) handleCoin(step *BBAStep, sender NodeID, coin *message.COIN) {
	coinStep := b.coin.HandleShare(sender, coin)
	b.extendCoin(step, coinStep)
	b.tryUpdateEpoch(step)
}

// f+1 TERM for the same value mean a correct node decided it.
func (b *BBA) handleTERM(step *BBAStep, sender NodeID, v bool) {
	if prev, ok := b.receivedTerm[sender]; ok {
		if prev != v {
			step.fault(sender, FaultMultipleTerm)
		}
		return
	}
	b.receivedTerm[sender] = v

	if b.countTerm(v) >= b.f+1 {
		b.decide(step, v)
		return
	}
	b.applyTerm(step, sender, v)
}

// A TERM stands in for the sender's votes of the current epoch.
func (b *BBA) applyTerm(step *BBAStep, sender NodeID, v bool) {
	epoch := b.epoch
	b.handleBVal(step, sender, v)
	if b.epoch != epoch || b.terminated {
		return
	}
	if _, ok := b.receivedAux[sender]; !ok {
		b.handleAux(step, sender, v)
		if b.epoch != epoch || b.terminated {
			return
		}
	}
	if _, ok := b.receivedConf[sender]; !ok {
		b.handleConf(step, sender, message.BoolSetOf(v))
	}
}

// Wait for n-f AUX within bin values, send CONF(bin values), wait for n-f
// CONF that are subsets of bin values, then flip the coin.
func (b *BBA) tryProgress(step *BBAStep) {
	if b.binValues.Empty() || b.terminated {
		return
	}

	if !b.confRound {
		if b.countAux() < b.n-b.f {
			return
		}
		b.confRound = true
		b.sendConf(step)
	}

	if b.confVals == nil {
		count, vals := b.countConf()
		if count < b.n-b.f {
			return
		}
		b.confVals = &vals
		b.logger.Debug().Int("epoch", b.epoch).Stringer("vals", vals).Msg("bba conf done")
	}

	if !b.coinStarted {
		b.coinStarted = true
		b.extendCoin(step, b.coin.Input())
	}
	b.tryUpdateEpoch(step)
}

// If vals = {v}: estimate v and decide when the coin agrees.
// Otherwise the coin becomes the next estimate.
func (b *BBA) tryUpdateEpoch(step *BBAStep) {
	if b.confVals == nil || b.terminated {
		return
	}
	coin, ok := b.coin.Value()
	if !ok {
		return
	}

	b.logger.Debug().Int("epoch", b.epoch).Stringer("vals", *b.confVals).Bool("coin", coin).Msg("bba epoch done")
	if v, ok := b.confVals.Definite(); ok {
		if v == coin {
			b.decide(step, v)
			return
		}
		b.nextEpoch(step, v)
		return
	}
	b.nextEpoch(step, coin)
}

func (b *BBA) decide(step *BBAStep, v bool) {
	if b.decision != nil {
		return
	}
	b.decision = &v
	b.terminated = true
	b.incoming = nil
	b.logger.Debug().Int("epoch", b.epoch).Bool("decision", v).Msg("bba decide")
	if b.netinfo.IsValidator() {
		step.broadcast(b.wrap(&message.BBAMsg{Epoch: b.epoch, TERMField: &message.TERM{Value: v}}))
	}
	step.output(v)
}

func (b *BBA) nextEpoch(step *BBAStep, est bool) {
	b.epoch++
	b.resetEpoch()
	epoch := b.epoch

	b.sendBVal(step, est)
	if b.epoch != epoch || b.terminated {
		return
	}

	for _, id := range b.netinfo.allIDs {
		if v, ok := b.receivedTerm[id]; ok {
			b.applyTerm(step, id, v)
			if b.epoch != epoch || b.terminated {
				return
			}
		}
	}

	pending := b.incoming[epoch]
	delete(b.incoming, epoch)
	for _, id := range b.netinfo.allIDs {
		p, ok := pending[id]
		if !ok {
			continue
		}
		for _, v := range []bool{false, true} {
			if p.est.Contains(v) {
				b.handleBVal(step, id, v)
				if b.epoch != epoch || b.terminated {
					return
				}
			}
		}
		if p.aux != nil {
			b.handleAux(step, id, *p.aux)
			if b.epoch != epoch || b.terminated {
				return
			}
		}
		if !p.conf.Empty() {
			b.handleConf(step, id, p.conf)
			if b.epoch != epoch || b.terminated {
				return
			}
		}
		if p.coin != nil {
			b.handleCoin(step, id, p.coin)
			if b.epoch != epoch || b.terminated {
				return
			}
		}
	}
}

func (b *BBA) sendBVal(step *BBAStep, v bool) {
	if !b.netinfo.IsValidator() || b.sentBVal.Contains(v) {
		return
	}
	b.sentBVal = b.sentBVal.Insert(v)
	step.broadcast(b.wrap(&message.BBAMsg{Epoch: b.epoch, ESTField: &message.EST{BinValue: v}}))
	b.handleBVal(step, b.netinfo.OwnID(), v)
}

func (b *BBA) sendAux(step *BBAStep, v bool) {
	if !b.netinfo.IsValidator() || b.auxSent {
		return
	}
	b.auxSent = true
	step.broadcast(b.wrap(&message.BBAMsg{Epoch: b.epoch, AUXField: &message.AUX{Element: v}}))
	b.receivedAux[b.netinfo.OwnID()] = v
}

func (b *BBA) sendConf(step *BBAStep) {
	if !b.netinfo.IsValidator() {
		return
	}
	vals := b.binValues
	step.broadcast(b.wrap(&message.BBAMsg{Epoch: b.epoch, CONFField: &message.CONF{Values: vals}}))
	b.receivedConf[b.netinfo.OwnID()] = vals
}

func (b *BBA) extendCoin(step *BBAStep, coinStep CoinStep) {
	epoch := b.epoch
	extendStep(step, coinStep, func(coin *message.COIN) *message.SubsetMsg {
		return b.wrap(&message.BBAMsg{Epoch: epoch, COINField: coin})
	})
}

func (b *BBA) wrap(msg *message.BBAMsg) *message.SubsetMsg {
	return message.GenBBAMsg(uint64(b.proposer), msg)
}

func (b *BBA) countBVal(v bool) int {
	count := 0
	for _, vals := range b.receivedBVal {
		if vals.Contains(v) {
			count++
		}
	}
	return count
}

func (b *BBA) countAux() int {
	count := 0
	for _, v := range b.receivedAux {
		if b.binValues.Contains(v) {
			count++
		}
	}
	return count
}

func (b *BBA) countConf() (int, message.BoolSet) {
	count := 0
	vals := message.BoolSetNone
	for _, conf := range b.receivedConf {
		if conf.IsSubset(b.binValues) {
			count++
			vals |= conf
		}
	}
	return count, vals
}

func (b *BBA) countTerm(v bool) int {
	count := 0
	for _, term := range b.receivedTerm {
		if term == v {
			count++
		}
	}
	return count
}

func (b *BBA) Epoch() int {
	return b.epoch
}

// Output returns the decided bit.
func (b *BBA) Output() (bool, bool) {
	if b.decision == nil {
		return false, false
	}
	return *b.decision, true
}

func (b *BBA) Terminated() bool {
	return b.terminated
}
