package consensus

import (
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhazhalaila/SubsetBFT/message"
)

const testSession = SessionID(3)

// runBBA runs one agreement among n validators and an observer with the
// given inputs, delivering in an order picked by rng.
func runBBA(t *testing.T, n, f int, inputs []bool, rng *rand.Rand) (map[NodeID]*BBA, map[NodeID][]bool) {
	proposer := NodeID(0)
	observer := NodeID(100)
	bbas := make(map[NodeID]*BBA)
	for _, netinfo := range testNetworkInfos(t, n, f) {
		bbas[netinfo.OwnID()] = MakeBBA(zerolog.Nop(), netinfo, testSession, proposer)
	}
	bbas[observer] = MakeBBA(zerolog.Nop(), testObserverInfo(t, observer, n, f), testSession, proposer)
	ids := append(testIDs(n), observer)

	outputs := make(map[NodeID][]bool)
	var queue []queued
	for i, est := range inputs {
		id := NodeID(i)
		step, err := bbas[id].Input(est)
		require.NoError(t, err)
		require.Empty(t, step.Faults)
		outputs[id] = append(outputs[id], step.Output...)
		queue = append(queue, fanout(id, ids, step.Messages)...)
	}

	deliver(queue, ids, rng, func(q queued) []TargetedMessage[*message.SubsetMsg] {
		require.Equal(t, uint64(proposer), q.msg.Proposer)
		step := bbas[q.to].HandleMessage(q.from, q.msg.BBAField)
		require.Empty(t, step.Faults, "node %d from %d", q.to, q.from)
		outputs[q.to] = append(outputs[q.to], step.Output...)
		return step.Messages
	})
	return bbas, outputs
}

func requireBBAAgreement(t *testing.T, bbas map[NodeID]*BBA, outputs map[NodeID][]bool) bool {
	var decision *bool
	for id, bba := range bbas {
		require.True(t, bba.Terminated(), "node %d", id)
		require.Len(t, outputs[id], 1, "node %d", id)
		out, ok := bba.Output()
		require.True(t, ok)
		require.Equal(t, outputs[id][0], out)
		if decision == nil {
			decision = &out
		}
		require.Equal(t, *decision, out, "node %d", id)
	}
	return *decision
}

func TestBBAValidity(t *testing.T) {
	for _, v := range []bool{false, true} {
		for seed := int64(0); seed < 10; seed++ {
			bbas, outputs := runBBA(t, 4, 1, []bool{v, v, v, v}, rand.New(rand.NewSource(seed)))
			require.Equal(t, v, requireBBAAgreement(t, bbas, outputs))
		}
	}
}

func TestBBAAgreementMixedInputs(t *testing.T) {
	cases := []struct {
		n, f int
	}{{4, 1}, {5, 1}, {7, 2}}
	for _, c := range cases {
		for seed := int64(0); seed < 20; seed++ {
			rng := rand.New(rand.NewSource(seed))
			inputs := make([]bool, c.n)
			for i := range inputs {
				inputs[i] = rng.Intn(2) == 1
			}
			bbas, outputs := runBBA(t, c.n, c.f, inputs, rng)
			requireBBAAgreement(t, bbas, outputs)
		}
	}
}

// Only n-f validators input, the rest join through the relay rule.
func TestBBAPartialInput(t *testing.T) {
	bbas, outputs := runBBA(t, 4, 1, []bool{true, true, true}, nil)
	require.True(t, requireBBAAgreement(t, bbas, outputs))
	require.True(t, bbas[3].HasInput())
}

func TestBBASingleNode(t *testing.T) {
	for _, v := range []bool{false, true} {
		netinfo := testNetworkInfos(t, 1, 0)[0]
		bba := MakeBBA(zerolog.Nop(), netinfo, testSession, 0)
		step, err := bba.Input(v)
		require.NoError(t, err)
		require.Equal(t, []bool{v}, step.Output)
		require.True(t, bba.Terminated())
		require.True(t, bba.HasInput())
	}
}

func TestBBAInputErrors(t *testing.T) {
	netinfo := testNetworkInfos(t, 4, 1)[1]
	bba := MakeBBA(zerolog.Nop(), netinfo, testSession, 0)
	require.False(t, bba.HasInput())
	_, err := bba.Input(true)
	require.NoError(t, err)
	require.True(t, bba.HasInput())
	_, err = bba.Input(false)
	require.ErrorIs(t, err, ErrAlreadyInput)

	observer := MakeBBA(zerolog.Nop(), testObserverInfo(t, 100, 4, 1), testSession, 0)
	_, err = observer.Input(true)
	require.ErrorIs(t, err, ErrNotValidator)
}

func term(v bool) *message.BBAMsg {
	return &message.BBAMsg{TERMField: &message.TERM{Value: v}}
}

func TestBBATermDecides(t *testing.T) {
	netinfo := testNetworkInfos(t, 4, 1)[1]
	bba := MakeBBA(zerolog.Nop(), netinfo, testSession, 0)

	step := bba.HandleMessage(2, term(true))
	require.True(t, step.Empty())

	// f+1 matching TERM mean a correct node decided.
	step = bba.HandleMessage(3, term(true))
	require.Equal(t, []bool{true}, step.Output)
	require.Len(t, step.Messages, 1)
	require.Equal(t, term(true), step.Messages[0].Message.BBAField)
	require.True(t, bba.Terminated())

	// Terminated instances stay quiet.
	step = bba.HandleMessage(0, term(false))
	require.True(t, step.Empty())
}

func TestBBAFaults(t *testing.T) {
	netinfo := testNetworkInfos(t, 4, 1)[1]
	bba := MakeBBA(zerolog.Nop(), netinfo, testSession, 0)

	check := func(sender NodeID, msg *message.BBAMsg, want ...FaultKind) {
		t.Helper()
		step := bba.HandleMessage(sender, msg)
		if len(want) == 0 {
			require.Empty(t, step.Faults)
			return
		}
		require.Equal(t, want, faultKinds(step.Faults))
		for _, fault := range step.Faults {
			require.Equal(t, sender, fault.Sender)
		}
	}

	check(2, &message.BBAMsg{}, FaultMalformedMessage)
	check(2, &message.BBAMsg{Epoch: -1, ESTField: &message.EST{BinValue: true}}, FaultMalformedMessage)
	check(2, &message.BBAMsg{CONFField: &message.CONF{Values: message.BoolSetNone}}, FaultMalformedMessage)
	check(9, &message.BBAMsg{ESTField: &message.EST{BinValue: true}}, FaultUnknownSender)

	check(2, &message.BBAMsg{AUXField: &message.AUX{Element: true}})
	check(2, &message.BBAMsg{AUXField: &message.AUX{Element: true}})
	check(2, &message.BBAMsg{AUXField: &message.AUX{Element: false}}, FaultMultipleAux)

	check(3, &message.BBAMsg{CONFField: &message.CONF{Values: message.BoolSetTrue}})
	check(3, &message.BBAMsg{CONFField: &message.CONF{Values: message.BoolSetFalse}}, FaultMultipleConf)

	check(2, &message.BBAMsg{COINField: &message.COIN{Share: []byte("forged")}}, FaultInvalidCoinShare)

	// Future epochs are buffered, conflicts among them still count.
	check(3, &message.BBAMsg{Epoch: 5, AUXField: &message.AUX{Element: true}})
	check(3, &message.BBAMsg{Epoch: 5, AUXField: &message.AUX{Element: false}}, FaultMultipleAux)
	check(3, &message.BBAMsg{Epoch: maxFutureEpochs, ESTField: &message.EST{BinValue: true}})
	check(3, &message.BBAMsg{Epoch: maxFutureEpochs + 1, ESTField: &message.EST{BinValue: true}}, FaultEpochTooFar)

	check(0, term(false))
	check(0, term(true), FaultMultipleTerm)
	require.False(t, bba.Terminated())
}

// An honest AUX arriving after the sender's TERM stood in for it is not a fault.
func TestBBATermThenAux(t *testing.T) {
	netinfo := testNetworkInfos(t, 4, 1)[1]
	bba := MakeBBA(zerolog.Nop(), netinfo, testSession, 0)

	step := bba.HandleMessage(2, term(true))
	require.Empty(t, step.Faults)
	step = bba.HandleMessage(2, &message.BBAMsg{AUXField: &message.AUX{Element: false}})
	require.Empty(t, step.Faults)
	step = bba.HandleMessage(2, &message.BBAMsg{CONFField: &message.CONF{Values: message.BoolSetBoth}})
	require.Empty(t, step.Faults)
}

func TestBBARelaysAfterFPlusOne(t *testing.T) {
	netinfo := testNetworkInfos(t, 4, 1)[1]
	bba := MakeBBA(zerolog.Nop(), netinfo, testSession, 0)

	est := &message.BBAMsg{ESTField: &message.EST{BinValue: false}}
	step := bba.HandleMessage(2, est)
	require.True(t, step.Empty())

	// Relaying makes 2f+1 with our own vote, so AUX follows.
	step = bba.HandleMessage(3, est)
	require.Len(t, step.Messages, 2)
	require.Equal(t, est, step.Messages[0].Message.BBAField)
	require.Equal(t, &message.AUX{Element: false}, step.Messages[1].Message.BBAField.AUXField)
	require.Equal(t, 0, bba.Epoch())
}
