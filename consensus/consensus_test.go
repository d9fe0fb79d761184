package consensus

import (
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zhazhalaila/SubsetBFT/message"
)

type routed struct {
	to  NodeID
	env *message.Envelope
}

// loopback queues envelopes for delivery by the test.
type loopback struct {
	ids   []NodeID
	queue *[]routed
	err   error
}

func (l *loopback) SendToPeer(id NodeID, env *message.Envelope) error {
	if l.err != nil {
		return l.err
	}
	*l.queue = append(*l.queue, routed{to: id, env: env})
	return nil
}

func (l *loopback) Broadcast(env *message.Envelope) error {
	if l.err != nil {
		return l.err
	}
	for _, id := range l.ids {
		if uint64(id) != env.Sender {
			*l.queue = append(*l.queue, routed{to: id, env: env})
		}
	}
	return nil
}

func makeModules(t *testing.T, n, f int) (map[NodeID]*ConsensusModule, *[]routed) {
	var queue []routed
	ids := testIDs(n)
	modules := make(map[NodeID]*ConsensusModule, n)
	for _, netinfo := range testNetworkInfos(t, n, f) {
		sender := &loopback{ids: ids, queue: &queue}
		modules[netinfo.OwnID()] = MakeConsensusModule(zerolog.Nop(), netinfo, sender, nil)
	}
	return modules, &queue
}

func drain(t *testing.T, modules map[NodeID]*ConsensusModule, queue *[]routed) {
	for len(*queue) > 0 {
		r := (*queue)[0]
		*queue = (*queue)[1:]
		require.NoError(t, modules[r.to].HandleEnvelope(r.env))
	}
}

func TestConsensusModuleSessions(t *testing.T) {
	modules, queue := makeModules(t, 4, 1)

	for _, session := range []SessionID{1, 2} {
		for id, cm := range modules {
			require.NoError(t, cm.Input(session, []byte{byte(session), byte(id)}))
		}
	}
	drain(t, modules, queue)

	for id, cm := range modules {
		got := make(map[SessionID]map[NodeID][]byte)
		for i := 0; i < 2; i++ {
			select {
			case out := <-cm.Outputs():
				got[out.Session] = out.Contributions
			default:
				t.Fatalf("node %d: missing output", id)
			}
		}
		require.Len(t, got, 2)
		for session, contributions := range got {
			require.GreaterOrEqual(t, len(contributions), 3)
			for proposer, value := range contributions {
				require.Equal(t, []byte{byte(session), byte(proposer)}, value)
			}
		}
	}
}

func TestConsensusModuleSessionLifecycle(t *testing.T) {
	modules, _ := makeModules(t, 4, 1)
	cm := modules[0]

	require.NoError(t, cm.NewSession(1))
	require.ErrorIs(t, cm.NewSession(1), ErrSessionExists)

	require.NoError(t, cm.Input(1, []byte("x")))
	require.ErrorIs(t, cm.Input(1, []byte("y")), ErrAlreadyInput)

	cm.CloseSession(1)
	require.ErrorIs(t, cm.Input(1, []byte("z")), ErrUnknownSession)
	require.ErrorIs(t, cm.NewSession(1), ErrSessionExists)

	env := &message.Envelope{Session: 1, Sender: 2, Msg: message.GenREADYMsg(0, [32]byte{1})}
	require.ErrorIs(t, cm.HandleEnvelope(env), ErrUnknownSession)

	// Session 2 springs into existence on first contact.
	env.Session = 2
	require.NoError(t, cm.HandleEnvelope(env))
	require.ErrorIs(t, cm.HandleEnvelope(&message.Envelope{Session: 2, Sender: 2}), message.ErrMalformedEnvelope)
}

func TestConsensusModuleSendError(t *testing.T) {
	var queue []routed
	netinfo := testNetworkInfos(t, 4, 1)[0]
	errDown := errors.New("network down")
	cm := MakeConsensusModule(zerolog.Nop(), netinfo, &loopback{ids: testIDs(4), queue: &queue, err: errDown}, nil)
	require.ErrorIs(t, cm.Input(1, []byte("x")), errDown)
}

func TestConsensusModuleSingleNode(t *testing.T) {
	var queue []routed
	netinfo := testNetworkInfos(t, 1, 0)[0]
	cm := MakeConsensusModule(zerolog.Nop(), netinfo, &loopback{ids: testIDs(1), queue: &queue}, nil)

	require.NoError(t, cm.Input(4, []byte("alone")))
	require.Empty(t, queue)
	out := <-cm.Outputs()
	require.Equal(t, SessionOutput{Session: 4, Contributions: map[NodeID][]byte{0: []byte("alone")}}, out)
}

func TestConsume(t *testing.T) {
	defer leaktest.CheckTimeout(t, time.Second)()

	t.Run("closed_channel", func(t *testing.T) {
		modules, _ := makeModules(t, 4, 1)
		consumeCh := make(chan *message.Envelope, 1)
		releaseCh := make(chan bool, 1)
		cm := modules[1]
		cm.releaseCh = releaseCh

		go cm.Consume(consumeCh, nil)
		consumeCh <- &message.Envelope{Session: 1, Sender: 0, Msg: message.GenREADYMsg(0, [32]byte{1})}
		close(consumeCh)
		require.True(t, <-releaseCh)
	})

	t.Run("stop", func(t *testing.T) {
		modules, _ := makeModules(t, 4, 1)
		stopCh := make(chan bool)
		releaseCh := make(chan bool, 1)
		cm := modules[2]
		cm.releaseCh = releaseCh

		go cm.Consume(make(chan *message.Envelope), stopCh)
		close(stopCh)
		require.True(t, <-releaseCh)
	})
}

func TestConsensusModuleSessionWindow(t *testing.T) {
	modules, _ := makeModules(t, 4, 1)
	cm := modules[0]
	ready := func(session uint64) *message.Envelope {
		return &message.Envelope{Session: session, Sender: 3, Msg: message.GenREADYMsg(0, [32]byte{1})}
	}

	for s := uint64(0); s < 20000; s++ {
		session := s * 7919
		err := cm.HandleEnvelope(ready(session))
		if session <= sessionWindow {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrUnknownSession)
		}
	}
	require.LessOrEqual(t, len(cm.sessions), 2*sessionWindow+1)
	require.ErrorIs(t, cm.HandleEnvelope(ready(^uint64(0))), ErrUnknownSession)

	require.NoError(t, cm.Input(100, []byte("x")))
	require.NoError(t, cm.HandleEnvelope(ready(110)))
	require.NoError(t, cm.HandleEnvelope(ready(90)))
	require.ErrorIs(t, cm.HandleEnvelope(ready(200)), ErrUnknownSession)
	require.ErrorIs(t, cm.HandleEnvelope(ready(60)), ErrUnknownSession)

	// Closing a session moves the window along.
	cm.CloseSession(150)
	require.NoError(t, cm.HandleEnvelope(ready(160)))
	require.ErrorIs(t, cm.HandleEnvelope(ready(150)), ErrUnknownSession)

	// The window saturates at the top of the id range.
	require.NoError(t, cm.NewSession(SessionID(^uint64(0)-1)))
	require.NoError(t, cm.HandleEnvelope(ready(^uint64(0))))
}
