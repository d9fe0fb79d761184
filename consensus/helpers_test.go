package consensus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhazhalaila/SubsetBFT/message"
	"github.com/zhazhalaila/SubsetBFT/verify/verifytest"
)

func testIDs(n int) []NodeID {
	ids := make([]NodeID, n)
	for i := range ids {
		ids[i] = NodeID(i)
	}
	return ids
}

// testNetworkInfos builds validators 0..n-1 sharing an insecure threshold scheme.
func testNetworkInfos(t *testing.T, n, f int) []*NetworkInfo {
	ids := testIDs(n)
	schemes := verifytest.NewSchemes(n, f+1)
	infos := make([]*NetworkInfo, n)
	for i, id := range ids {
		netinfo, err := NewNetworkInfo(id, ids, f, schemes[i])
		require.NoError(t, err)
		infos[i] = netinfo
	}
	return infos
}

func testObserverInfo(t *testing.T, id NodeID, n, f int) *NetworkInfo {
	netinfo, err := NewNetworkInfo(id, testIDs(n), f, verifytest.NewObserver(f+1))
	require.NoError(t, err)
	require.False(t, netinfo.IsValidator())
	return netinfo
}

type queued struct {
	from NodeID
	to   NodeID
	msg  *message.SubsetMsg
}

func fanout(from NodeID, ids []NodeID, msgs []TargetedMessage[*message.SubsetMsg]) []queued {
	var out []queued
	for _, tm := range msgs {
		if to, ok := tm.Target.Node(); ok {
			out = append(out, queued{from: from, to: to, msg: tm.Message})
			continue
		}
		for _, id := range ids {
			if id != from {
				out = append(out, queued{from: from, to: id, msg: tm.Message})
			}
		}
	}
	return out
}

// deliver runs the queue dry, in order or in random order when rng is set.
// handle returns what the receiver sends, nil drops the message.
func deliver(queue []queued, ids []NodeID, rng *rand.Rand, handle func(q queued) []TargetedMessage[*message.SubsetMsg]) {
	for len(queue) > 0 {
		i := 0
		if rng != nil {
			i = rng.Intn(len(queue))
		}
		q := queue[i]
		queue = append(queue[:i], queue[i+1:]...)
		queue = append(queue, fanout(q.to, ids, handle(q))...)
	}
}

func faultKinds(faults []Fault) []FaultKind {
	kinds := make([]FaultKind, len(faults))
	for i, fault := range faults {
		kinds[i] = fault.Kind
	}
	return kinds
}
