package consensus

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/zhazhalaila/SubsetBFT/verify"
)

// NodeID identifies a validator (or an observer) within a session.
type NodeID uint64

// SessionID scopes one Subset run.
type SessionID uint64

var ErrInvalidNetworkInfo = errors.New("invalid network info")

// NetworkInfo is the immutable per-session context shared by every instance a
// node runs. It is never mutated after NewNetworkInfo returns.
type NetworkInfo struct {
	ownID     NodeID
	allIDs    []NodeID
	indexes   map[NodeID]int
	numFaulty int
	crypto    verify.Threshold
}

// NewNetworkInfo validates and builds a session context. allIDs is copied and
// sorted so that every node agrees on the order. If ownID is not in allIDs the
// node is an observer.
func NewNetworkInfo(ownID NodeID, allIDs []NodeID, numFaulty int, crypto verify.Threshold) (*NetworkInfo, error) {
	ids := make([]NodeID, len(allIDs))
	copy(ids, allIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var result *multierror.Error
	if len(ids) == 0 {
		result = multierror.Append(result, errors.New("empty validator set"))
	}
	indexes := make(map[NodeID]int, len(ids))
	for i, id := range ids {
		if _, ok := indexes[id]; ok {
			result = multierror.Append(result, fmt.Errorf("duplicate validator %d", id))
			continue
		}
		indexes[id] = i
	}
	if numFaulty < 0 {
		result = multierror.Append(result, fmt.Errorf("negative fault threshold %d", numFaulty))
	}
	if len(ids) < 3*numFaulty+1 {
		result = multierror.Append(result, fmt.Errorf("%d validators cannot tolerate %d faults", len(ids), numFaulty))
	}
	if crypto == nil {
		result = multierror.Append(result, errors.New("missing threshold crypto"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidNetworkInfo, err)
	}

	return &NetworkInfo{
		ownID:     ownID,
		allIDs:    ids,
		indexes:   indexes,
		numFaulty: numFaulty,
		crypto:    crypto,
	}, nil
}

func (ni *NetworkInfo) OwnID() NodeID {
	return ni.ownID
}

// AllIDs returns a copy of the sorted validator set.
func (ni *NetworkInfo) AllIDs() []NodeID {
	ids := make([]NodeID, len(ni.allIDs))
	copy(ids, ni.allIDs)
	return ids
}

func (ni *NetworkInfo) NumNodes() int {
	return len(ni.allIDs)
}

func (ni *NetworkInfo) NumFaulty() int {
	return ni.numFaulty
}

// NumCorrect is N-f, the quorum size used throughout.
func (ni *NetworkInfo) NumCorrect() int {
	return len(ni.allIDs) - ni.numFaulty
}

func (ni *NetworkInfo) Index(id NodeID) (int, bool) {
	i, ok := ni.indexes[id]
	return i, ok
}

func (ni *NetworkInfo) IsValidator() bool {
	return ni.IsNodeValidator(ni.ownID)
}

func (ni *NetworkInfo) IsNodeValidator(id NodeID) bool {
	_, ok := ni.indexes[id]
	return ok
}

func (ni *NetworkInfo) Crypto() verify.Threshold {
	return ni.crypto
}

func (ni *NetworkInfo) validate() error {
	if ni == nil || len(ni.allIDs) == 0 {
		return fmt.Errorf("%w: empty validator set", ErrInvalidNetworkInfo)
	}
	if ni.numFaulty < 0 || len(ni.allIDs) < 3*ni.numFaulty+1 {
		return fmt.Errorf("%w: %d validators cannot tolerate %d faults", ErrInvalidNetworkInfo, len(ni.allIDs), ni.numFaulty)
	}
	return nil
}
