package consensus

import (
	"errors"
	"strconv"
)

var (
	ErrAlreadyInput   = errors.New("input already provided")
	ErrNotProposer    = errors.New("only the proposer can input a value")
	ErrNotValidator   = errors.New("observers cannot input")
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionExists  = errors.New("session already exists")
)

// FaultKind describes how a sender deviated from the protocol.
type FaultKind int

const (
	FaultMalformedMessage FaultKind = iota
	FaultUnknownSender
	FaultUnknownProposer
	// RBC
	FaultValueFromNonProposer
	FaultMultipleValues
	FaultMultipleEchos
	FaultMultipleReadys
	FaultInvalidProof
	FaultInvalidRootHash
	// Coin
	FaultInvalidCoinShare
	// BBA
	FaultMultipleAux
	FaultMultipleConf
	FaultMultipleTerm
	FaultEpochTooFar
)

var faultNames = [...]string{
	FaultMalformedMessage:     "malformed_message",
	FaultUnknownSender:        "unknown_sender",
	FaultUnknownProposer:      "unknown_proposer",
	FaultValueFromNonProposer: "value_from_non_proposer",
	FaultMultipleValues:       "multiple_values",
	FaultMultipleEchos:        "multiple_echos",
	FaultMultipleReadys:       "multiple_readys",
	FaultInvalidProof:         "invalid_proof",
	FaultInvalidRootHash:      "invalid_root_hash",
	FaultInvalidCoinShare:     "invalid_coin_share",
	FaultMultipleAux:          "multiple_aux",
	FaultMultipleConf:         "multiple_conf",
	FaultMultipleTerm:         "multiple_term",
	FaultEpochTooFar:          "epoch_too_far",
}

func (k FaultKind) String() string {
	if k >= 0 && int(k) < len(faultNames) {
		return faultNames[k]
	}
	return "fault(" + strconv.Itoa(int(k)) + ")"
}

// Fault records that Sender violated the protocol. It is reported, never acted on.
type Fault struct {
	Sender NodeID
	Kind   FaultKind
}
