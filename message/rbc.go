package message

type VAL struct {
	// Merkle root hash, branch to verify shard belong to merkle tree.
	// Sent by proposer to each validator, shard i to the i-th validator.
	RootHash [32]byte
	Branch   [][32]byte
	Shard    []byte
}

type ECHO struct {
	// Same content as the VAL the sender received, broadcast to everyone
	RootHash [32]byte
	Branch   [][32]byte
	Shard    []byte
}

type READY struct {
	RootHash [32]byte
}

type RBCMsg struct {
	// Exactly one field is set
	VALField   *VAL
	ECHOField  *ECHO
	READYField *READY
}

// Wellformed reports whether exactly one payload is present.
func (m *RBCMsg) Wellformed() bool {
	if m == nil {
		return false
	}
	count := 0
	if m.VALField != nil {
		count++
	}
	if m.ECHOField != nil {
		count++
	}
	if m.READYField != nil {
		count++
	}
	return count == 1
}

func GenVALMsg(proposer uint64, val *VAL) *SubsetMsg {
	return &SubsetMsg{Proposer: proposer, RBCField: &RBCMsg{VALField: val}}
}

func GenECHOMsg(proposer uint64, echo *ECHO) *SubsetMsg {
	return &SubsetMsg{Proposer: proposer, RBCField: &RBCMsg{ECHOField: echo}}
}

func GenREADYMsg(proposer uint64, rootHash [32]byte) *SubsetMsg {
	return &SubsetMsg{Proposer: proposer, RBCField: &RBCMsg{READYField: &READY{RootHash: rootHash}}}
}
