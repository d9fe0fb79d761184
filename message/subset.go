package message

type SubsetMsg struct {
	// Proposer identify which rbc / bba instance the payload belongs to.
	// Exactly one of RBCField and BBAField is set.
	Proposer uint64
	RBCField *RBCMsg
	BBAField *BBAMsg
}

// Wellformed reports whether exactly one well formed sub-protocol payload is present.
func (m *SubsetMsg) Wellformed() bool {
	if m == nil {
		return false
	}
	if m.RBCField != nil && m.BBAField != nil {
		return false
	}
	if m.RBCField != nil {
		return m.RBCField.Wellformed()
	}
	if m.BBAField != nil {
		return m.BBAField.Wellformed()
	}
	return false
}

type Envelope struct {
	// Transport envelope, session and sender are set by the sending node
	Session uint64
	Sender  uint64
	Msg     *SubsetMsg
}
