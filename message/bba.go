package message

type EST struct {
	// Estimate value (BVAL)
	BinValue bool
}

type AUX struct {
	// Have seen 2f+1 times estimate value
	Element bool
}

type CONF struct {
	// Bin values seen after n-f aux
	Values BoolSet
}

type COIN struct {
	// Threshold signature share over Hash(Session, Proposer, Epoch)
	Share []byte
}

type TERM struct {
	// Decided value
	Value bool
}

type BBAMsg struct {
	Epoch     int
	ESTField  *EST
	AUXField  *AUX
	CONFField *CONF
	COINField *COIN
	TERMField *TERM
}

// Wellformed reports whether exactly one payload is present and the epoch is sane.
func (m *BBAMsg) Wellformed() bool {
	if m == nil || m.Epoch < 0 {
		return false
	}
	count := 0
	if m.ESTField != nil {
		count++
	}
	if m.AUXField != nil {
		count++
	}
	if m.CONFField != nil {
		if !m.CONFField.Values.Valid() {
			return false
		}
		count++
	}
	if m.COINField != nil {
		count++
	}
	if m.TERMField != nil {
		count++
	}
	return count == 1
}

func GenBBAMsg(proposer uint64, msg *BBAMsg) *SubsetMsg {
	return &SubsetMsg{Proposer: proposer, BBAField: msg}
}
