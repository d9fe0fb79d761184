package consensus

// Target selects the recipients of an outbound message.
type Target struct {
	all  bool
	node NodeID
}

// TargetAll addresses every other node, observers included.
func TargetAll() Target {
	return Target{all: true}
}

func TargetNode(id NodeID) Target {
	return Target{node: id}
}

func (t Target) IsAll() bool {
	return t.all
}

// Node returns the single recipient, ok is false for broadcasts.
func (t Target) Node() (NodeID, bool) {
	return t.node, !t.all
}

type TargetedMessage[M any] struct {
	Target  Target
	Message M
}

// Step is the result of one input or message: messages to send, at most one
// output for the lifetime of an instance, and faults observed on the way.
type Step[M any, O any] struct {
	Messages []TargetedMessage[M]
	Output   []O
	Faults   []Fault
}

func (s *Step[M, O]) broadcast(msg M) {
	s.Messages = append(s.Messages, TargetedMessage[M]{Target: TargetAll(), Message: msg})
}

func (s *Step[M, O]) sendTo(id NodeID, msg M) {
	s.Messages = append(s.Messages, TargetedMessage[M]{Target: TargetNode(id), Message: msg})
}

func (s *Step[M, O]) fault(sender NodeID, kind FaultKind) {
	s.Faults = append(s.Faults, Fault{Sender: sender, Kind: kind})
}

func (s *Step[M, O]) output(out O) {
	s.Output = append(s.Output, out)
}

// Empty reports whether the step carries nothing.
func (s *Step[M, O]) Empty() bool {
	return len(s.Messages) == 0 && len(s.Output) == 0 && len(s.Faults) == 0
}

// extendStep moves the messages and faults of a child step into dst,
// converting messages with wrap, and returns the child's outputs.
func extendStep[M1, O1, M2, O2 any](dst *Step[M2, O2], src Step[M1, O1], wrap func(M1) M2) []O1 {
	for _, tm := range src.Messages {
		dst.Messages = append(dst.Messages, TargetedMessage[M2]{Target: tm.Target, Message: wrap(tm.Message)})
	}
	dst.Faults = append(dst.Faults, src.Faults...)
	return src.Output
}
