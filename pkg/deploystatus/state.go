package deploystatus

// Phase is the completion bookkeeping state of an observation.
type Phase int

const (
	// PhaseWatching means the deployment may still change.
	PhaseWatching Phase = iota
	// PhaseTerminal means a completed or failed status was observed. It is absorbing.
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseWatching:
		return "WATCHING"
	case PhaseTerminal:
		return "TERMINAL"
	}
	return "UNKNOWN"
}

// watchState is owned by the event loop and changed only through its methods.
type watchState struct {
	phase Phase
}

func newWatchState() *watchState {
	return &watchState{phase: PhaseWatching}
}

func (s *watchState) terminal() bool {
	return s.phase == PhaseTerminal
}

// markTerminal moves to TERMINAL and reports whether this call made the transition.
func (s *watchState) markTerminal() bool {
	if s.phase == PhaseTerminal {
		return false
	}
	s.phase = PhaseTerminal
	return true
}
