package whisper

// Observer receives synchronous callbacks from the decode loop. Within one
// call the order per step is ShouldAbort, OnProgress, then OnSegment.
//
// TranscribeParallel serializes calls from its workers, so an Observer
// never runs concurrently with itself.
type Observer interface {
	// OnSegment reports that nNew segments were appended to st.Result().
	OnSegment(st *State, nNew int)
	// OnProgress reports the processed share of the input, 0 to 100.
	OnProgress(st *State, percent int)
	// ShouldAbort is polled at least once per decoded token.
	ShouldAbort() bool
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Segment  func(st *State, nNew int)
	Progress func(st *State, percent int)
	Abort    func() bool
}

func (o ObserverFuncs) OnSegment(st *State, nNew int) {
	if o.Segment != nil {
		o.Segment(st, nNew)
	}
}

func (o ObserverFuncs) OnProgress(st *State, percent int) {
	if o.Progress != nil {
		o.Progress(st, percent)
	}
}

func (o ObserverFuncs) ShouldAbort() bool {
	return o.Abort != nil && o.Abort()
}

type nopObserver struct{}

func (nopObserver) OnSegment(*State, int)  {}
func (nopObserver) OnProgress(*State, int) {}
func (nopObserver) ShouldAbort() bool      { return false }
