package voice

// Sink receives payloads. HandleAudio runs on the listener's event loop,
// so implementations doing IO should queue and return.
type Sink interface {
	HandleAudio(p AudioPayload)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(p AudioPayload)

func (f SinkFunc) HandleAudio(p AudioPayload) { f(p) }

// MultiSink fans a payload out to every sink in order.
type MultiSink []Sink

func (m MultiSink) HandleAudio(p AudioPayload) {
	for _, s := range m {
		if s != nil {
			s.HandleAudio(p)
		}
	}
}

// Observer receives pipeline events for instrumentation.
type Observer interface {
	FrameAnalyzed(mode Mode, volume float64, speech bool)
	DeadlineFired(mode Mode, reason FlushReason)
	PayloadEmitted(p AudioPayload, audioBytes int)
	AcquireFailed(mode Mode, kind string)
	StateChanged(mode Mode, state State)
}

type nopObserver struct{}

func (nopObserver) FrameAnalyzed(Mode, float64, bool) {}
func (nopObserver) DeadlineFired(Mode, FlushReason)   {}
func (nopObserver) PayloadEmitted(AudioPayload, int)  {}
func (nopObserver) AcquireFailed(Mode, string)        {}
func (nopObserver) StateChanged(Mode, State)          {}
