package ports

import "github.com/vulpemventures/connector/internal/core/domain"

const (
	// PollSignal is emitted periodically, regardless of chain activity.
	PollSignal SignalType = iota
	// NewTipSignal is emitted when the source learns about a new block.
	NewTipSignal
)

var signalTypeString = map[SignalType]string{
	PollSignal:   "poll",
	NewTipSignal: "new tip",
}

type SignalType int

func (t SignalType) String() string {
	return signalTypeString[t]
}

// Signal notifies that the state of the chain might have changed. Tip is
// set only if the source knows about it.
type Signal struct {
	Type   SignalType
	Source string
	Tip    *domain.BlockTip
}

// EventSource is the abstraction for any kind of service notifying about
// changes of the chain state, either by polling or by push.
type EventSource interface {
	// Start starts the service.
	Start() error
	// Stop stops the service and closes the signal channel.
	Stop()
	// Signals returns the channel where signals are sent.
	Signals() <-chan Signal
}
