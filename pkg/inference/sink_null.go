package inference

import (
	"github.com/go-go-golems/bramble/pkg/events"
)

// NullSink discards all events.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(_ events.Event) error {
	return nil
}

var _ EventSink = (*NullSink)(nil)
