package inference

import (
	"github.com/go-go-golems/bramble/pkg/events"
)

// EventSink receives engine events during branch creation and generation.
type EventSink interface {
	PublishEvent(event events.Event) error
}
