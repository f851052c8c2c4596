package inference

import (
	"github.com/go-go-golems/bramble/pkg/events"
)

// PublisherManagerSink forwards events through a PublisherManager, fanning a
// single sink out to every subscribed publisher and topic. Sequence numbers
// are stamped by the manager.
type PublisherManagerSink struct {
	manager *events.PublisherManager
}

func NewPublisherManagerSink(manager *events.PublisherManager) *PublisherManagerSink {
	return &PublisherManagerSink{manager: manager}
}

func (p *PublisherManagerSink) PublishEvent(event events.Event) error {
	return p.manager.Publish(event)
}

var _ EventSink = (*PublisherManagerSink)(nil)
