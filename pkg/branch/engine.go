package branch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/bramble/pkg/conversation"
	"github.com/go-go-golems/bramble/pkg/events"
	"github.com/go-go-golems/bramble/pkg/inference"
	"github.com/go-go-golems/bramble/pkg/memory"
)

// StreamMirrorer lets the engine attach a duplicated in-flight streaming
// message to its source, so chunks applied to the source keep flowing into
// the branch copy. Implemented by the generation controller.
type StreamMirrorer interface {
	Mirror(src conversation.MessageID, nodeID NodeID, dst conversation.MessageID)
}

// Manager is the caller-facing surface of the branching engine. Callers
// depend on this interface rather than the Engine struct.
type Manager interface {
	Registry() *Registry
	AddUserMessage(nodeID NodeID, text string, options ...conversation.MessageOption) (*conversation.Message, error)
	CreateBranch(parentNodeID NodeID, triggerMessageID conversation.MessageID, multiBranch bool) ([]*Node, error)
	CreateBranchConfirmed(parentNodeID NodeID, triggerMessageID conversation.MessageID, multiBranch bool) ([]*Node, error)
}

// Engine owns branch creation. All structural mutation of the registry that
// creates nodes goes through it.
type Engine struct {
	registry *Registry
	sinks    []inference.EventSink
	memory   memory.Notifier
	mirror   StreamMirrorer

	// creating holds the per-trigger creation locks; a second invocation for
	// a trigger already being processed is a no-op.
	mu       sync.Mutex
	creating map[conversation.MessageID]struct{}
}

type EngineOption func(*Engine)

func WithSink(sink inference.EventSink) EngineOption {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sink)
	}
}

func WithMemoryNotifier(notifier memory.Notifier) EngineOption {
	return func(e *Engine) {
		e.memory = notifier
	}
}

func WithStreamMirrorer(mirror StreamMirrorer) EngineOption {
	return func(e *Engine) {
		e.mirror = mirror
	}
}

func NewEngine(registry *Registry, options ...EngineOption) *Engine {
	ret := &Engine{
		registry: registry,
		creating: make(map[conversation.MessageID]struct{}),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

// AddUserMessage appends a user-authored message to a node. This is the only
// entry point for direct user input; assistant messages are owned by the
// generation controller.
func (e *Engine) AddUserMessage(nodeID NodeID, text string, options ...conversation.MessageOption) (*conversation.Message, error) {
	node, ok := e.registry.Get(nodeID)
	if !ok {
		return nil, ErrNodeNotFound
	}

	msg := conversation.NewUserMessage(text, options...)
	node.AppendBranchMessages(msg)
	e.registry.Upsert(node)

	return msg, nil
}

func (e *Engine) publishEvent(event events.Event) {
	for _, sink := range e.sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish engine event")
		}
	}
}

func (e *Engine) notifyBranchCreated(node *Node) {
	if e.memory == nil {
		return
	}
	newID := node.ID.String()
	parentID := node.ParentNodeID.String()
	memory.Notify("branch-created", func() error {
		return e.memory.BranchCreated(context.Background(), newID, parentID)
	})
}

var _ Manager = (*Engine)(nil)
