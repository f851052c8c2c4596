package generation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/bramble/pkg/branch"
	"github.com/go-go-golems/bramble/pkg/conversation"
	"github.com/go-go-golems/bramble/pkg/events"
	"github.com/go-go-golems/bramble/pkg/inference"
	"github.com/go-go-golems/bramble/pkg/memory"
)

// AbortedFallbackText is substituted when a generation is aborted before any
// partial content arrived.
const AbortedFallbackText = "(aborted)"

var (
	ErrAlreadyGenerating = errors.New("node is already generating")
	ErrNotGenerating     = errors.New("node is not generating")
	ErrUnknownMessage    = errors.New("message is not part of this generation")
)

type mirrorTarget struct {
	nodeID    branch.NodeID
	messageID conversation.MessageID
}

// nodeRun is the per-node generation state: one cancellation token and the
// set of messages still streaming. Runs are independent across nodes.
type nodeRun struct {
	ctx     context.Context
	cancel  context.CancelFunc
	pending map[conversation.MessageID]struct{}
}

// Controller drives per-node response generation: it owns every mutation of
// assistant/streaming messages, applies chunks in receipt order, and
// finalizes, aborts or fails generations while keeping node invariants
// intact.
type Controller struct {
	registry *branch.Registry
	sinks    []inference.EventSink
	memory   memory.Notifier

	mu      sync.Mutex
	runs    map[branch.NodeID]*nodeRun
	mirrors map[conversation.MessageID][]mirrorTarget
}

type ControllerOption func(*Controller)

func WithSink(sink inference.EventSink) ControllerOption {
	return func(c *Controller) {
		c.sinks = append(c.sinks, sink)
	}
}

func WithMemoryNotifier(notifier memory.Notifier) ControllerOption {
	return func(c *Controller) {
		c.memory = notifier
	}
}

func NewController(registry *branch.Registry, options ...ControllerOption) *Controller {
	ret := &Controller{
		registry: registry,
		runs:     make(map[branch.NodeID]*nodeRun),
		mirrors:  make(map[conversation.MessageID][]mirrorTarget),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Mirror registers a duplicated streaming message: chunks and finalization
// applied to src are also applied to dst in the given node. Implements
// branch.StreamMirrorer.
func (c *Controller) Mirror(src conversation.MessageID, nodeID branch.NodeID, dst conversation.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirrors[src] = append(c.mirrors[src], mirrorTarget{nodeID: nodeID, messageID: dst})
}

// Start appends one placeholder streaming message per target model (sharing
// a group ID when fanning out), registers the node's cancellation token and
// transitions the node to generating.
//
// The returned context is the generation task's token: it must be checked
// before every chunk.
func (c *Controller) Start(ctx context.Context, nodeID branch.NodeID, models []string) (conversation.Conversation, context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.registry.Get(nodeID)
	if !ok {
		return nil, nil, branch.ErrNodeNotFound
	}
	if _, running := c.runs[nodeID]; running {
		return nil, nil, ErrAlreadyGenerating
	}

	groupID := ""
	if len(models) > 1 {
		groupID = uuid.NewString()
	}

	var parentID conversation.MessageID
	if msgs := node.Messages(); len(msgs) > 0 {
		parentID = msgs[len(msgs)-1].ID
	}

	placeholders := make(conversation.Conversation, 0, len(models))
	for _, model := range models {
		msg := conversation.NewAssistantMessage(model, "",
			conversation.WithStreaming(),
			conversation.WithGroupID(groupID),
			conversation.WithParentID(parentID),
		)
		placeholders = append(placeholders, msg)
	}

	node.AppendBranchMessages(placeholders...)
	node.State = branch.GenerationGenerating
	c.registry.Upsert(node)

	runCtx, cancel := context.WithCancel(ctx)
	run := &nodeRun{
		ctx:     runCtx,
		cancel:  cancel,
		pending: make(map[conversation.MessageID]struct{}, len(placeholders)),
	}
	for _, msg := range placeholders {
		run.pending[msg.ID] = struct{}{}
		c.publishEvent(events.NewStartEvent(c.metadata(nodeID, msg)))
	}
	c.runs[nodeID] = run

	return placeholders, runCtx, nil
}

// Adopt registers already-present streaming messages (duplicated into a
// branch at creation time) under a fresh cancellation token, so the branch's
// generation can be aborted independently.
func (c *Controller) Adopt(ctx context.Context, nodeID branch.NodeID) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.registry.Get(nodeID)
	if !ok {
		return nil, branch.ErrNodeNotFound
	}
	if _, running := c.runs[nodeID]; running {
		return nil, ErrAlreadyGenerating
	}

	streaming := node.StreamingMessages()
	if len(streaming) == 0 {
		return nil, ErrNotGenerating
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &nodeRun{
		ctx:     runCtx,
		cancel:  cancel,
		pending: make(map[conversation.MessageID]struct{}, len(streaming)),
	}
	for _, msg := range streaming {
		run.pending[msg.ID] = struct{}{}
	}
	c.runs[nodeID] = run

	node.State = branch.GenerationGenerating
	c.registry.Upsert(node)

	return runCtx, nil
}

// ApplyChunk appends a text fragment to a streaming message. Chunks arriving
// after the node's token was cancelled are dropped.
func (c *Controller) ApplyChunk(nodeID branch.NodeID, messageID conversation.MessageID, fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[nodeID]
	if !ok || run.ctx.Err() != nil {
		// late chunk after cancellation
		return
	}
	if _, pending := run.pending[messageID]; !pending {
		return
	}

	node, ok := c.registry.Get(nodeID)
	if !ok {
		return
	}
	msg, ok := node.FindMessage(messageID)
	if !ok || !msg.IsStreaming {
		return
	}

	msg.StreamingText += fragment
	c.applyToMirrors(messageID, func(m *conversation.Message) {
		m.StreamingText += fragment
	})

	c.publishEvent(events.NewPartialCompletionEvent(c.metadata(nodeID, msg), fragment, msg.StreamingText))
}

// Finalize seals a streaming message with its final text. Once every pending
// message of the node is finalized the node transitions back to idle.
func (c *Controller) Finalize(nodeID branch.NodeID, messageID conversation.MessageID, finalText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[nodeID]
	if !ok {
		return errors.Wrapf(ErrNotGenerating, "node %s", nodeID)
	}
	if _, pending := run.pending[messageID]; !pending {
		return errors.Wrapf(ErrUnknownMessage, "%s", messageID)
	}

	node, ok := c.registry.Get(nodeID)
	if !ok {
		return branch.ErrNodeNotFound
	}
	msg, ok := node.FindMessage(messageID)
	if !ok {
		return errors.Wrapf(ErrUnknownMessage, "%s", messageID)
	}

	c.finalizeMessage(msg, finalText)
	delete(run.pending, messageID)

	c.publishEvent(events.NewFinalEvent(c.metadata(nodeID, msg), finalText))
	c.notifyFinalized(nodeID, msg)

	if len(run.pending) == 0 {
		c.completeRun(nodeID, node)
	}

	return nil
}

// Abort cancels the node's generation. Every message still streaming is
// finalized with whatever partial content exists, falling back to a sentinel
// so the text is never empty.
func (c *Controller) Abort(nodeID branch.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[nodeID]
	if !ok {
		return errors.Wrapf(ErrNotGenerating, "node %s", nodeID)
	}

	node, ok := c.registry.Get(nodeID)
	if !ok {
		return branch.ErrNodeNotFound
	}

	node.State = branch.GenerationAborting
	run.cancel()

	for messageID := range run.pending {
		msg, ok := node.FindMessage(messageID)
		if !ok {
			continue
		}
		partial := msg.StreamingText
		if partial == "" {
			partial = AbortedFallbackText
		}
		c.finalizeMessage(msg, partial)
		c.publishEvent(events.NewInterruptEvent(c.metadata(nodeID, msg), partial))
		c.notifyFinalized(nodeID, msg)
	}
	run.pending = map[conversation.MessageID]struct{}{}

	c.dropMirrorsInto(nodeID)
	c.completeRun(nodeID, node)
	return nil
}

// Fail handles a non-abort generation error: the unfinalized streaming
// message is removed and replaced by a single synthetic assistant error
// message.
func (c *Controller) Fail(nodeID branch.NodeID, messageID conversation.MessageID, genErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.runs[nodeID]
	if !ok {
		return errors.Wrapf(ErrNotGenerating, "node %s", nodeID)
	}

	node, ok := c.registry.Get(nodeID)
	if !ok {
		return branch.ErrNodeNotFound
	}

	modelID := "unknown"
	if msg, ok := node.FindMessage(messageID); ok {
		if msg.ModelID != "" {
			modelID = msg.ModelID
		}
		node.RemoveBranchMessage(messageID)
	}
	delete(run.pending, messageID)

	errMsg := conversation.NewAssistantMessage(modelID, "Error: "+genErr.Error())
	node.AppendBranchMessages(errMsg)

	c.publishEvent(events.NewErrorEvent(c.metadata(nodeID, errMsg), genErr))

	if len(run.pending) == 0 {
		c.completeRun(nodeID, node)
	}

	return nil
}

// IsGenerating reports whether the node has an active run.
func (c *Controller) IsGenerating(nodeID branch.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[nodeID]
	return ok
}

func (c *Controller) finalizeMessage(msg *conversation.Message, finalText string) {
	msg.Text = finalText
	msg.IsStreaming = false
	msg.StreamingText = ""

	for _, target := range c.mirrors[msg.ID] {
		node, ok := c.registry.Get(target.nodeID)
		if !ok {
			continue
		}
		dup, ok := node.FindMessage(target.messageID)
		if !ok || !dup.IsStreaming {
			// the branch finalized or aborted its copy on its own
			continue
		}
		dup.Text = finalText
		dup.IsStreaming = false
		dup.StreamingText = ""
		c.settleAdoptedRun(target.nodeID, node, target.messageID)
	}
	delete(c.mirrors, msg.ID)
}

// settleAdoptedRun clears a mirror-finalized message from the run that
// adopted it, completing that run once nothing is pending.
func (c *Controller) settleAdoptedRun(nodeID branch.NodeID, node *branch.Node, messageID conversation.MessageID) {
	run, ok := c.runs[nodeID]
	if !ok {
		return
	}
	delete(run.pending, messageID)
	if len(run.pending) == 0 {
		c.completeRun(nodeID, node)
	}
}

func (c *Controller) completeRun(nodeID branch.NodeID, node *branch.Node) {
	if run, ok := c.runs[nodeID]; ok {
		run.cancel()
		delete(c.runs, nodeID)
	}
	node.State = branch.GenerationIdle
	c.registry.Upsert(node)
}

// applyToMirrors forwards a streaming mutation to every live mirror of src.
// Mirrors whose copy is no longer streaming (the branch finalized or aborted
// it) are dropped so a cancelled attempt is never mutated again.
func (c *Controller) applyToMirrors(src conversation.MessageID, apply func(*conversation.Message)) {
	targets := c.mirrors[src]
	kept := targets[:0]
	for _, target := range targets {
		node, ok := c.registry.Get(target.nodeID)
		if !ok {
			continue
		}
		msg, ok := node.FindMessage(target.messageID)
		if !ok || !msg.IsStreaming {
			continue
		}
		apply(msg)
		kept = append(kept, target)
	}
	if len(kept) == 0 {
		delete(c.mirrors, src)
		return
	}
	c.mirrors[src] = kept
}

// dropMirrorsInto unregisters every mirror target inside a node, so a
// cancelled branch stops following its parent's stream.
func (c *Controller) dropMirrorsInto(nodeID branch.NodeID) {
	for src, targets := range c.mirrors {
		kept := targets[:0]
		for _, target := range targets {
			if target.nodeID != nodeID {
				kept = append(kept, target)
			}
		}
		if len(kept) == 0 {
			delete(c.mirrors, src)
			continue
		}
		c.mirrors[src] = kept
	}
}

func (c *Controller) metadata(nodeID branch.NodeID, msg *conversation.Message) events.EventMetadata {
	meta := events.NewMetadata(nodeID.String(), msg.ID.String(), msg.ModelID)
	meta.GroupID = msg.GroupID
	return meta
}

func (c *Controller) publishEvent(event events.Event) {
	for _, sink := range c.sinks {
		if err := sink.PublishEvent(event); err != nil {
			log.Warn().Err(err).Str("event_type", string(event.Type())).Msg("failed to publish generation event")
		}
	}
}

func (c *Controller) notifyFinalized(nodeID branch.NodeID, msg *conversation.Message) {
	if c.memory == nil {
		return
	}
	text := msg.Text
	branchID := nodeID.String()
	messageID := msg.ID.String()
	memory.Notify("response-finalized", func() error {
		return c.memory.ResponseFinalized(context.Background(), text, branchID, messageID)
	})
}

var _ branch.StreamMirrorer = (*Controller)(nil)
