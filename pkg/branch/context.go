package branch

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/bramble/pkg/conversation"
)

// GatherContext builds the full message context for a node: the messages of
// every ancestor from the root down, then the node's own messages, then the
// messages of explicitly linked branches. Deduplicated by message ID with the
// first occurrence winning, so ancestor copies embedded in the node's own
// inherited slice collapse cleanly.
//
// The result is computed fresh on every call and has no side effects.
func (r *Registry) GatherContext(id NodeID) (conversation.Conversation, error) {
	chain, err := r.parentChain(id)
	if err != nil {
		return nil, err
	}

	var combined conversation.Conversation
	for _, node := range chain {
		combined = append(combined, node.Messages()...)
	}

	for _, linkedID := range r.LinksFor(id) {
		linked, ok := r.Get(linkedID)
		if !ok {
			continue
		}
		combined = append(combined, linked.Messages()...)
	}

	return conversation.DeduplicateByID(combined), nil
}

// GatherContextUpTo builds the context bounded at a message, inclusive. The
// bound must occur in the aggregated context; otherwise ErrTargetNotFound.
func (r *Registry) GatherContextUpTo(id NodeID, boundID conversation.MessageID) (conversation.Conversation, error) {
	full, err := r.GatherContext(id)
	if err != nil {
		return nil, err
	}

	for i, m := range full {
		if m.ID == boundID {
			return full[:i+1], nil
		}
	}

	return nil, errors.Wrapf(ErrTargetNotFound, "message %s in node %s", boundID, id)
}

// parentChain walks parent pointers from id up to the root and returns the
// nodes in root-to-leaf order.
func (r *Registry) parentChain(id NodeID) ([]*Node, error) {
	var chain []*Node
	seen := map[NodeID]struct{}{}

	for id != "" {
		if _, ok := seen[id]; ok {
			return nil, errors.Errorf("parent cycle at node %s", id)
		}
		seen[id] = struct{}{}

		node, ok := r.Get(id)
		if !ok {
			return nil, errors.Wrapf(ErrNodeNotFound, "%s", id)
		}
		chain = append([]*Node{node}, chain...)
		id = node.ParentNodeID
	}

	return chain, nil
}
