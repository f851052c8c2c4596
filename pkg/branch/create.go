package branch

import (
	"github.com/google/uuid"
	clone "github.com/huandu/go-clone"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/bramble/pkg/conversation"
	"github.com/go-go-golems/bramble/pkg/events"
)

// CreateBranch forks the conversation at the trigger message.
//
// If the trigger is an assistant message, one branch is created starting from
// that message. If it is a user message, the paired assistant reply (or, with
// multiBranch, one branch per reply / per selected model) determines the new
// branches. A branch already hanging off the trigger yields a
// DuplicateBranchError carrying a BranchExistsNotice; nothing is created.
func (e *Engine) CreateBranch(parentNodeID NodeID, triggerMessageID conversation.MessageID, multiBranch bool) ([]*Node, error) {
	return e.createBranch(parentNodeID, triggerMessageID, multiBranch, false)
}

// CreateBranchConfirmed bypasses the duplicate guard exactly once, for a
// caller that saw the BranchExistsNotice and confirmed.
func (e *Engine) CreateBranchConfirmed(parentNodeID NodeID, triggerMessageID conversation.MessageID, multiBranch bool) ([]*Node, error) {
	return e.createBranch(parentNodeID, triggerMessageID, multiBranch, true)
}

func (e *Engine) createBranch(parentNodeID NodeID, triggerMessageID conversation.MessageID, multiBranch bool, confirmed bool) ([]*Node, error) {
	if !confirmed {
		if existingID, exists := e.registry.ExistsBranch(parentNodeID, triggerMessageID); exists {
			notice := NewBranchExistsNotice(existingID, triggerMessageID, multiBranch)
			e.publishEvent(events.NewBranchExistsEvent(
				events.NewMetadata(parentNodeID.String(), triggerMessageID.String(), ""),
				existingID.String(), triggerMessageID.String(), multiBranch))
			return nil, &DuplicateBranchError{Notice: notice}
		}
	}

	// creation lock keyed by the trigger message: re-entrant double
	// invocation (duplicate event delivery) is a no-op
	e.mu.Lock()
	if _, locked := e.creating[triggerMessageID]; locked {
		e.mu.Unlock()
		log.Debug().Str("trigger_message_id", triggerMessageID.String()).Msg("branch creation already in progress, skipping")
		return nil, nil
	}
	e.creating[triggerMessageID] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.creating, triggerMessageID)
		e.mu.Unlock()
	}()

	parent, ok := e.registry.Get(parentNodeID)
	if !ok {
		return nil, ErrNodeNotFound
	}

	bounded, err := e.registry.GatherContextUpTo(parentNodeID, triggerMessageID)
	if err != nil {
		return nil, err
	}
	trigger := bounded[len(bounded)-1]

	targets, err := e.resolveTargets(parent, trigger, multiBranch)
	if err != nil {
		return nil, err
	}

	inherited := inheritedSlice(bounded, trigger)
	if multiBranch {
		// each fan-out branch gets only its own reply, never its siblings'
		inherited = withoutMessages(inherited, targets)
	}
	streaming := parent.StreamingMessages()

	var created []*Node
	var skippedExisting NodeID
	for _, target := range targets {
		branchPoint := triggerMessageID
		if multiBranch {
			// each fan-out branch hangs off its own reply so the
			// (parentNodeId, parentMessageId) pair stays unique
			branchPoint = target.ID
		}

		// a racing creation may have registered this target already; skip
		// just this one rather than aborting the batch
		if !confirmed {
			if existingID, exists := e.registry.ExistsBranch(parentNodeID, branchPoint); exists {
				log.Debug().
					Str("parent_node_id", parentNodeID.String()).
					Str("branch_point", branchPoint.String()).
					Str("existing_id", existingID.String()).
					Msg("branch for target already exists, skipping")
				skippedExisting = existingID
				continue
			}
		}

		node := e.buildBranchNode(parent, branchPoint, triggerMessageID, inherited, target, streaming, multiBranch)
		e.registry.Upsert(node)
		created = append(created, node)

		e.publishEvent(events.NewBranchCreatedEvent(
			events.NewMetadata(node.ID.String(), target.ID.String(), target.ModelID),
			node.ID.String(), parentNodeID.String(), triggerMessageID.String()))
		e.notifyBranchCreated(node)
	}

	// every target was a duplicate: surface the notice rather than returning
	// an empty result that looks like success
	if len(created) == 0 && skippedExisting != "" {
		notice := NewBranchExistsNotice(skippedExisting, triggerMessageID, multiBranch)
		e.publishEvent(events.NewBranchExistsEvent(
			events.NewMetadata(parentNodeID.String(), triggerMessageID.String(), ""),
			skippedExisting.String(), triggerMessageID.String(), multiBranch))
		return nil, &DuplicateBranchError{Notice: notice}
	}

	return created, nil
}

// buildBranchNode assembles one branch: inherited context, its own copy of
// the target reply, and independent duplicates of any in-flight streaming
// messages so generation continues inside the branch.
func (e *Engine) buildBranchNode(
	parent *Node,
	branchPoint conversation.MessageID,
	triggerMessageID conversation.MessageID,
	inherited conversation.Conversation,
	target *conversation.Message,
	streaming conversation.Conversation,
	multiBranch bool,
) *Node {
	nodeID := NewNodeID()

	branchTarget := clone.Clone(target).(*conversation.Message)
	branchMessages := conversation.Conversation{branchTarget}

	// only a target that is itself streaming in the parent gets mirrored;
	// fresh placeholders have no source stream to follow
	mirrors := map[conversation.MessageID]conversation.MessageID{}
	for _, src := range streaming {
		if src.ID == target.ID {
			mirrors[src.ID] = branchTarget.ID
			continue
		}
		if multiBranch && src.ModelID != "" && src.ModelID != target.ModelID {
			continue
		}
		dup := clone.Clone(src).(*conversation.Message)
		dup.ID = conversation.NewMessageID()
		branchMessages = append(branchMessages, dup)
		mirrors[src.ID] = dup.ID
	}

	node := NewNode(nodeID,
		WithParent(parent.ID, branchPoint),
		WithTriggerMessage(triggerMessageID),
		WithInheritedMessages(inherited...),
		WithBranchMessages(branchMessages...),
		WithSelectedModels(parent.SelectedModels...),
		WithMultiModelMode(parent.MultiModelMode),
	)

	if e.mirror != nil {
		for src, dst := range mirrors {
			e.mirror.Mirror(src, nodeID, dst)
		}
	}

	return node
}

// resolveTargets determines which assistant response(s) the new branch(es)
// start from, per the trigger role and fan-out mode.
func (e *Engine) resolveTargets(parent *Node, trigger *conversation.Message, multiBranch bool) (conversation.Conversation, error) {
	if trigger.Role == conversation.RoleAssistant {
		return conversation.Conversation{trigger}, nil
	}

	replies := pairedReplies(parent.Messages(), trigger)

	if !multiBranch {
		if len(replies) > 0 {
			return replies[:1], nil
		}
		// no reply yet: fall through to a single placeholder
		placeholders := e.placeholderReplies(parent, trigger)
		if len(placeholders) == 0 {
			return nil, ErrTargetNotFound
		}
		return placeholders[:1], nil
	}

	if len(replies) > 0 {
		return conversation.DeduplicateByModel(replies), nil
	}

	placeholders := e.placeholderReplies(parent, trigger)
	if len(placeholders) == 0 {
		return nil, ErrTargetNotFound
	}
	return placeholders, nil
}

// pairedReplies locates the assistant replies belonging to a user message,
// trying parentId match, shared groupId, then positional adjacency, in that
// preference order.
func pairedReplies(messages conversation.Conversation, trigger *conversation.Message) conversation.Conversation {
	var byParent conversation.Conversation
	for _, m := range messages {
		if m.Role == conversation.RoleAssistant && m.ParentID == trigger.ID {
			byParent = append(byParent, m)
		}
	}
	if len(byParent) > 0 {
		return byParent
	}

	if trigger.GroupID != "" {
		var byGroup conversation.Conversation
		for _, m := range messages {
			if m.Role == conversation.RoleAssistant && m.GroupID == trigger.GroupID {
				byGroup = append(byGroup, m)
			}
		}
		if len(byGroup) > 0 {
			return byGroup
		}
	}

	// positional adjacency: the run of assistant messages immediately
	// following the trigger
	var adjacent conversation.Conversation
	found := false
	for _, m := range messages {
		if m.ID == trigger.ID {
			found = true
			continue
		}
		if !found {
			continue
		}
		if m.Role != conversation.RoleAssistant {
			break
		}
		adjacent = append(adjacent, m)
	}
	return adjacent
}

// placeholderReplies creates one empty streaming assistant message per
// selected model, to be filled by the generation controller once each model
// responds.
func (e *Engine) placeholderReplies(parent *Node, trigger *conversation.Message) conversation.Conversation {
	groupID := uuid.NewString()

	var ret conversation.Conversation
	for _, model := range parent.SelectedModels {
		ret = append(ret, conversation.NewAssistantMessage(model, "",
			conversation.WithStreaming(),
			conversation.WithParentID(trigger.ID),
			conversation.WithGroupID(groupID),
		))
	}
	return ret
}

func withoutMessages(messages conversation.Conversation, excluded conversation.Conversation) conversation.Conversation {
	drop := make(map[conversation.MessageID]struct{}, len(excluded))
	for _, m := range excluded {
		drop[m.ID] = struct{}{}
	}
	ret := make(conversation.Conversation, 0, len(messages))
	for _, m := range messages {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		ret = append(ret, m)
	}
	return ret
}

// inheritedSlice is the ancestor+own context up to the trigger, inclusive,
// except that an assistant trigger is excluded: it becomes the first branch
// message instead, so the branch visibly starts with the response that
// prompted it.
func inheritedSlice(bounded conversation.Conversation, trigger *conversation.Message) conversation.Conversation {
	ret := make(conversation.Conversation, 0, len(bounded))
	for _, m := range bounded {
		if trigger.Role == conversation.RoleAssistant && m.ID == trigger.ID {
			continue
		}
		ret = append(ret, m)
	}
	return ret
}
