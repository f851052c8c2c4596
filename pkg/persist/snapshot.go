package persist

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/bramble/pkg/branch"
	"github.com/go-go-golems/bramble/pkg/conversation"
)

// NodeSnapshot is the serialized form of a branch. The flat Messages list is
// always written; the inherited/branch split is written too, but loaders
// tolerate its absence (older data shapes) and reconstruct it.
type NodeSnapshot struct {
	ID               branch.NodeID          `json:"id"`
	ParentNodeID     branch.NodeID          `json:"parentNodeId,omitempty"`
	ParentMessageID  conversation.MessageID `json:"parentMessageId,omitempty"`
	TriggerMessageID conversation.MessageID `json:"triggerMessageId,omitempty"`

	Messages          conversation.Conversation `json:"messages"`
	InheritedMessages conversation.Conversation `json:"inheritedMessages,omitempty"`
	BranchMessages    conversation.Conversation `json:"branchMessages,omitempty"`

	SelectedModels []string `json:"selectedModels,omitempty"`
	MultiModelMode bool     `json:"multiModelMode,omitempty"`
}

// Snapshot is the full persisted node and edge set handed to the persistence
// collaborator on structural changes.
type Snapshot struct {
	Nodes []NodeSnapshot                    `json:"nodes"`
	Edges []branch.Edge                     `json:"edges"`
	Links map[branch.NodeID][]branch.NodeID `json:"links,omitempty"`
}

// Export captures the registry's full state.
func Export(registry *branch.Registry) Snapshot {
	nodes := registry.Nodes()
	ret := Snapshot{
		Nodes: make([]NodeSnapshot, 0, len(nodes)),
		Edges: registry.Edges(),
		Links: registry.Links(),
	}

	for _, node := range nodes {
		ret.Nodes = append(ret.Nodes, NodeSnapshot{
			ID:                node.ID,
			ParentNodeID:      node.ParentNodeID,
			ParentMessageID:   node.ParentMessageID,
			TriggerMessageID:  node.TriggerMessageID,
			Messages:          node.Messages(),
			InheritedMessages: node.InheritedMessages,
			BranchMessages:    node.BranchMessages,
			SelectedModels:    node.SelectedModels,
			MultiModelMode:    node.MultiModelMode,
		})
	}

	return ret
}

// Restore rebuilds a registry from a snapshot. When a node's
// inherited/branch split was not persisted it is reconstructed by locating
// the parent message in the flat list; if that reference no longer resolves,
// the node is restored with empty inherited context rather than failing the
// load.
func Restore(snapshot Snapshot, options ...branch.RegistryOption) *branch.Registry {
	registry := branch.NewRegistry(options...)

	for _, ns := range snapshot.Nodes {
		inherited := ns.InheritedMessages
		branchMessages := ns.BranchMessages

		if len(inherited) == 0 && len(branchMessages) == 0 && len(ns.Messages) > 0 {
			inherited, branchMessages = splitMessages(ns)
		}

		conversation.Normalize(inherited)
		conversation.Normalize(branchMessages)

		trigger := ns.TriggerMessageID
		if trigger == "" {
			// older data shapes predate the trigger field
			trigger = ns.ParentMessageID
		}

		node := branch.NewNode(ns.ID,
			branch.WithParent(ns.ParentNodeID, ns.ParentMessageID),
			branch.WithTriggerMessage(trigger),
			branch.WithInheritedMessages(inherited...),
			branch.WithBranchMessages(branchMessages...),
			branch.WithSelectedModels(ns.SelectedModels...),
			branch.WithMultiModelMode(ns.MultiModelMode),
		)
		registry.Upsert(node)
	}

	for source, targets := range snapshot.Links {
		for _, target := range targets {
			registry.Link(source, target)
		}
	}

	return registry
}

// splitMessages reconstructs the inherited/branch split of a flat message
// list, best-effort. The branch point goes to the inherited side when it is
// a user message and to the branch side when it is the assistant reply the
// branch starts with, mirroring how branches are created.
func splitMessages(ns NodeSnapshot) (conversation.Conversation, conversation.Conversation) {
	if ns.ParentNodeID == "" {
		// root: everything is branch-local
		return nil, ns.Messages
	}

	for i, m := range ns.Messages {
		if m.ID != ns.ParentMessageID {
			continue
		}
		if m.ModelID != "" {
			return ns.Messages[:i], ns.Messages[i:]
		}
		return ns.Messages[:i+1], ns.Messages[i+1:]
	}

	log.Warn().
		Str("node_id", ns.ID.String()).
		Str("parent_message_id", ns.ParentMessageID.String()).
		Err(branch.ErrInvalidMessageReference).
		Msg("restoring node with empty inherited context")

	return nil, ns.Messages
}

// SaveToFile writes the snapshot as indented JSON.
func (s Snapshot) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

// LoadFromFile reads a snapshot previously written by SaveToFile.
func LoadFromFile(filename string) (Snapshot, error) {
	var ret Snapshot
	data, err := os.ReadFile(filename)
	if err != nil {
		return ret, err
	}
	err = json.Unmarshal(data, &ret)
	return ret, err
}
