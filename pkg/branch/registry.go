package branch

import (
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/bramble/pkg/conversation"
)

// Edge links a parent branch to a child branch.
type Edge struct {
	From NodeID `json:"from"`
	To   NodeID `json:"to"`
}

// Registry holds the full set of conversation branches.
//
// Children are indexed incrementally on upsert rather than recomputed by
// scanning all nodes. All mutation goes through the registry's lock; no
// ambient global state.
type Registry struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Node
	children map[NodeID][]NodeID
	// links are the non-tree context associations between branches
	links map[NodeID][]NodeID

	onChange       func(nodes []*Node, edges []Edge)
	changeDebounce time.Duration
	changeTimer    *time.Timer
}

type RegistryOption func(*Registry)

// WithChangeHook registers a collaborator callback (persistence, layout)
// invoked with the full node and edge set after structural changes. Calls are
// debounced so a burst of mutations is observed once.
func WithChangeHook(debounce time.Duration, hook func(nodes []*Node, edges []Edge)) RegistryOption {
	return func(r *Registry) {
		r.onChange = hook
		r.changeDebounce = debounce
	}
}

// NewRegistry creates a registry seeded with the root "main" node.
func NewRegistry(options ...RegistryOption) *Registry {
	ret := &Registry{
		nodes:    make(map[NodeID]*Node),
		children: make(map[NodeID][]NodeID),
		links:    make(map[NodeID][]NodeID),
	}

	for _, option := range options {
		option(ret)
	}

	ret.nodes[RootNodeID] = NewNode(RootNodeID)

	return ret
}

func (r *Registry) Get(id NodeID) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[id]
	return node, ok
}

// Upsert registers or replaces a node and maintains the children index.
func (r *Registry) Upsert(node *Node) {
	r.mu.Lock()
	_, existed := r.nodes[node.ID]
	r.nodes[node.ID] = node
	if !existed && node.ParentNodeID != "" {
		r.children[node.ParentNodeID] = append(r.children[node.ParentNodeID], node.ID)
	}
	r.mu.Unlock()

	r.notifyChanged()
}

func (r *Registry) ChildrenOf(id NodeID) []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]NodeID, len(r.children[id]))
	copy(ret, r.children[id])
	return ret
}

// ExistsBranch reports whether a branch already hangs off the given
// (parentNodeID, messageID) pair, either directly or as the trigger of a
// fan-out sibling. This is the single source of truth for duplicate
// detection.
func (r *Registry) ExistsBranch(parentNodeID NodeID, messageID conversation.MessageID) (NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, childID := range r.children[parentNodeID] {
		child := r.nodes[childID]
		if child == nil {
			continue
		}
		if child.ParentMessageID == messageID || child.TriggerMessageID == messageID {
			return childID, true
		}
	}
	return "", false
}

// Nodes returns all nodes, root first, then sorted by ID for determinism.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodesLocked()
}

func (r *Registry) nodesLocked() []*Node {
	ret := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		ret = append(ret, node)
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].ID == RootNodeID {
			return true
		}
		if ret[j].ID == RootNodeID {
			return false
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

// Edges derives the edge set from parent pointers.
func (r *Registry) Edges() []Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.edgesLocked()
}

func (r *Registry) edgesLocked() []Edge {
	var ret []Edge
	for _, node := range r.nodesLocked() {
		if node.ParentNodeID != "" {
			ret = append(ret, Edge{From: node.ParentNodeID, To: node.ID})
		}
	}
	return ret
}

// Link records a non-tree context association: source's context will include
// target's messages.
func (r *Registry) Link(sourceID, targetID NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.links[sourceID] {
		if existing == targetID {
			return
		}
	}
	r.links[sourceID] = append(r.links[sourceID], targetID)
}

func (r *Registry) LinksFor(sourceID NodeID) []NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]NodeID, len(r.links[sourceID]))
	copy(ret, r.links[sourceID])
	return ret
}

// Links returns a copy of the full link relation, for serialization.
func (r *Registry) Links() map[NodeID][]NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make(map[NodeID][]NodeID, len(r.links))
	for source, targets := range r.links {
		cp := make([]NodeID, len(targets))
		copy(cp, targets)
		ret[source] = cp
	}
	return ret
}

// notifyChanged schedules the debounced change hook. The deferred delivery
// batches registry mutations before downstream consumers observe them.
func (r *Registry) notifyChanged() {
	if r.onChange == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.changeTimer != nil {
		r.changeTimer.Stop()
	}
	r.changeTimer = time.AfterFunc(r.changeDebounce, func() {
		r.mu.RLock()
		nodes := r.nodesLocked()
		edges := r.edgesLocked()
		r.mu.RUnlock()
		r.onChange(nodes, edges)
	})
}
