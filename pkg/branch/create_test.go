package branch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/bramble/pkg/conversation"
)

// Scenario: main holds [user:"hi", assistant:"hello"]; branching from the
// assistant reply inherits the user message and starts with the reply.
func TestCreateBranchFromAssistantMessage(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	hello := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(hello)

	created, err := engine.CreateBranch(RootNodeID, hello.ID, false)
	require.NoError(t, err)
	require.Len(t, created, 1)

	node := created[0]
	assert.Equal(t, RootNodeID, node.ParentNodeID)
	assert.Equal(t, hello.ID, node.ParentMessageID)
	assert.Equal(t, []conversation.MessageID{hi.ID}, messageIDs(node.InheritedMessages))
	require.Len(t, node.BranchMessages, 1)
	assert.Equal(t, hello.ID, node.BranchMessages[0].ID)
	assert.Equal(t, "hello", node.BranchMessages[0].Text)
	require.NoError(t, node.Validate())

	// the branch holds its own copy, not the parent's message
	assert.NotSame(t, hello, node.BranchMessages[0])
}

func TestCreateBranchTwiceYieldsDuplicateNotice(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	hello := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(hello)

	created, err := engine.CreateBranch(RootNodeID, hello.ID, false)
	require.NoError(t, err)
	require.Len(t, created, 1)
	countBefore := len(registry.Nodes())

	_, err = engine.CreateBranch(RootNodeID, hello.ID, false)
	require.Error(t, err)

	dup, ok := IsDuplicateBranch(err)
	require.True(t, ok)
	assert.Equal(t, created[0].ID, dup.Notice.ExistingBranchID)
	assert.Equal(t, hello.ID, dup.Notice.TriggerMessageID)
	assert.Len(t, registry.Nodes(), countBefore)
}

func TestCreateBranchConfirmedBypassesGuardOnce(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	hello := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(hello)

	first, err := engine.CreateBranch(RootNodeID, hello.ID, false)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := engine.CreateBranchConfirmed(RootNodeID, hello.ID, false)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestCreateBranchFromUserMessagePicksPairedReply(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	replyA := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	replyB := conversation.NewAssistantMessage("model-b", "howdy", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(replyA, replyB)

	created, err := engine.CreateBranch(RootNodeID, hi.ID, false)
	require.NoError(t, err)
	require.Len(t, created, 1)

	node := created[0]
	assert.Equal(t, hi.ID, node.ParentMessageID)
	assert.Equal(t, []conversation.MessageID{hi.ID}, messageIDs(node.InheritedMessages))
	require.Len(t, node.BranchMessages, 1)
	assert.Equal(t, "model-a", node.BranchMessages[0].ModelID)
}

// Scenario: main holds [user:"hi"], two models selected, no replies yet;
// multi-branch creates one branch per model with a streaming placeholder.
func TestMultiBranchFanOutWithoutReplies(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	root, _ := registry.Get(RootNodeID)
	root.SelectedModels = []string{"model-a", "model-b"}
	root.MultiModelMode = true

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")

	created, err := engine.CreateBranch(RootNodeID, hi.ID, true)
	require.NoError(t, err)
	require.Len(t, created, 2)

	seenModels := map[string]bool{}
	for _, node := range created {
		assert.Equal(t, []conversation.MessageID{hi.ID}, messageIDs(node.InheritedMessages))
		require.Len(t, node.BranchMessages, 1)
		placeholder := node.BranchMessages[0]
		assert.True(t, placeholder.IsStreaming)
		assert.Empty(t, placeholder.Text)
		assert.Equal(t, conversation.RoleAssistant, placeholder.Role)
		seenModels[placeholder.ModelID] = true
		require.NoError(t, node.Validate())
	}
	assert.Len(t, seenModels, 2)
}

// Repeating a multi-branch fan-out from the same user message must be caught
// even though each sibling hangs off its own reply rather than the trigger.
func TestMultiBranchFanOutTwiceYieldsDuplicateNotice(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	root, _ := registry.Get(RootNodeID)
	root.SelectedModels = []string{"model-a", "model-b"}
	root.MultiModelMode = true

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")

	first, err := engine.CreateBranch(RootNodeID, hi.ID, true)
	require.NoError(t, err)
	require.Len(t, first, 2)
	for _, node := range first {
		assert.Equal(t, hi.ID, node.TriggerMessageID)
	}
	countBefore := len(registry.Nodes())

	second, err := engine.CreateBranch(RootNodeID, hi.ID, true)
	require.Error(t, err)
	assert.Nil(t, second)

	dup, ok := IsDuplicateBranch(err)
	require.True(t, ok)
	assert.Equal(t, hi.ID, dup.Notice.TriggerMessageID)
	assert.True(t, dup.Notice.MultiBranch)
	assert.Len(t, registry.Nodes(), countBefore)
	assert.Len(t, registry.ChildrenOf(RootNodeID), 2)
}

// When every resolved target already has a branch, the caller gets a
// duplicate notice rather than an empty result that looks like success.
func TestMultiBranchAllTargetsAlreadyBranched(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	replyA := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	replyB := conversation.NewAssistantMessage("model-b", "howdy", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(replyA, replyB)

	_, err := engine.CreateBranch(RootNodeID, replyA.ID, false)
	require.NoError(t, err)
	_, err = engine.CreateBranch(RootNodeID, replyB.ID, false)
	require.NoError(t, err)
	countBefore := len(registry.Nodes())

	created, err := engine.CreateBranch(RootNodeID, hi.ID, true)
	require.Error(t, err)
	assert.Nil(t, created)

	dup, ok := IsDuplicateBranch(err)
	require.True(t, ok)
	assert.Equal(t, hi.ID, dup.Notice.TriggerMessageID)
	assert.True(t, dup.Notice.MultiBranch)
	assert.Len(t, registry.Nodes(), countBefore)
}

func TestMultiBranchFanOutWithExistingReplies(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	replyA := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	replyB := conversation.NewAssistantMessage("model-b", "howdy", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(replyA, replyB)

	created, err := engine.CreateBranch(RootNodeID, hi.ID, true)
	require.NoError(t, err)
	require.Len(t, created, 2)

	for _, node := range created {
		// each branch gets only its own reply, not its siblings'
		require.Len(t, node.BranchMessages, 1)
		assert.Equal(t, []conversation.MessageID{hi.ID}, messageIDs(node.InheritedMessages))
	}
	assert.Equal(t, "model-a", created[0].BranchMessages[0].ModelID)
	assert.Equal(t, "model-b", created[1].BranchMessages[0].ModelID)
}

// Scenario: branching from a nonexistent message fails cleanly and does not
// leave the creation lock held.
func TestCreateBranchTargetNotFound(t *testing.T) {
	registry := NewRegistry()
	engine := NewEngine(registry)

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	hello := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(hello)

	countBefore := len(registry.Nodes())

	_, err := engine.CreateBranch(RootNodeID, "nonexistent-id", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTargetNotFound)
	assert.Len(t, registry.Nodes(), countBefore)

	// a subsequent valid call succeeds immediately
	created, err := engine.CreateBranch(RootNodeID, hello.ID, false)
	require.NoError(t, err)
	assert.Len(t, created, 1)
}

type recordingMirrorer struct {
	mirrored []struct {
		src    conversation.MessageID
		nodeID NodeID
		dst    conversation.MessageID
	}
}

func (r *recordingMirrorer) Mirror(src conversation.MessageID, nodeID NodeID, dst conversation.MessageID) {
	r.mirrored = append(r.mirrored, struct {
		src    conversation.MessageID
		nodeID NodeID
		dst    conversation.MessageID
	}{src, nodeID, dst})
}

func TestCreateBranchDuplicatesStreamingMessages(t *testing.T) {
	registry := NewRegistry()
	mirrorer := &recordingMirrorer{}
	engine := NewEngine(registry, WithStreamMirrorer(mirrorer))

	hi, _ := engine.AddUserMessage(RootNodeID, "hi")
	hello := conversation.NewAssistantMessage("model-a", "hello", conversation.WithParentID(hi.ID))
	streaming := conversation.NewAssistantMessage("model-b", "", conversation.WithStreaming())
	streaming.StreamingText = "partial"
	root, _ := registry.Get(RootNodeID)
	root.AppendBranchMessages(hello, streaming)

	created, err := engine.CreateBranch(RootNodeID, hello.ID, false)
	require.NoError(t, err)
	require.Len(t, created, 1)

	node := created[0]
	require.Len(t, node.BranchMessages, 2)

	dup := node.BranchMessages[1]
	assert.NotEqual(t, streaming.ID, dup.ID)
	assert.True(t, dup.IsStreaming)
	assert.Equal(t, "partial", dup.StreamingText)
	assert.Equal(t, "model-b", dup.ModelID)

	require.Len(t, mirrorer.mirrored, 1)
	assert.Equal(t, streaming.ID, mirrorer.mirrored[0].src)
	assert.Equal(t, node.ID, mirrorer.mirrored[0].nodeID)
	assert.Equal(t, dup.ID, mirrorer.mirrored[0].dst)
}

func TestBranchExistsNoticeIsPure(t *testing.T) {
	notice := NewBranchExistsNotice("branch-1", "msg-1", true)
	assert.Equal(t, NodeID("branch-1"), notice.ExistingBranchID)
	assert.Equal(t, conversation.MessageID("msg-1"), notice.TriggerMessageID)
	assert.True(t, notice.MultiBranch)
}
