package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDerivesRoleFromModelID(t *testing.T) {
	msgs := Conversation{
		{ID: "a", Text: "hi", Role: RoleAssistant},
		{ID: "b", Text: "hello", ModelID: "gpt-4o", Role: RoleUser},
	}

	Normalize(msgs)

	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestNormalizePassesBranchMarkerThrough(t *testing.T) {
	notice := &Message{ID: "n", Text: BranchMarkerPrefix + "branched from main", Role: RoleAssistant}

	Normalize(Conversation{notice})

	assert.Equal(t, RoleAssistant, notice.Role)
}

func TestDeduplicateByIDKeepsFirstOccurrence(t *testing.T) {
	first := &Message{ID: "a", Text: "first"}
	msgs := Conversation{
		first,
		{ID: "b", Text: "second"},
		{ID: "a", Text: "copy"},
	}

	ret := DeduplicateByID(msgs)

	require.Len(t, ret, 2)
	assert.Same(t, first, ret[0])
	assert.Equal(t, MessageID("b"), ret[1].ID)
}

func TestDeduplicateByModelKeepsOneReplyPerModel(t *testing.T) {
	msgs := Conversation{
		NewAssistantMessage("model-a", "one"),
		NewAssistantMessage("model-b", "two"),
		NewAssistantMessage("model-a", "three"),
		NewUserMessage("plain"),
		NewUserMessage("plain again"),
	}

	ret := DeduplicateByModel(msgs)

	require.Len(t, ret, 4)
	assert.Equal(t, "one", ret[0].Text)
	assert.Equal(t, "two", ret[1].Text)
	assert.Equal(t, RoleUser, ret[2].Role)
}

func TestContentPrefersStreamingTextWhileInFlight(t *testing.T) {
	m := NewAssistantMessage("model-a", "", WithStreaming())
	m.StreamingText = "partial"

	assert.Equal(t, "partial", m.Content())

	m.Text = "final"
	m.IsStreaming = false
	m.StreamingText = ""
	assert.Equal(t, "final", m.Content())
}
