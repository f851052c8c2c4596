package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MessageID string

func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

func (id MessageID) String() string {
	return string(id)
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in a conversation branch.
//
// Role is derived: a message carries a ModelID if and only if it is an
// assistant message. Nothing outside this package should set Role directly;
// constructors and Normalize are the only writers.
type Message struct {
	ID       MessageID `json:"id"`
	ParentID MessageID `json:"parentId,omitempty"`
	// GroupID ties together parallel responses to the same prompt from
	// different models.
	GroupID string `json:"groupId,omitempty"`
	Role    Role   `json:"role"`
	// ModelID is set only on assistant messages.
	ModelID string `json:"modelId,omitempty"`

	Text string `json:"text"`
	// StreamingText holds in-flight partial content while IsStreaming is true.
	StreamingText string `json:"streamingText,omitempty"`
	IsStreaming   bool   `json:"isStreaming,omitempty"`

	Time time.Time `json:"time"`
}

type MessageOption func(*Message)

func WithID(id MessageID) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithParentID(parentID MessageID) MessageOption {
	return func(m *Message) {
		m.ParentID = parentID
	}
}

func WithGroupID(groupID string) MessageOption {
	return func(m *Message) {
		m.GroupID = groupID
	}
}

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Time = t
	}
}

func WithStreaming() MessageOption {
	return func(m *Message) {
		m.IsStreaming = true
	}
}

func NewUserMessage(text string, options ...MessageOption) *Message {
	ret := &Message{
		ID:   NewMessageID(),
		Role: RoleUser,
		Text: text,
		Time: time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func NewAssistantMessage(modelID string, text string, options ...MessageOption) *Message {
	ret := &Message{
		ID:      NewMessageID(),
		Role:    RoleAssistant,
		ModelID: modelID,
		Text:    text,
		Time:    time.Now(),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

// Content returns the finalized text, or the partial streaming text while
// generation is in flight.
func (m *Message) Content() string {
	if m.IsStreaming && m.Text == "" {
		return m.StreamingText
	}
	return m.Text
}

func (m *Message) View() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content(), "\n"))
}

type Conversation []*Message

// GetSinglePrompt concatenates all the messages together with a role prefix
// in front of each (unless there is a single message).
func (messages Conversation) GetSinglePrompt() string {
	if len(messages) == 0 {
		return ""
	}

	if len(messages) == 1 {
		return messages[0].Content()
	}

	prompt := ""
	for _, message := range messages {
		prompt += fmt.Sprintf("[%s]: %s\n", message.Role, message.Content())
	}

	return prompt
}
