package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart to EventTypeFinal cover a single streaming generation.
	EventTypeStart             EventType = "start"
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeInterrupt         EventType = "interrupt"
	EventTypeError             EventType = "error"

	// Structural events emitted by the branching engine.
	EventTypeBranchCreated EventType = "branch-created"
	EventTypeBranchExists  EventType = "branch-exists"

	EventTypeInfo EventType = "info"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`

	// raw JSON the event was decoded from (see NewEventFromJson)
	payload []byte
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

var _ Event = &EventImpl{}

// EventMetadata identifies which node, message and model an event belongs to.
// Node and message IDs are carried as plain strings so that downstream
// consumers do not need the engine's types to correlate events.
type EventMetadata struct {
	ID        uuid.UUID `json:"event_id"`
	NodeID    string    `json:"node_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`

	Extra map[string]interface{} `json:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.NodeID != "" {
		e.Str("node_id", em.NodeID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.GroupID != "" {
		e.Str("group_id", em.GroupID)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}

func NewMetadata(nodeID, messageID, model string) EventMetadata {
	return EventMetadata{
		ID:        uuid.New(),
		NodeID:    nodeID,
		MessageID: messageID,
		Model:     model,
	}
}

type EventStart struct {
	EventImpl
}

func NewStartEvent(metadata EventMetadata) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
	}
}

var _ Event = &EventStart{}

type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the full partial text so far.
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

var _ Event = &EventPartialCompletion{}

type EventFinal struct {
	EventImpl
	Text string `json:"text"`
}

func NewFinalEvent(metadata EventMetadata, text string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventFinal{}

type EventInterrupt struct {
	EventImpl
	// Text is the partial content the generation was finalized with.
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

var _ Event = &EventInterrupt{}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		ErrorString: err.Error(),
	}
}

var _ Event = &EventError{}

type EventBranchCreated struct {
	EventImpl
	BranchID         string `json:"branch_id"`
	ParentBranchID   string `json:"parent_branch_id"`
	TriggerMessageID string `json:"trigger_message_id"`
}

func NewBranchCreatedEvent(metadata EventMetadata, branchID, parentBranchID, triggerMessageID string) *EventBranchCreated {
	return &EventBranchCreated{
		EventImpl:        EventImpl{Type_: EventTypeBranchCreated, Metadata_: metadata},
		BranchID:         branchID,
		ParentBranchID:   parentBranchID,
		TriggerMessageID: triggerMessageID,
	}
}

var _ Event = &EventBranchCreated{}

// EventBranchExists is the warning surfaced instead of silently duplicating a
// branch. The caller decides whether to confirm the creation.
type EventBranchExists struct {
	EventImpl
	ExistingBranchID string `json:"existing_branch_id"`
	TriggerMessageID string `json:"trigger_message_id"`
	MultiBranch      bool   `json:"multi_branch"`
}

func NewBranchExistsEvent(metadata EventMetadata, existingBranchID, triggerMessageID string, multiBranch bool) *EventBranchExists {
	return &EventBranchExists{
		EventImpl:        EventImpl{Type_: EventTypeBranchExists, Metadata_: metadata},
		ExistingBranchID: existingBranchID,
		TriggerMessageID: triggerMessageID,
		MultiBranch:      multiBranch,
	}
}

var _ Event = &EventBranchExists{}

type EventInfo struct {
	EventImpl
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func NewInfoEvent(metadata EventMetadata, message string, data map[string]interface{}) *EventInfo {
	return &EventInfo{
		EventImpl: EventImpl{Type_: EventTypeInfo, Metadata_: metadata},
		Message:   message,
		Data:      data,
	}
}

var _ Event = &EventInfo{}

func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}

	e.payload = b

	switch e.Type_ {
	case EventTypeStart:
		ret, ok := ToTypedEvent[EventStart](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventStart")
		}
		return ret, nil
	case EventTypePartialCompletion:
		ret, ok := ToTypedEvent[EventPartialCompletion](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventPartialCompletion")
		}
		return ret, nil
	case EventTypeFinal:
		ret, ok := ToTypedEvent[EventFinal](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventFinal")
		}
		return ret, nil
	case EventTypeInterrupt:
		ret, ok := ToTypedEvent[EventInterrupt](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventInterrupt")
		}
		return ret, nil
	case EventTypeError:
		ret, ok := ToTypedEvent[EventError](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventError")
		}
		return ret, nil
	case EventTypeBranchCreated:
		ret, ok := ToTypedEvent[EventBranchCreated](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventBranchCreated")
		}
		return ret, nil
	case EventTypeBranchExists:
		ret, ok := ToTypedEvent[EventBranchExists](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventBranchExists")
		}
		return ret, nil
	case EventTypeInfo:
		ret, ok := ToTypedEvent[EventInfo](e)
		if !ok {
			return nil, fmt.Errorf("could not cast event to EventInfo")
		}
		return ret, nil
	}

	return e, nil
}

func ToTypedEvent[T any](e Event) (*T, bool) {
	var ret *T
	err := json.Unmarshal(e.Payload(), &ret)
	if err != nil {
		return nil, false
	}

	return ret, true
}

func (e EventPartialCompletion) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("delta", e.Delta).Str("completion", e.Completion)
}

func (e EventFinal) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventInterrupt) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("text", e.Text)
}

func (e EventError) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("error", e.ErrorString)
}

func (e EventBranchCreated) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("branch_id", e.BranchID).Str("parent_branch_id", e.ParentBranchID).Str("trigger_message_id", e.TriggerMessageID)
}

func (e EventBranchExists) MarshalZerologObject(ev *zerolog.Event) {
	e.EventImpl.MarshalZerologObject(ev)
	ev.Str("existing_branch_id", e.ExistingBranchID).Str("trigger_message_id", e.TriggerMessageID).Bool("multi_branch", e.MultiBranch)
}
