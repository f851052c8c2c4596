package inference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/bramble/pkg/conversation"
)

func drain(t *testing.T, engine Engine, model string) (string, error) {
	t.Helper()
	stream, err := engine.Generate(context.Background(), conversation.Conversation{
		conversation.NewUserMessage("hi"),
	}, model)
	require.NoError(t, err)

	text := ""
	for result := range stream {
		fragment, err := result.Value()
		if err != nil {
			return text, err
		}
		text += fragment
	}
	return text, nil
}

func TestMockEngineStreamsScriptedReply(t *testing.T) {
	engine := NewMockEngine(WithReply("model-a", "hello there friend"))

	text, err := drain(t, engine, "model-a")
	require.NoError(t, err)
	assert.Equal(t, "hello there friend", text)
}

func TestMockEngineFallsBackToDefaultReply(t *testing.T) {
	engine := NewMockEngine(WithDefaultReply("fallback"))

	text, err := drain(t, engine, "unscripted-model")
	require.NoError(t, err)
	assert.Equal(t, "fallback", text)
}

func TestMockEngineEmitsScriptedFailure(t *testing.T) {
	engine := NewMockEngine(WithFailure("model-a", assert.AnError))

	_, err := drain(t, engine, "model-a")
	assert.ErrorIs(t, err, assert.AnError)
}

func TestMockEngineRejectsEmptyContext(t *testing.T) {
	engine := NewMockEngine()

	_, err := engine.Generate(context.Background(), nil, "model-a")
	assert.Error(t, err)
}

func TestMockEngineStopsOnCancellation(t *testing.T) {
	engine := NewMockEngine(
		WithReply("model-a", "one two three four five six seven eight"),
		WithChunkDelay(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := engine.Generate(ctx, conversation.Conversation{
		conversation.NewUserMessage("hi"),
	}, "model-a")
	require.NoError(t, err)

	result, ok := <-stream
	require.True(t, ok)
	fragment, err := result.Value()
	require.NoError(t, err)
	assert.Equal(t, "one ", fragment)

	cancel()

	for range stream {
		// drain whatever was already in flight
	}
}
