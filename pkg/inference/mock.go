package inference

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/bramble/pkg/conversation"
	"github.com/go-go-golems/bramble/pkg/helpers"
)

// MockEngine is a scripted inference engine for tests and demos. It splits a
// per-model scripted reply into word fragments and streams them, honoring
// context cancellation between fragments.
type MockEngine struct {
	replies map[string]string
	// fallback reply used when a model has no script
	defaultReply string
	delay        time.Duration
	failModels   map[string]error
}

type MockEngineOption func(*MockEngine)

func WithReply(model string, reply string) MockEngineOption {
	return func(m *MockEngine) {
		m.replies[model] = reply
	}
}

func WithDefaultReply(reply string) MockEngineOption {
	return func(m *MockEngine) {
		m.defaultReply = reply
	}
}

func WithChunkDelay(delay time.Duration) MockEngineOption {
	return func(m *MockEngine) {
		m.delay = delay
	}
}

func WithFailure(model string, err error) MockEngineOption {
	return func(m *MockEngine) {
		m.failModels[model] = err
	}
}

func NewMockEngine(options ...MockEngineOption) *MockEngine {
	ret := &MockEngine{
		replies:      make(map[string]string),
		defaultReply: "mock response",
		failModels:   make(map[string]error),
	}

	for _, option := range options {
		option(ret)
	}

	return ret
}

func (m *MockEngine) Generate(ctx context.Context, messages conversation.Conversation, model string) (<-chan helpers.Result[string], error) {
	if len(messages) == 0 {
		return nil, errors.New("empty context")
	}

	out := make(chan helpers.Result[string])

	go func() {
		defer close(out)

		if err, ok := m.failModels[model]; ok {
			select {
			case out <- helpers.NewErrorResult[string](err):
			case <-ctx.Done():
			}
			return
		}

		reply, ok := m.replies[model]
		if !ok {
			reply = m.defaultReply
		}

		words := strings.SplitAfter(reply, " ")
		for _, word := range words {
			if m.delay > 0 {
				select {
				case <-time.After(m.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- helpers.NewValueResult(word):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

var _ Engine = (*MockEngine)(nil)
