package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/runwire/runwire/runtime/model"
)

type fakeClient struct {
	streamErr   error
	streamCalls int
}

func (f *fakeClient) Stream(context.Context, *model.Request) (model.Streamer, error) {
	f.streamCalls++
	return nil, f.streamErr
}

func userRequest(text string) *model.Request {
	return &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: text}},
	}
}

func TestBackoffOnRateLimited(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{streamErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Stream(context.Background(), userRequest("hello"))
	require.ErrorIs(t, err, model.ErrRateLimited)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Less(t, limiter.currentTPM, initialTPM)
}

func TestBackoffFloors(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{streamErr: model.ErrRateLimited}
	wrapped := limiter.Middleware()(client)

	for i := 0; i < 20; i++ {
		_, _ = wrapped.Stream(context.Background(), userRequest("x"))
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, limiter.minTPM, limiter.currentTPM)
}

func TestProbeOnSuccess(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)

	limiter.mu.Lock()
	initialTPM := limiter.currentTPM
	limiter.recoveryRate = 1000
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Stream(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Greater(t, limiter.currentTPM, initialTPM)
}

func TestProbeStopsAtCeiling(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Stream(context.Background(), userRequest("hello"))
	require.NoError(t, err)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, 60000.0, limiter.currentTPM)
}

func TestOtherErrorsLeaveBudgetAlone(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 120000)
	initialTPM := limiter.currentTPM

	client := &fakeClient{streamErr: errors.New("boom")}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Stream(context.Background(), userRequest("hello"))
	require.EqualError(t, err, "boom")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Equal(t, initialTPM, limiter.currentTPM)
}

func TestRespectsContextWhenQueued(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60, 60)

	limiter.mu.Lock()
	// An impossible limiter so any request fails immediately instead of
	// relying on timing.
	limiter.limiter = rate.NewLimiter(0, 0)
	limiter.mu.Unlock()

	client := &fakeClient{}
	wrapped := limiter.Middleware()(client)

	_, err := wrapped.Stream(context.Background(), userRequest("hello"))
	require.Error(t, err)
	assert.Zero(t, client.streamCalls)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 500, estimateTokens(&model.Request{}))

	req := &model.Request{Messages: []model.Message{
		{Role: model.RoleUser, Content: "abcdef"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{Arguments: "xyz"}}},
	}}
	assert.Equal(t, 9/3+500, estimateTokens(req))
}

func TestMiddlewareChain(t *testing.T) {
	limiter := newAdaptiveRateLimiter(60000, 60000)
	client := &fakeClient{}
	wrapped := model.Chain(client, limiter.Middleware())

	_, err := wrapped.Stream(context.Background(), userRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, client.streamCalls)
}
