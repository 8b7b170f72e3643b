package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpharma/stockflow/pkg/idempotency"
)

func TestInboxRunsHandlerOnce(t *testing.T) {
	pool := newPool(t)
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), nil)
	ctx := context.Background()

	var calls int
	handler := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"id":"ord-1"}`), nil
	}

	key := idempotency.GenerateKey(time.Now(), "orders.create", "sup-1")
	payload := json.RawMessage(`{"supplier_id":"sup-1"}`)

	first, err := inbox.Process(ctx, key, "orders.create", payload, handler)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	// A retried request with the same key replays the stored result without
	// running the handler again.
	second, err := inbox.Process(ctx, key, "orders.create", payload, handler)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestInboxRecoversAfterTransientFailure(t *testing.T) {
	pool := newPool(t)
	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), nil)
	ctx := context.Background()

	key := idempotency.GenerateKey(time.Now(), "orders.create", "sup-2")
	payload := json.RawMessage(`{"supplier_id":"sup-2"}`)

	attempts := 0
	flaky := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		attempts++
		if attempts == 1 {
			return nil, assert.AnError
		}
		return json.RawMessage(`{"id":"ord-2"}`), nil
	}

	_, err := inbox.Process(ctx, key, "orders.create", payload, flaky)
	require.Error(t, err)

	// The transient failure left the entry RECOVERABLE, so a retry runs the
	// handler again and finishes.
	res, err := inbox.Process(ctx, key, "orders.create", payload, flaky)
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.Equal(t, 2, attempts)
}
