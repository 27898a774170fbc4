package tm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

type ctxKey struct{}

func TestHoldInterruptsIgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "session"))
	held := holdInterrupts(ctx)
	cancel()

	assert.NotNil(t, ctx.Err())
	assert.Nil(t, held.Err(), "a held context is never cancelled")
	assert.Equal(t, "session", held.Value(ctxKey{}), "values survive the hold")

	assert.Equal(t, context.Canceled, checkForInterrupts(ctx, "100-0000000001"), "the cancellation stays pending")
	assert.Nil(t, checkForInterrupts(held, "100-0000000001"))
}
