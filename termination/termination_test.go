package termination

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestWait_ContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Check(t, Wait(ctx))
}
