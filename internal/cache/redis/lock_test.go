package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/metamarket/internal/domain"
)

// scriptedHook answers commands without a server: SET NX reports acquired,
// unlock scripts fail with unlockErr.
type scriptedHook struct {
	acquired  bool
	unlockErr error

	mu      sync.Mutex
	unlocks int
}

func (h *scriptedHook) DialHook(next goredis.DialHook) goredis.DialHook { return next }

func (h *scriptedHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		switch cmd.Name() {
		case "set":
			if c, ok := cmd.(*goredis.BoolCmd); ok {
				c.SetVal(h.acquired)
			}
			return nil
		case "evalsha", "eval":
			h.mu.Lock()
			h.unlocks++
			h.mu.Unlock()
			cmd.SetErr(h.unlockErr)
			return h.unlockErr
		}
		return next(ctx, cmd)
	}
}

func (h *scriptedHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return next
}

func newHookedClient(t *testing.T, h *scriptedHook) *Client {
	t.Helper()
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	rdb.AddHook(h)
	t.Cleanup(func() { _ = rdb.Close() })
	return &Client{rdb: rdb, addr: "127.0.0.1:0"}
}

func TestUnlockErrorIsReportedOnce(t *testing.T) {
	h := &scriptedHook{acquired: true, unlockErr: errors.New("connection reset")}
	lm := NewLockManager(newHookedClient(t, h))

	var mu sync.Mutex
	var keys []string
	lm.OnUnlockError(func(key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		assert.ErrorContains(t, err, "connection reset")
	})

	unlock, err := lm.Acquire(context.Background(), "trade:0xaaa:7", time.Minute)
	require.NoError(t, err)
	unlock()
	unlock()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"trade:0xaaa:7"}, keys)
	assert.Equal(t, 1, h.unlocks)
}

func TestAcquireHeldLock(t *testing.T) {
	lm := NewLockManager(newHookedClient(t, &scriptedHook{acquired: false}))
	_, err := lm.Acquire(context.Background(), "faucet:0xaaa", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}
