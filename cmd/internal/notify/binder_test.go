package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"elaw/cmd/internal/auth/session"
	"elaw/cmd/internal/notify/feed"
)

func TestBinder_FollowsSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := feed.NewMemory(0)
	insert(t, src, feed.Record{ID: "n1", UserID: "7", CreatedAt: t0})
	store := session.NewStore(session.DefaultConfig())
	agg := New(src, nil)

	done := make(chan error, 1)
	go func() { done <- NewBinder(agg, store, nil).Run(ctx) }()

	require.NoError(t, store.SetSession(ctx, session.User{ID: "7"}, "tok", nil))
	require.Eventually(t, func() bool { return agg.Total() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "7", agg.Snapshot().UserID)

	require.NoError(t, store.Clear(ctx))
	require.Eventually(t, func() bool { return agg.Snapshot().UserID == "" }, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, agg.Total())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("binder did not stop")
	}
}
