package app

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foreman/internal/repo"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	ctx, err := r.Start(context.Background(), "S1", "EPIC")
	require.NoError(t, err)

	_, err = r.Start(context.Background(), "S1", "EPIC")
	assert.ErrorIs(t, err, ErrSessionExists)

	boom := errors.New("catastrophic")
	require.NoError(t, r.Cancel("S1", boom))
	<-ctx.Done()
	assert.ErrorIs(t, context.Cause(ctx), boom)

	r.Finish("S1", boom)
	s, ok := r.Get("S1")
	require.True(t, ok)
	assert.Equal(t, SessionFailed, s.State)
	assert.Equal(t, "catastrophic", s.Error)
	assert.NotNil(t, s.FinishedAt)

	// A finished id may be reused.
	_, err = r.Start(context.Background(), "S1", "EPIC")
	assert.NoError(t, err)

	assert.ErrorIs(t, r.Cancel("nope", nil), ErrSessionNotFound)
}

func TestRegistryFinishStates(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"ok", "canceled"} {
		_, err := r.Start(context.Background(), id, "E")
		require.NoError(t, err)
	}
	r.Finish("ok", nil)
	r.Finish("canceled", context.Canceled)
	s, _ := r.Get("ok")
	assert.Equal(t, SessionSucceeded, s.State)
	s, _ = r.Get("canceled")
	assert.Equal(t, SessionCanceled, s.State)
	assert.Len(t, r.List(), 2)
}

func TestRegistryShutdown(t *testing.T) {
	r := NewRegistry()
	var ctxs []context.Context
	for _, id := range []string{"a", "b", "c"} {
		ctx, err := r.Start(context.Background(), id, "E")
		require.NoError(t, err)
		ctxs = append(ctxs, ctx)
	}
	r.Shutdown()
	for _, ctx := range ctxs {
		<-ctx.Done()
		assert.ErrorIs(t, context.Cause(ctx), ErrShutdown)
	}
	_, err := r.Start(context.Background(), "d", "E")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('A' + i%26))
			if _, err := r.Start(context.Background(), id+"-"+string(rune('a'+i/26)), "E"); err == nil {
				_ = r.List()
				r.Finish(id+"-"+string(rune('a'+i/26)), nil)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(), 50)
}

func TestOpenWorkspace(t *testing.T) {
	ws, err := OpenWorkspace(context.Background(), t.TempDir())
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, 50, ws.Config.Run.MaxIterations)
	_, err = ws.Repo.ListCards(context.Background(), repo.CardFilter{})
	assert.NoError(t, err)
}
