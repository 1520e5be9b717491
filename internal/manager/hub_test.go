package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenHubCurrentTracksLatest(t *testing.T) {
	hub := NewTokenHub()

	_, ok := hub.Current()
	assert.False(t, ok)

	hub.Publish("tok-1")
	hub.Publish("") // blank updates are dropped
	hub.Publish("tok-2")

	tok, ok := hub.Current()
	require.True(t, ok)
	assert.Equal(t, "tok-2", tok)
}

func TestTokenHubWaitBlocksUntilFirstToken(t *testing.T) {
	hub := NewTokenHub()

	got := make(chan string, 1)
	go func() {
		tok, err := hub.Wait(context.Background())
		if err != nil {
			close(got)
			return
		}
		got <- tok
	}()

	time.Sleep(20 * time.Millisecond) // let the waiter park
	hub.Publish("tok-1")

	select {
	case tok := <-got:
		assert.Equal(t, "tok-1", tok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestTokenHubWaitHonorsContext(t *testing.T) {
	hub := NewTokenHub()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := hub.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenHubShutdownResolvesWaiters(t *testing.T) {
	hub := NewTokenHub()

	errCh := make(chan error, 1)
	go func() {
		_, err := hub.Wait(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	hub.Shutdown()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not resolved by shutdown")
	}

	hub.Shutdown() // idempotent
}

func TestTokenHubWaitReturnsExistingTokenAfterShutdown(t *testing.T) {
	hub := NewTokenHub()
	hub.Publish("tok-1")
	hub.Shutdown()

	tok, err := hub.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
}
