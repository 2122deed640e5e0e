package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"modbot/command"
	"modbot/gateway"
	"modbot/host"
	"modbot/module"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for the reader goroutine and the test
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type tokenStore struct {
	mu     sync.Mutex
	tokens []string
	err    error
}

func (s *tokenStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *tokenStore) saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)

	assert.Equal(t, []string{"clear", "help", "settoken", "shutdown", "stop"}, c.Commands())

	require.True(t, c.Dispatch(context.Background(), "help"))
	for _, name := range c.Commands() {
		assert.Contains(t, out.String(), name)
	}

	assert.False(t, c.Dispatch(context.Background(), "frobnicate now"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	assert.False(t, c.Dispatch(context.Background(), "   "))
}

func TestShutdownAndStop(t *testing.T) {
	t.Parallel()

	var calls int
	out := &syncBuffer{}
	c := New(strings.NewReader(""), out, WithShutdown(func() { calls++ }))

	c.Dispatch(context.Background(), "shutdown")
	c.Dispatch(context.Background(), "/stop")
	assert.Equal(t, 2, calls)

	bare := New(strings.NewReader(""), out)
	bare.Dispatch(context.Background(), "stop")
	assert.Contains(t, out.String(), "shutdown is not available")
}

func TestHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)
	c.Register("boom", "", func(context.Context, []string) error { panic("kaboom") })

	assert.True(t, c.Dispatch(context.Background(), "boom"))
	assert.Contains(t, out.String(), "command panic: kaboom")
}

func TestSetTokenPersists(t *testing.T) {
	t.Parallel()

	store := &tokenStore{}
	out := &syncBuffer{}
	c := New(strings.NewReader(""), out, WithTokenStore(store))

	c.Dispatch(context.Background(), "settoken")
	assert.Contains(t, out.String(), "No token provided")
	assert.Empty(t, store.saved())

	c.Dispatch(context.Background(), "settoken abc")
	assert.Equal(t, []string{"abc"}, store.saved())
	assert.Contains(t, out.String(), "used on next start")

	store.err = errors.New("read-only")
	c.Dispatch(context.Background(), "settoken def")
	assert.Contains(t, out.String(), "failed to save token")
}

func TestSetTokenSatisfiesPendingPrompt(t *testing.T) {
	t.Parallel()

	store := &tokenStore{}
	in, feed := io.Pipe()
	defer feed.Close()

	c := New(in, &syncBuffer{}, WithTokenStore(store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	got := make(chan string, 1)
	go func() {
		token, err := c.WaitToken(ctx)
		if err == nil {
			got <- token
		}
	}()

	// the prompt may not be waiting yet; keep offering until it takes one
	deadline := time.After(5 * time.Second)
	for {
		_, err := io.WriteString(feed, "settoken fresh-token\n")
		require.NoError(t, err)

		select {
		case token := <-got:
			assert.Equal(t, "fresh-token", token)
			assert.Contains(t, store.saved(), "fresh-token")
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("prompt never received the token")
		}
	}
}

func TestWaitTokenEndsWithInput(t *testing.T) {
	t.Parallel()

	c := New(strings.NewReader("help\n"), &syncBuffer{})
	require.NoError(t, c.Run(context.Background()))

	_, err := c.WaitToken(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	in, feed := io.Pipe()
	defer feed.Close()
	c := New(in, &syncBuffer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

type fakeHost struct {
	units    []*host.Unit
	registry *command.Registry
	stopped  bool
}

func (f *fakeHost) Units() []*host.Unit         { return f.units }
func (f *fakeHost) Registry() *command.Registry { return f.registry }
func (f *fakeHost) RequestShutdown()            { f.stopped = true }

func TestAttachHost(t *testing.T) {
	t.Parallel()

	registry := command.NewRegistry(nil)
	require.NoError(t, command.RegisterBuiltins(context.Background(), registry))
	require.NoError(t, registry.Register(context.Background(), gateway.Command{Name: "ping", Description: "Replies pong"},
		command.HandlerFunc(func(context.Context, *gateway.Invocation) error { return nil })))

	h := &fakeHost{
		units: []*host.Unit{
			{Descriptor: module.Descriptor{Name: "weather", Version: "1.2.0"}, Source: "weather.zip"},
		},
	}

	out := &syncBuffer{}
	c := New(strings.NewReader(""), out)
	c.AttachHost(h)

	c.Dispatch(context.Background(), "commands")
	assert.Contains(t, out.String(), "Gateway is not connected.")

	h.registry = registry
	c.Dispatch(context.Background(), "commands")
	assert.Contains(t, out.String(), "/ping")
	assert.Contains(t, out.String(), "Replies pong")

	c.Dispatch(context.Background(), "modules")
	assert.Contains(t, out.String(), "weather 1.2.0")
	assert.Contains(t, out.String(), "loaded")
	assert.Contains(t, out.String(), "[weather.zip]")

	c.Dispatch(context.Background(), "shutdown")
	assert.True(t, h.stopped)
}

func TestBanner(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	New(strings.NewReader(""), out).Banner("1.0.0")
	assert.Contains(t, out.String(), "Version: 1.0.0")
	assert.Contains(t, out.String(), "Type 'help'")
}
