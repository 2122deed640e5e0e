// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"modbot/gateway"
)

// Recorder collects an ordered trace shared by fakes and test modules
type Recorder struct {
	mu     sync.Mutex
	events []string
}

// Add appends an entry
func (r *Recorder) Add(format string, args ...any) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of the trace
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Builder is a gateway.Builder whose Build never touches the network.
// When Accept is set, Build rejects every other credential with
// gateway.ErrInvalidCredential.
type Builder struct {
	Trace  *Recorder
	Accept string
	Err    error

	mu         sync.Mutex
	features   gateway.Features
	listeners  gateway.Listeners
	credential string
	builds     int
	client     *Client
}

// NewBuilder creates a builder starting with credential
func NewBuilder(credential string, trace *Recorder) *Builder {
	return &Builder{credential: credential, Trace: trace}
}

func (b *Builder) AddFeatures(features ...string) { b.features.Add(features...) }

func (b *Builder) Features() []string { return b.features.List() }

func (b *Builder) AddEventListener(l gateway.Listener) { b.listeners.Add(l) }

func (b *Builder) SetCredential(credential string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credential = credential
}

// Credential returns the current credential
func (b *Builder) Credential() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credential
}

// Builds returns how many times Build ran
func (b *Builder) Builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

// Client returns the last built client
func (b *Builder) Client() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func (b *Builder) Build(ctx context.Context) (gateway.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.builds++
	b.Trace.Add("gateway:build")

	if b.Err != nil {
		return nil, b.Err
	}
	if b.Accept != "" && b.credential != b.Accept {
		return nil, fmt.Errorf("%w: unauthorized", gateway.ErrInvalidCredential)
	}

	c := &Client{
		trace:     b.Trace,
		announced: make(map[string][]gateway.Command),
		sent:      make(map[string][]string),
	}
	c.listeners.Add(gateway.ListenerFunc(b.listeners.Emit))
	b.client = c
	return c, nil
}

// Client is the live side of the fake gateway
type Client struct {
	trace     *Recorder
	listeners gateway.Listeners

	mu        sync.Mutex
	announced map[string][]gateway.Command
	announces map[string]int
	sent      map[string][]string
	shutdown  bool
}

func (c *Client) AddEventListener(l gateway.Listener) { c.listeners.Add(l) }

func (c *Client) SetCommands(_ context.Context, scope gateway.Scope, commands []gateway.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.announces == nil {
		c.announces = make(map[string]int)
	}
	c.announced[scope.ID] = slices.Clone(commands)
	c.announces[scope.ID]++
	return nil
}

func (c *Client) Send(_ context.Context, scope gateway.Scope, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[scope.ID] = append(c.sent[scope.ID], text)
	return nil
}

func (c *Client) Shutdown(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	c.trace.Add("gateway:shutdown")
	return nil
}

// Emit delivers an event as if it came from the remote side
func (c *Client) Emit(ctx context.Context, ev gateway.Event) {
	c.listeners.Emit(ctx, ev)
}

// Join emits a scope join
func (c *Client) Join(ctx context.Context, id string) {
	c.Emit(ctx, gateway.Event{Type: gateway.EventScopeJoined, Scope: gateway.Scope{ID: id}})
}

// Invoke emits a command invocation and returns the replies it produced
func (c *Client) Invoke(ctx context.Context, scope, name string, args ...string) []string {
	var (
		mu      sync.Mutex
		replies []string
	)
	inv := &gateway.Invocation{
		Command: name,
		Args:    args,
		Scope:   gateway.Scope{ID: scope},
		User:    "tester",
		Responder: gateway.ResponderFunc(func(_ context.Context, text string) error {
			mu.Lock()
			defer mu.Unlock()
			replies = append(replies, text)
			return nil
		}),
	}
	c.Emit(ctx, gateway.Event{Type: gateway.EventCommand, Scope: inv.Scope, Invocation: inv})

	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(replies)
}

// Announced returns the names of the last command set announced to scope
func (c *Client) Announced(scope string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var names []string
	for _, cmd := range c.announced[scope] {
		names = append(names, cmd.Name)
	}
	return names
}

// Announces returns how many sets were announced to scope
func (c *Client) Announces(scope string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announces[scope]
}

// Sent returns the messages sent to scope
func (c *Client) Sent(scope string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sent[scope])
}

// IsShutdown reports whether Shutdown was called
func (c *Client) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}
