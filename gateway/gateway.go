// Package gateway defines the narrow contract the host consumes from the
// network client that keeps the bot connected to the remote chat service.
//
// A Builder is handed to modules before the connection exists so they can
// declare the features (update categories) the connection must subscribe to.
// Build turns it into a live Client that delivers inbound events to listeners
// on its own worker goroutines.
package gateway

import (
	"context"
	"errors"
)

// ErrInvalidCredential is returned by Build when the remote service rejects the
// configured credential. The host may re-prompt and retry on this error.
var ErrInvalidCredential = errors.New("invalid gateway credential")

// EventType identifies the kind of inbound event
type EventType string

const (
	// EventScopeJoined is emitted when the bot becomes present in a scope
	// (first contact with a chat, or being added to one).
	EventScopeJoined EventType = "scope_joined"
	// EventScopeLeft is emitted when the bot is removed from a scope
	EventScopeLeft EventType = "scope_left"
	// EventCommand is emitted for every command invocation
	EventCommand EventType = "command"
)

// Scope is a remote-side grouping to which command descriptors are announced
type Scope struct {
	// ID is the gateway specific scope identifier
	ID string

	// Name is a human readable label, may be empty
	Name string
}

// String returns the scope label used in logs
func (s Scope) String() string {
	if s.Name == "" {
		return s.ID
	}
	return s.Name + " (" + s.ID + ")"
}

// Option describes one argument of a command
type Option struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Command is the wire-level descriptor of an invocable command
type Command struct {
	// Name is the command identifier (e.g., "ping"), case-sensitive
	Name string `json:"name"`

	// Description is a short description of what the command does
	Description string `json:"description,omitempty"`

	// Usage shows how to use the command
	Usage string `json:"usage,omitempty"`

	// Options lists the accepted arguments
	Options []Option `json:"options,omitempty"`
}

// Responder sends a reply back to where an invocation came from
type Responder interface {
	Reply(ctx context.Context, text string) error
}

// ResponderFunc adapts a function to the Responder interface
type ResponderFunc func(ctx context.Context, text string) error

// Reply calls f
func (f ResponderFunc) Reply(ctx context.Context, text string) error {
	return f(ctx, text)
}

// Invocation carries one inbound command call
type Invocation struct {
	// ID uniquely identifies the invocation for log correlation
	ID string

	// Command is the invoked command identifier
	Command string

	// Args are the positional arguments
	Args []string

	// Scope is where the invocation came from
	Scope Scope

	// User identifies the caller
	User string

	// Responder replies to the caller, may be nil
	Responder Responder
}

// Reply answers the caller. Invocations without a responder drop the reply.
func (i *Invocation) Reply(ctx context.Context, text string) error {
	if i.Responder == nil {
		return nil
	}
	return i.Responder.Reply(ctx, text)
}

// Event is an inbound gateway event
type Event struct {
	Type       EventType
	Scope      Scope
	Invocation *Invocation
}

// Listener receives inbound events. OnEvent runs on a gateway worker
// goroutine and must not block for long.
type Listener interface {
	OnEvent(ctx context.Context, ev Event)
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc func(ctx context.Context, ev Event)

// OnEvent calls f
func (f ListenerFunc) OnEvent(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Builder configures a client before the connection exists
type Builder interface {
	// AddFeatures declares feature subscriptions the connection needs
	AddFeatures(features ...string)

	// Features returns the declared feature subscriptions
	Features() []string

	// AddEventListener registers a listener attached at build time
	AddEventListener(l Listener)

	// SetCredential replaces the credential used by Build
	SetCredential(credential string)

	// Build connects and returns the live client
	Build(ctx context.Context) (Client, error)
}

// Client is the live connection handle
type Client interface {
	// AddEventListener registers a listener for inbound events
	AddEventListener(l Listener)

	// SetCommands replaces the whole command set announced in a scope
	SetCommands(ctx context.Context, scope Scope, commands []Command) error

	// Send posts a text message into a scope
	Send(ctx context.Context, scope Scope, text string) error

	// Shutdown stops event delivery and closes the connection
	Shutdown(ctx context.Context) error
}
