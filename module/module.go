// Package module defines the contract between the host and its extensions.
//
// An extension is a Module: four lifecycle hooks driven by the host in
// dependency order. Modules never change their own lifecycle state; the host
// tracks it on its side. Before the gateway connects a module only sees a
// PrimitiveEnvironment; the full Environment, with the live client and the
// command registry, arrives with OnEnable.
package module

import (
	"context"
)

// Module is implemented by every extension loaded by the host
type Module interface {
	// PreEnable runs before the gateway connects. Use it to declare gateway
	// features; no live connection is available.
	PreEnable(ctx context.Context, env *PrimitiveEnvironment) error

	// OnEnable runs once the gateway is up and the Environment exists
	OnEnable(ctx context.Context, env *Environment) error

	// OnDisable runs on shutdown, before the gateway is stopped
	OnDisable(ctx context.Context) error

	// PostDisable runs on shutdown, after the gateway is stopped
	PostDisable(ctx context.Context) error
}

// Factory constructs a module instance
type Factory func() (Module, error)

// Base implements every hook as a no-op. Embed it and override what you need.
type Base struct{}

func (Base) PreEnable(context.Context, *PrimitiveEnvironment) error { return nil }
func (Base) OnEnable(context.Context, *Environment) error           { return nil }
func (Base) OnDisable(context.Context) error                        { return nil }
func (Base) PostDisable(context.Context) error                      { return nil }
