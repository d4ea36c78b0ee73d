// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package upgrade drives capability upgrades: asynchronous transformations of
// a channel from one capability level to a richer one.
//
// An Upgrader says what transformation happens; Start and Future say how it is
// driven to completion, so new handshake and multiplexer protocols plug in
// without touching the driver.
package upgrade

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
)

// ErrUpgrade matches every upgrade failure under errors.Is.
var ErrUpgrade = errors.New("upgrade failed")

// Error is a terminal upgrade failure. The attempt is never retried internally.
type Error struct {
	Stage string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upgrade %s: %v", e.Stage, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, ErrUpgrade) hold for every *Error.
func (e *Error) Is(target error) bool { return target == ErrUpgrade }

// Fail wraps cause as an upgrade error for stage, keeping an existing *Error
// intact.
func Fail(stage string, cause error) error {
	if cause == nil {
		return nil
	}
	var ue *Error
	if errors.As(cause, &ue) {
		return cause
	}
	return &Error{Stage: stage, Cause: cause}
}

// Upgrader transforms In into Out. A multi-round handshake keeps its state in
// the Upgrade call; each blocking read on the channel is a suspension point.
// Ownership of in passes to the upgrader; on success it lives on inside Out.
type Upgrader[In, Out any] interface {
	Upgrade(ctx context.Context, in In) (Out, error)
}

// Func adapts a function to an Upgrader.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// Upgrade calls f.
func (f Func[In, Out]) Upgrade(ctx context.Context, in In) (Out, error) {
	return f(ctx, in)
}

type (
	// SecUpgrader authenticates a plain channel.
	SecUpgrader = Upgrader[channel.Basic, channel.Secure]
	// MuxUpgrader negotiates multiplexing over an authenticated channel.
	MuxUpgrader = Upgrader[channel.Secure, channel.Mux]
	// FullUpgrader goes from a plain channel straight to a multiplexed one.
	FullUpgrader = Upgrader[channel.Basic, channel.Mux]
)

// Chain composes a security and a multiplexer upgrade into a FullUpgrader.
func Chain(sec SecUpgrader, mux MuxUpgrader) FullUpgrader {
	return Func[channel.Basic, channel.Mux](func(ctx context.Context, in channel.Basic) (channel.Mux, error) {
		sc, err := Secure(ctx, sec, in)
		if err != nil {
			return nil, err
		}
		mc, err := Multiplex(ctx, mux, sc)
		if err != nil {
			sc.Close()
			return nil, err
		}
		return mc, nil
	})
}

// Secure runs a security upgrade to completion.
func Secure(ctx context.Context, u SecUpgrader, in channel.Basic) (channel.Secure, error) {
	out, err := Start(ctx, u, in).Await(ctx)
	return out, Fail("secure", err)
}

// Multiplex runs a multiplexer upgrade to completion.
func Multiplex(ctx context.Context, u MuxUpgrader, in channel.Secure) (channel.Mux, error) {
	out, err := Start(ctx, u, in).Await(ctx)
	return out, Fail("mux", err)
}

// Full runs a combined upgrade to completion.
func Full(ctx context.Context, u FullUpgrader, in channel.Basic) (channel.Mux, error) {
	out, err := Start(ctx, u, in).Await(ctx)
	return out, Fail("full", err)
}
