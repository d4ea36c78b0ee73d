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

package mux

import (
	"context"
)

type pendingState int

const (
	awaitingSubmission pendingState = iota
	awaitingResponse
	completed
)

func (s pendingState) String() string {
	switch s {
	case awaitingSubmission:
		return "awaiting_submission"
	case awaitingResponse:
		return "awaiting_response"
	case completed:
		return "completed"
	}
	return "unknown"
}

// PendingRequest is one in-flight request to the owner goroutine. It starts
// out waiting to be submitted on the owner's queue, then waits for the
// owner's single reply. It completes exactly once.
type PendingRequest[T any] struct {
	core    *Core
	req     *request
	state   pendingState
	convert func(reply) (T, error)
	fail    func(error) error
	orphan  func(reply)
}

func newPending[T any](c *Core, req *request, convert func(reply) (T, error), fail func(error) error) *PendingRequest[T] {
	return &PendingRequest[T]{core: c, req: req, convert: convert, fail: fail}
}

// Completed reports whether the request has reached its terminal state.
func (p *PendingRequest[T]) Completed() bool { return p.state == completed }

// Poll advances the request without blocking. ready is false while the queue
// is full or the reply has not arrived; Poll must then be called again later.
func (p *PendingRequest[T]) Poll() (out T, ready bool, err error) {
	switch p.state {
	case awaitingSubmission:
		select {
		case <-p.core.die:
			out, err = p.terminate(ErrOwnerGone)
			return out, true, err
		default:
		}
		select {
		case p.core.reqs <- p.req:
			p.state = awaitingResponse
		default:
			return out, false, nil
		}
		fallthrough
	case awaitingResponse:
		select {
		case rep := <-p.req.reply:
			out, err = p.complete(rep)
			return out, true, err
		default:
		}
		select {
		case <-p.core.die:
			out, err = p.ownerGone()
			return out, true, err
		default:
			return out, false, nil
		}
	}
	return out, true, ErrConsumed
}

// Wait blocks until the request completes or ctx is done. When ctx ends
// first, ctx.Err() is returned unwrapped and the request stays where it was:
// Wait may be called again, or Cancel releases it.
func (p *PendingRequest[T]) Wait(ctx context.Context) (out T, err error) {
	if p.state == awaitingSubmission {
		select {
		case p.core.reqs <- p.req:
			p.state = awaitingResponse
		case <-p.core.die:
			return p.terminate(ErrOwnerGone)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
	if p.state != awaitingResponse {
		return out, ErrConsumed
	}
	select {
	case rep := <-p.req.reply:
		return p.complete(rep)
	case <-p.core.die:
		return p.ownerGone()
	case <-ctx.Done():
		return out, ctx.Err()
	}
}

// Cancel drops the request. A reply the owner already produced is disposed
// of without reaching any caller.
func (p *PendingRequest[T]) Cancel() {
	switch p.state {
	case awaitingSubmission:
		p.req.slot.Store(slotAbandoned)
	case awaitingResponse:
		if rep, ok := p.req.abandon(); ok && p.orphan != nil {
			p.orphan(rep)
		}
	}
	p.state = completed
}

// ownerGone settles a submitted request once the owner has terminated. The
// owner fills every reply it answers before it signals termination.
func (p *PendingRequest[T]) ownerGone() (T, error) {
	select {
	case rep := <-p.req.reply:
		return p.complete(rep)
	default:
	}
	if rep, ok := p.req.abandon(); ok {
		return p.complete(rep)
	}
	return p.terminate(ErrOwnerGone)
}

func (p *PendingRequest[T]) complete(rep reply) (T, error) {
	p.state = completed
	if rep.err != nil {
		var zero T
		return zero, p.fail(rep.err)
	}
	return p.convert(rep)
}

func (p *PendingRequest[T]) terminate(cause error) (T, error) {
	var zero T
	p.state = completed
	return zero, p.fail(cause)
}
