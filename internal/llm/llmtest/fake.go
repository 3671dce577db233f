// Package llmtest provides a scripted completion client for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/foodresolve/internal/llm"
)

// ErrScriptExhausted is returned once every scripted reply was consumed
var ErrScriptExhausted = errors.New("llmtest: no scripted reply left")

// Reply is one scripted answer
type Reply struct {
	Text string
	Err  error
}

// Fake answers from Handler when set, otherwise from Replies in order. It
// records every request.
type Fake struct {
	Handler func(req llm.Request) (string, error)
	Replies []Reply

	// StreamChunk splits streamed text into pieces of this many bytes
	StreamChunk int

	mu       sync.Mutex
	next     int
	requests []llm.Request
}

// Text returns a Fake that replies with texts in order
func Text(texts ...string) *Fake {
	f := &Fake{}
	for _, t := range texts {
		f.Replies = append(f.Replies, Reply{Text: t})
	}
	return f
}

func (f *Fake) answer(req llm.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	handler := f.Handler
	var r Reply
	ok := false
	if handler == nil && f.next < len(f.Replies) {
		r, ok = f.Replies[f.next], true
		f.next++
	}
	f.mu.Unlock()

	if handler != nil {
		return handler(req)
	}
	if !ok {
		return "", ErrScriptExhausted
	}
	return r.Text, r.Err
}

// Complete implements llm.Completer
func (f *Fake) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text, err := f.answer(req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: req.Model}, nil
}

// Stream implements llm.Streamer
func (f *Fake) Stream(ctx context.Context, req llm.Request, onDelta func(string) error) error {
	text, err := f.answer(req)
	if err != nil {
		return err
	}
	size := f.StreamChunk
	if size <= 0 {
		size = 7
	}
	for len(text) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := size
		if n > len(text) {
			n = len(text)
		}
		if err := onDelta(text[:n]); err != nil {
			return err
		}
		text = text[n:]
	}
	return nil
}

// Requests returns a copy of the recorded requests
func (f *Fake) Requests() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

// Calls returns the number of requests made
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
