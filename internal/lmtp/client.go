package lmtp

import (
	"context"
	"fmt"
	"sync"
)

// Client wraps a Session with reference counting, so several scheduler
// callers can share one worker connection and only the last one to finish
// closes it, mirroring LMTPMultiProcessingClientRef.
type Client struct {
	mu       sync.Mutex
	session  *Session
	refCount int
}

// NewClient wraps session with an initial reference count of one.
func NewClient(session *Session) *Client {
	return &Client{session: session, refCount: 1}
}

// Acquire increments the reference count and returns a handle sharing the
// same underlying Session.
func (c *Client) Acquire() *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount++
	return c
}

// Release decrements the reference count, closing the underlying Session
// once it reaches zero.
func (c *Client) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount--
	if c.refCount > 0 {
		return nil
	}
	return c.session.Close()
}

// Generate forwards to the underlying Session.
func (c *Client) Generate(ctx context.Context, payload GeneratePayload) (<-chan Result, error) {
	return c.session.Generate(ctx, payload)
}

// Score forwards to the underlying Session.
func (c *Client) Score(ctx context.Context, payload ScorePayload) (<-chan Result, error) {
	return c.session.Score(ctx, payload)
}

// Msg forwards to the underlying Session.
func (c *Client) Msg(ctx context.Context, payload MsgPayload) (<-chan Result, error) {
	return c.session.Msg(ctx, payload)
}

// ModelInfo issues a MSG query for the worker's model metadata and waits
// for the single reply, which carries the model name, vocabulary size and
// EOS token id.
func (c *Client) ModelInfo(ctx context.Context) (MsgPayload, error) {
	ch, err := c.Msg(ctx, MsgPayload{Kind: "model_info"})
	if err != nil {
		return MsgPayload{}, err
	}
	select {
	case <-ctx.Done():
		return MsgPayload{}, ctx.Err()
	case result, ok := <-ch:
		if !ok {
			return MsgPayload{}, fmt.Errorf("lmtp: worker closed stream before replying")
		}
		payload, ok := result.Payload.(MsgPayload)
		if !ok {
			return MsgPayload{}, fmt.Errorf("lmtp: unexpected MSG reply shape")
		}
		return payload, nil
	}
}
