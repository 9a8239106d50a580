package lmtp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lmql-rt/corert/internal/lmtp/transport"
)

// Session is one client's multiplexed view of a Transport: it allocates
// monotonic stream ids, dispatches inbound Results to the right waiting
// consumer, and serializes outbound Commands (spec §7).
type Session struct {
	t transport.Transport

	nextStreamID int64

	mu        sync.Mutex
	consumers map[int64]chan Result

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps t and starts the background receive loop. The caller
// must call Close when finished.
func NewSession(t transport.Transport) *Session {
	s := &Session{
		t:         t,
		consumers: make(map[int64]chan Result),
		closed:    make(chan struct{}),
	}
	go s.pollMessages(context.Background())
	return s
}

// pollMessages is the single actor task reading every inbound frame and
// routing it to the stream_id's consumer channel, mirroring
// LMTPMultiProcessingClient.poll_messages.
func (s *Session) pollMessages(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		frame, err := s.t.Recv(ctx)
		if err != nil {
			s.broadcastError(err)
			return
		}
		result, err := decodeResult(frame)
		if err != nil {
			continue
		}
		s.deliver(result)
	}
}

func decodeResult(f transport.Frame) (Result, error) {
	var wrapped [1]json.RawMessage
	if err := json.Unmarshal(f.Payload, &wrapped); err != nil {
		return Result{}, err
	}
	switch f.Type {
	case string(ResultToken):
		var p TokenResultPayload
		if err := json.Unmarshal(wrapped[0], &p); err != nil {
			return Result{}, err
		}
		return Result{Type: ResultToken, StreamID: p.StreamID, Payload: p}, nil
	case string(ResultMsg):
		var p MsgPayload
		if err := json.Unmarshal(wrapped[0], &p); err != nil {
			return Result{}, err
		}
		return Result{Type: ResultMsg, StreamID: p.StreamID, Payload: p}, nil
	default:
		return Result{}, fmt.Errorf("lmtp: unknown result type %q", f.Type)
	}
}

func (s *Session) deliver(result Result) {
	s.mu.Lock()
	ch, ok := s.consumers[result.StreamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	ch <- result
}

func (s *Session) broadcastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.consumers {
		close(ch)
		delete(s.consumers, id)
	}
}

// allocateStream assigns the next monotonic stream_id and registers its
// result channel.
func (s *Session) allocateStream() (int64, chan Result) {
	id := atomic.AddInt64(&s.nextStreamID, 1)
	ch := make(chan Result, 32)
	s.mu.Lock()
	s.consumers[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *Session) release(id int64) {
	s.mu.Lock()
	if ch, ok := s.consumers[id]; ok {
		delete(s.consumers, id)
		close(ch)
	}
	s.mu.Unlock()
}

// Generate issues a GENERATE command and returns a channel of TOKEN
// results for its stream, closed when the worker signals completion via
// a finish_reason or the transport errors out.
func (s *Session) Generate(ctx context.Context, payload GeneratePayload) (<-chan Result, error) {
	id, ch := s.allocateStream()
	payload.StreamID = id
	body, err := json.Marshal([1]GeneratePayload{payload})
	if err != nil {
		s.release(id)
		return nil, err
	}
	if err := s.t.Send(ctx, transport.Frame{Type: string(CmdGenerate), Payload: body}); err != nil {
		s.release(id)
		return nil, err
	}
	out := make(chan Result, cap(ch))
	go func() {
		defer close(out)
		for result := range ch {
			out <- result
			if p, ok := result.Payload.(TokenResultPayload); ok && p.FinishReason != "" {
				s.mu.Lock()
				delete(s.consumers, id)
				s.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

// Score issues a SCORE command and returns the channel its TOKEN results
// arrive on, one per scored token.
func (s *Session) Score(ctx context.Context, payload ScorePayload) (<-chan Result, error) {
	id, ch := s.allocateStream()
	payload.StreamID = id
	body, err := json.Marshal([1]ScorePayload{payload})
	if err != nil {
		s.release(id)
		return nil, err
	}
	if err := s.t.Send(ctx, transport.Frame{Type: string(CmdScore), Payload: body}); err != nil {
		s.release(id)
		return nil, err
	}
	return ch, nil
}

// Msg issues a MSG command (out-of-band model metadata query).
func (s *Session) Msg(ctx context.Context, payload MsgPayload) (<-chan Result, error) {
	id, ch := s.allocateStream()
	payload.StreamID = id
	body, err := json.Marshal([1]MsgPayload{payload})
	if err != nil {
		s.release(id)
		return nil, err
	}
	if err := s.t.Send(ctx, transport.Frame{Type: string(CmdMsg), Payload: body}); err != nil {
		s.release(id)
		return nil, err
	}
	return ch, nil
}

// Close stops the receive loop and closes the underlying transport.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.t.Close()
}
