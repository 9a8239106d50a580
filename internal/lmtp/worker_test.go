package lmtp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lmql-rt/corert/internal/lmtp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeTransport connects a Worker directly to a Session in-process: frames
// sent on one side arrive on the other's Recv, with no wire encoding at
// all. Each side owns the channel it reads from.
type pipeTransport struct {
	out    chan transport.Frame
	in     chan transport.Frame
	closed chan struct{}
}

func newPipePair() (clientSide, workerSide *pipeTransport) {
	a := make(chan transport.Frame, 32)
	b := make(chan transport.Frame, 32)
	closed := make(chan struct{})
	clientSide = &pipeTransport{out: a, in: b, closed: closed}
	workerSide = &pipeTransport{out: b, in: a, closed: closed}
	return
}

func (p *pipeTransport) Send(ctx context.Context, f transport.Frame) error {
	select {
	case <-p.closed:
		return fmt.Errorf("pipeTransport: closed")
	case p.out <- f:
		return nil
	}
}

func (p *pipeTransport) Recv(ctx context.Context) (transport.Frame, error) {
	select {
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	case <-p.closed:
		return transport.Frame{}, fmt.Errorf("pipeTransport: closed")
	case f, ok := <-p.in:
		if !ok {
			return transport.Frame{}, fmt.Errorf("pipeTransport: eof")
		}
		return f, nil
	}
}

func (p *pipeTransport) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

type fakeModel struct {
	// logitsByStep holds the logits returned by each successive forward
	// pass, indexed by call count; the last entry repeats once exhausted.
	logitsByStep []([]float32)
	step         int
}

func (m *fakeModel) NextTokenLogits(ids []int) ([]float32, error) {
	if m.step >= len(m.logitsByStep) {
		return m.logitsByStep[len(m.logitsByStep)-1], nil
	}
	l := m.logitsByStep[m.step]
	m.step++
	return l, nil
}

type fakeCodec struct{}

func (fakeCodec) Decode(ids []int) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	return fmt.Sprintf("<%d>", ids[0]), nil
}

func TestWorkerGenerateStopsAtEOS(t *testing.T) {
	clientSide, workerSide := newPipePair()
	defer clientSide.Close()

	model := &fakeModel{logitsByStep: [][]float32{
		{0, 0, 10}, // token 2 picked greedily
		{10, 0, 0}, // token 0 == EOS
	}}
	w := NewWorker(workerSide, model, fakeCodec{}, ModelInfo{Model: "m", EOSTokenID: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)

	session := NewSession(clientSide)
	defer session.Close()

	ch, err := session.Generate(ctx, GeneratePayload{MaxTokens: 10})
	require.NoError(t, err)

	first := mustToken(t, ch)
	assert.Equal(t, 2, first.Token)
	assert.Equal(t, "", first.FinishReason)

	second := mustToken(t, ch)
	assert.Equal(t, 0, second.Token)
	assert.Equal(t, "eos", second.FinishReason)
}

func TestWorkerGenerateStopsAtMaxTokens(t *testing.T) {
	clientSide, workerSide := newPipePair()
	defer clientSide.Close()

	model := &fakeModel{logitsByStep: [][]float32{{0, 10, 0}}}
	w := NewWorker(workerSide, model, fakeCodec{}, ModelInfo{Model: "m", EOSTokenID: 99})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)

	session := NewSession(clientSide)
	defer session.Close()

	ch, err := session.Generate(ctx, GeneratePayload{MaxTokens: 2})
	require.NoError(t, err)

	first := mustToken(t, ch)
	assert.Equal(t, "", first.FinishReason)
	second := mustToken(t, ch)
	assert.Equal(t, "length", second.FinishReason)
}

func TestWorkerScoreIsTeacherForced(t *testing.T) {
	clientSide, workerSide := newPipePair()
	defer clientSide.Close()

	model := &fakeModel{logitsByStep: [][]float32{{1, 2, 3}, {3, 2, 1}}}
	w := NewWorker(workerSide, model, fakeCodec{}, ModelInfo{Model: "m"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)

	session := NewSession(clientSide)
	defer session.Close()

	ch, err := session.Score(ctx, ScorePayload{PromptIDs: []int{1}, Continuations: [][]int{{2, 0}}})
	require.NoError(t, err)

	first := mustToken(t, ch)
	assert.Equal(t, 2, first.Token)
	assert.Equal(t, "", first.FinishReason)

	second := mustToken(t, ch)
	assert.Equal(t, 0, second.Token)
	assert.Equal(t, "stop", second.FinishReason)
}

func TestWorkerMsgModelInfo(t *testing.T) {
	clientSide, workerSide := newPipePair()
	defer clientSide.Close()

	w := NewWorker(workerSide, &fakeModel{}, fakeCodec{}, ModelInfo{
		Model: "local-llama", VocabSize: 32000, EOSTokenID: 2, SupportsLogitBias: true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Serve(ctx)

	session := NewSession(clientSide)
	defer session.Close()
	client := NewClient(session)

	info, err := client.ModelInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "model_info", info.Kind)
	assert.Equal(t, "local-llama", info.Data["model"])
	assert.Equal(t, float64(32000), info.Data["vocab_size"])
	assert.Equal(t, true, info.Data["supports_logit_bias"])
}

func mustToken(t *testing.T, ch <-chan Result) TokenResultPayload {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "stream closed before expected token")
		p, ok := r.Payload.(TokenResultPayload)
		require.True(t, ok, "unexpected payload shape: %#v", r.Payload)
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for token")
		return TokenResultPayload{}
	}
}

func TestDecodeCommandRejectsUnknownType(t *testing.T) {
	_, err := decodeCommand(transport.Frame{Type: "BOGUS", Payload: []byte(`[{}]`)})
	assert.Error(t, err)
}

func TestDecodeResultRejectsMalformedPayload(t *testing.T) {
	_, err := decodeResult(transport.Frame{Type: string(ResultToken), Payload: []byte(`not json`)})
	assert.Error(t, err)
}

func TestClientRefCountingClosesOnLastRelease(t *testing.T) {
	clientSide, workerSide := newPipePair()
	_ = workerSide

	session := NewSession(clientSide)
	client := NewClient(session)
	second := client.Acquire()

	require.NoError(t, second.Release())
	// one outstanding reference remains; the underlying transport must not
	// be closed yet.
	select {
	case <-clientSide.closed:
		t.Fatal("session closed while a reference was still held")
	default:
	}

	require.NoError(t, client.Release())
	select {
	case <-clientSide.closed:
	default:
		t.Fatal("session should be closed once the last reference releases")
	}
}
