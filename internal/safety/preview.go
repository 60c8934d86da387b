package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggonzalez94/lendflow/internal/metrics"
)

const DefaultDebounce = 300 * time.Millisecond

var (
	ErrSuperseded = errors.New("preview superseded by a newer request")
	ErrClosed     = errors.New("previewer closed")
)

// Result is one completed preview, tagged with the request sequence number.
type Result[T any] struct {
	Seq   uint64
	Value T
	Err   error
}

// Previewer runs fn for the most recent request after a quiet period. Each
// Request cancels the pending timer and any in-flight call, and results for
// anything but the latest sequence number are dropped.
type Previewer[Req, Res any] struct {
	fn       func(context.Context, Req) (Res, error)
	delay    time.Duration
	metrics  *metrics.FlowMetrics
	mu       sync.Mutex
	seq      uint64
	timer    *time.Timer
	cancel   context.CancelFunc
	latest   Result[Res]
	has      bool
	closed   bool
	changed  chan struct{}
	onResult func(Result[Res])
}

func NewPreviewer[Req, Res any](delay time.Duration, fn func(context.Context, Req) (Res, error)) *Previewer[Req, Res] {
	if delay < 0 {
		delay = 0
	}
	return &Previewer[Req, Res]{
		fn:      fn,
		delay:   delay,
		metrics: metrics.Flow(),
		changed: make(chan struct{}),
	}
}

// OnResult registers a hook that receives every accepted result.
func (p *Previewer[Req, Res]) OnResult(fn func(Result[Res])) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

// Request schedules a preview and returns its sequence number. It returns 0
// once the previewer is closed.
func (p *Previewer[Req, Res]) Request(req Req) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}
	p.stopLocked()
	p.seq++
	seq := p.seq
	p.broadcastLocked()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.timer = time.AfterFunc(p.delay, func() { p.run(ctx, seq, req) })
	return seq
}

func (p *Previewer[Req, Res]) run(ctx context.Context, seq uint64, req Req) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	value, err := p.fn(ctx, req)

	p.mu.Lock()
	if p.closed || seq != p.seq {
		p.mu.Unlock()
		p.metrics.IncPreviewDiscarded()
		return
	}
	result := Result[Res]{Seq: seq, Value: value, Err: err}
	p.latest = result
	p.has = true
	p.broadcastLocked()
	hook := p.onResult
	p.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	p.metrics.ObservePreview(outcome, time.Since(start))
	if hook != nil {
		hook(result)
	}
}

// Latest returns the newest accepted result.
func (p *Previewer[Req, Res]) Latest() (Result[Res], bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest, p.has
}

// Await blocks until the result for seq is accepted. It fails with
// ErrSuperseded as soon as a newer request exists.
func (p *Previewer[Req, Res]) Await(ctx context.Context, seq uint64) (Res, error) {
	var zero Res
	for {
		p.mu.Lock()
		switch {
		case p.closed:
			p.mu.Unlock()
			return zero, ErrClosed
		case p.seq != seq:
			p.mu.Unlock()
			return zero, ErrSuperseded
		case p.has && p.latest.Seq == seq:
			result := p.latest
			p.mu.Unlock()
			return result.Value, result.Err
		}
		wait := p.changed
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Close stops the timer and cancels any in-flight preview. Results that
// arrive afterwards are dropped.
func (p *Previewer[Req, Res]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stopLocked()
	p.broadcastLocked()
}

func (p *Previewer[Req, Res]) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Previewer[Req, Res]) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}
