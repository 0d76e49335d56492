// Package stream implements the one-shot push stream scoped to the request
// that submitted a job. Frames are delivered in transition order and the
// stream closes itself after the terminal frame.
package stream

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

const defaultFrameBuffer = 64

// Config controls per-stream buffering.
type Config struct {
	// FrameBuffer is the channel depth per stream (default 64). A stream whose
	// consumer falls this far behind is closed; the client resynchronizes from
	// a snapshot read.
	FrameBuffer int
	Logger      *zap.Logger
}

// Streams routes job events to the open push stream for that job, if any.
// Closing a stream never affects the job or any broadcast subscriber.
type Streams struct {
	cfg    Config
	logger *zap.Logger

	mu    sync.Mutex
	byJob map[uuid.UUID]*Stream
}

// NewStreams constructs the router.
func NewStreams(cfg Config) *Streams {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streams{
		cfg:    cfg,
		logger: logger,
		byJob:  make(map[uuid.UUID]*Stream),
	}
}

// Stream is one job's frame sequence. The channel closes after the terminal
// frame or when the consumer abandons the stream.
type Stream struct {
	jobID  uuid.UUID
	ch     chan progress.Event
	router *Streams

	mu     sync.Mutex
	closed bool
}

// Frames returns the delivery channel.
func (s *Stream) Frames() <-chan progress.Event {
	return s.ch
}

// Close detaches the stream from the router and closes the channel. It is
// idempotent; the router also calls it after delivering a terminal frame.
func (s *Stream) Close() {
	s.router.detach(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// send enqueues the frame without blocking. It reports false only when the
// buffer is full; sends to an already-closed stream are silently dropped.
func (s *Stream) send(evt progress.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// Open registers a push stream for the job. Opening a second stream for the
// same job replaces the first, which is closed; the push stream is scoped to
// the originating request, so at most one consumer exists at a time.
func (r *Streams) Open(jobID uuid.UUID) *Stream {
	st := &Stream{
		jobID:  jobID,
		ch:     make(chan progress.Event, r.cfg.FrameBuffer),
		router: r,
	}
	r.mu.Lock()
	prev := r.byJob[jobID]
	r.byJob[jobID] = st
	r.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return st
}

// Deliver routes a job event to the open stream, if any. Delivery never
// blocks: an unconsumed full buffer closes the stream. After a terminal frame
// the stream is closed by the router, ending the sequence.
func (r *Streams) Deliver(evt progress.Event) {
	r.mu.Lock()
	st, ok := r.byJob[evt.JobID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if !st.send(evt) {
		r.logger.Warn("closing stalled push stream", zap.String("job_id", evt.JobID.String()))
		st.Close()
		return
	}
	if evt.Terminal {
		st.Close()
	}
}

func (r *Streams) detach(st *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byJob[st.jobID] == st {
		delete(r.byJob, st.jobID)
	}
}
