// Package registry maps subjects to their currently connected subscribers and
// fans broadcast events out to them.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-account-provisioner/internal/progress"
)

const defaultSubscriberBuffer = 64

// Config controls per-subscriber buffering.
type Config struct {
	// SubscriberBuffer is the channel depth per subscription (default 64). A
	// subscriber whose buffer overflows is treated as dead and evicted; it is
	// expected to resynchronize from a snapshot on reconnect.
	SubscriberBuffer int
	Logger           *zap.Logger
}

// Registry is the in-process subject fan-out. Publish operations for one
// subject are serialized by the registry lock; subjects do not contend with
// each other beyond map access.
type Registry struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// New constructs a Registry.
func New(cfg Config) *Registry {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscription binds one subscriber connection to one subject. It is a pure
// observer: dropping it never affects subject state or any job.
type Subscription struct {
	subject string
	ch      chan progress.Event
	reg     *Registry
	once    sync.Once
}

// Subject returns the subject this subscription watches.
func (s *Subscription) Subject() string {
	return s.subject
}

// Events returns the delivery channel. It is closed when the subscription is
// torn down, either by Unsubscribe or by eviction.
func (s *Subscription) Events() <-chan progress.Event {
	return s.ch
}

// Unsubscribe removes the registration. It is idempotent and safe to call
// concurrently with Publish.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.reg.remove(s)
		close(s.ch)
	})
}

// Subscribe registers a new subscriber for the subject and returns its handle.
func (r *Registry) Subscribe(subject string) *Subscription {
	sub := &Subscription{
		subject: subject,
		ch:      make(chan progress.Event, r.cfg.SubscriberBuffer),
		reg:     r,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[subject]
	if !ok {
		set = make(map[*Subscription]struct{})
		r.subs[subject] = set
	}
	set[sub] = struct{}{}
	r.logger.Debug("subscriber registered", zap.String("subject", subject))
	return sub
}

// Publish delivers the event to every subscription currently registered for
// its subject. Delivery never blocks: a subscriber that cannot keep up is
// evicted, which acts as an implicit unsubscribe, and the consumer is expected
// to resubscribe and reseed from a snapshot.
func (r *Registry) Publish(evt progress.Event) {
	r.mu.RLock()
	var evicted []*Subscription
	for sub := range r.subs[evt.Subject] {
		select {
		case sub.ch <- evt:
		default:
			evicted = append(evicted, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range evicted {
		r.logger.Warn("evicting unresponsive subscriber",
			zap.String("subject", sub.subject),
		)
		sub.Unsubscribe()
	}
}

// SubscriberCount reports the current number of subscribers for a subject.
func (r *Registry) SubscriberCount(subject string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[subject])
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[sub.subject]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.subs, sub.subject)
	}
}
