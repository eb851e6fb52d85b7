// Package audit keeps the tamper-evident, bounded trail of security-relevant
// actions. Writes are asynchronous and best-effort: a failing store never
// fails the operation being audited.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clinicore.org/internal/auth"
	"clinicore.org/internal/clock"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
	"clinicore.org/internal/store"
	"clinicore.org/internal/stream"
)

const (
	DefaultRetention = 1000
	defaultQueueSize = 1024
	maxBatch         = 128
	maxSaveAttempts  = 3
)

var _ Recorder = (*Log)(nil)

// Log is the audit trail. It is safe for concurrent use.
type Log struct {
	coll      store.Collection[Entry]
	actors    auth.ActorResolver
	clock     clock.Clock
	logger    *slog.Logger
	retention int
	timeout   time.Duration
	chainKey  [32]byte

	queue   chan request
	hub     *stream.Hub[Entry]
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Mutex
}

type request struct {
	entry   Entry
	flushed chan struct{}
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the time source used for entry timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Log) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithRetention bounds the number of retained entries.
func WithRetention(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.retention = n
		}
	}
}

// WithQueueSize sets how many entries may wait for persistence before new
// ones are dropped.
func WithQueueSize(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan request, n)
		}
	}
}

// WithWriteTimeout bounds each persistence attempt.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithChainKey keys the entry hash chain with a secret. Without one the chain
// only detects edits by writers who do not know the public default key.
// Entries written under one secret fail verification under another.
func WithChainKey(secret string) Option {
	return func(l *Log) {
		l.chainKey = deriveChainKey(secret)
	}
}

// New starts an audit log persisting into s. actors gates the read operations.
func New(s store.Store, actors auth.ActorResolver, opts ...Option) (*Log, error) {
	if s == nil {
		return nil, errors.New("audit: store is required")
	}
	if actors == nil {
		return nil, errors.New("audit: actor resolver is required")
	}
	l := &Log{
		coll:      store.NewCollection[Entry](s, store.KeyAudit),
		actors:    actors,
		clock:     clock.Real(),
		logger:    obs.Discard(),
		retention: DefaultRetention,
		timeout:   5 * time.Second,
		chainKey:  entryDomainKey,
		queue:     make(chan request, defaultQueueSize),
		hub:       stream.New[Entry](64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
	return l, nil
}

// Record enqueues e. It never blocks and never reports failure; entries that
// cannot be queued are dropped and counted.
func (l *Log) Record(ctx context.Context, e Entry) {
	if l.stopped.Load() {
		l.drop(e, "audit log closed")
		return
	}
	e.ID = ids.New()
	e.Timestamp = l.clock.Now()
	if e.RequestID == "" {
		e.RequestID = requestIDFromContext(ctx)
	}
	e.PrevHash, e.Hash = "", ""
	select {
	case l.queue <- request{entry: e}:
	default:
		l.drop(e, "audit queue full")
	}
}

func (l *Log) drop(e Entry, reason string) {
	obs.ObserveAuditDropped()
	l.logger.Warn("audit entry dropped",
		slog.String("reason", reason),
		slog.String("action", e.Action),
		slog.String("resource_type", e.ResourceType),
		slog.String("resource_id", e.ResourceID),
	)
}

// Flush blocks until every entry recorded before the call has been handled
// by the writer, or ctx ends.
func (l *Log) Flush(ctx context.Context) error {
	marker := request{flushed: make(chan struct{})}
	select {
	case l.queue <- marker:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-marker.flushed:
		return nil
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending entries and stops the writer.
func (l *Log) Close(ctx context.Context) error {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()
	if l.stopped.Swap(true) {
		<-l.done
		return nil
	}
	err := l.Flush(ctx)
	l.cancel()
	<-l.done
	return err
}

// Subscribe streams entries as they are persisted until ctx ends.
func (l *Log) Subscribe(ctx context.Context) <-chan Entry {
	return l.hub.Subscribe(ctx)
}

func (l *Log) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-l.queue:
			batch, markers := l.collect(req)
			if len(batch) > 0 {
				l.persist(batch)
			}
			for _, m := range markers {
				close(m)
			}
		}
	}
}

// collect drains what is already queued, up to maxBatch entries.
func (l *Log) collect(first request) ([]Entry, []chan struct{}) {
	var (
		batch   []Entry
		markers []chan struct{}
	)
	add := func(r request) {
		if r.flushed != nil {
			markers = append(markers, r.flushed)
			return
		}
		batch = append(batch, r.entry)
	}
	add(first)
	for len(batch) < maxBatch {
		select {
		case r := <-l.queue:
			add(r)
		default:
			return batch, markers
		}
	}
	return batch, markers
}

// persist appends batch (oldest first) to the stored newest-first ring.
func (l *Log) persist(batch []Entry) {
	var err error
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		var chained []Entry
		chained, err = l.append(batch)
		if err == nil {
			for _, e := range chained {
				l.hub.Publish(e)
			}
			return
		}
		if !errors.Is(err, store.ErrVersionMismatch) {
			break
		}
	}
	for range batch {
		obs.ObserveAuditWriteFailure()
	}
	l.logger.Error("audit write failed",
		slog.Int("entries", len(batch)),
		slog.String("error", err.Error()),
	)
}

func (l *Log) append(batch []Entry) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	current, version, err := l.coll.Load(ctx)
	if err != nil {
		return nil, err
	}
	prev := ""
	if len(current) > 0 {
		prev = current[0].Hash
	}
	chained := make([]Entry, len(batch))
	for i, e := range batch {
		e.PrevHash = prev
		e.Hash = chainHash(l.chainKey, e)
		prev = e.Hash
		chained[i] = e
	}

	next := make([]Entry, 0, min(len(chained)+len(current), l.retention))
	for i := len(chained) - 1; i >= 0 && len(next) < l.retention; i-- {
		next = append(next, chained[i])
	}
	for _, e := range current {
		if len(next) >= l.retention {
			break
		}
		next = append(next, e)
	}
	if _, err := l.coll.Save(ctx, next, version); err != nil {
		return nil, err
	}
	return chained, nil
}
