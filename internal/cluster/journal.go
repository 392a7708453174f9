// Package cluster propagates committed transaction events between servers
// sharing a database through the event journal.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"persistcore/internal/core"
	jcore "persistcore/internal/journal/core"
	"persistcore/pkg/domain"
)

// DefaultPrefix is the key prefix of journal events.
const DefaultPrefix = "events/"

var _ domain.Broadcaster = (*JournalBroadcaster)(nil)

// EventKey returns the journal key of an event. Keys sort by commit time.
func EventKey(prefix string, event domain.TransactionEvent) string {
	return fmt.Sprintf("%s%020d-%s.json", prefix, event.CommitTime.UnixNano(), event.TxID)
}

// JournalBroadcaster writes each committed event to the journal as a JSON
// document.
type JournalBroadcaster struct {
	store  jcore.Store
	prefix string
}

// NewJournalBroadcaster returns a broadcaster writing under prefix
// (DefaultPrefix when empty).
func NewJournalBroadcaster(store jcore.Store, prefix string) *JournalBroadcaster {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &JournalBroadcaster{store: store, prefix: prefix}
}

// Broadcast implements domain.Broadcaster. Empty events are skipped.
func (b *JournalBroadcaster) Broadcast(ctx context.Context, event domain.TransactionEvent) error {
	if event.IsEmpty() {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	key := EventKey(b.prefix, event)
	_, err = b.store.Put(ctx, key, bytes.NewReader(payload), jcore.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"source": event.Source},
	})
	return errors.Wrapf(err, "journal %s", key)
}

// Applier receives events read from the journal.
type Applier interface {
	ApplyRemoteEvent(event domain.TransactionEvent) bool
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithLookback makes the poller accept events whose commit time lies up to d
// behind the newest event it has applied. Servers with skewed clocks can
// publish such late keys. Zero accepts only keys after the newest one.
func WithLookback(d time.Duration) PollerOption {
	return func(p *Poller) {
		if d > 0 {
			p.lookback = d
		}
	}
}

// Poller applies journal events in key order. It remembers the newest key
// it has processed and, within the lookback window, the keys behind it.
type Poller struct {
	store    jcore.Store
	prefix   string
	applier  Applier
	logger   core.Logger
	lookback time.Duration

	mu     sync.Mutex
	last   string
	recent map[string]int64
}

// NewPoller returns a poller over prefix (DefaultPrefix when empty).
func NewPoller(store jcore.Store, prefix string, applier Applier, logger core.Logger, opts ...PollerOption) *Poller {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = core.NewZapLogger(nil)
	}
	p := &Poller{store: store, prefix: prefix, applier: applier, logger: logger, recent: make(map[string]int64)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// LastKey returns the newest journal key the poller has processed.
func (p *Poller) LastKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Poll applies every new event in key order and returns how many were
// applied. Events that fail to decode are logged and skipped. Keys that are
// not event keys are ignored.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.pending(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, k := range keys {
		event, err := p.read(ctx, k.key)
		if err != nil {
			if ctx.Err() != nil {
				return applied, ctx.Err()
			}
			p.logger.Warn("skip journal event", "key", k.key, "error", err)
			p.mark(k)
			continue
		}
		p.mark(k)
		if p.applier.ApplyRemoteEvent(event) {
			applied++
		}
	}
	p.prune()
	return applied, nil
}

// MarkSeen records every current journal event as processed without applying
// it. A server calls it at startup since its caches start empty.
func (p *Poller) MarkSeen(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys, err := p.pending(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		p.mark(k)
	}
	p.prune()
	return nil
}

type eventKey struct {
	key  string
	nano int64
}

// pending lists the event keys not processed yet, oldest first.
func (p *Poller) pending(ctx context.Context) ([]eventKey, error) {
	infos, err := p.store.List(ctx, p.prefix)
	if err != nil {
		return nil, err
	}
	horizon := p.horizon()
	var keys []eventKey
	for _, info := range infos {
		nano, ok := parseEventKey(p.prefix, info.Key)
		if !ok {
			continue
		}
		if info.Key <= p.last {
			if _, done := p.recent[info.Key]; done || nano < horizon {
				continue
			}
		}
		keys = append(keys, eventKey{key: info.Key, nano: nano})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })
	return keys, nil
}

func (p *Poller) mark(k eventKey) {
	if k.key > p.last {
		p.last = k.key
	}
	if p.lookback > 0 {
		p.recent[k.key] = k.nano
	}
}

// horizon is the oldest commit time still accepted behind the last key.
func (p *Poller) horizon() int64 {
	if p.last == "" {
		return math.MinInt64
	}
	nano, _ := parseEventKey(p.prefix, p.last)
	return nano - int64(p.lookback)
}

func (p *Poller) prune() {
	horizon := p.horizon()
	for key, nano := range p.recent {
		if nano < horizon {
			delete(p.recent, key)
		}
	}
}

// parseEventKey extracts the commit time of a key written by EventKey.
func parseEventKey(prefix, key string) (int64, bool) {
	name, ok := strings.CutPrefix(key, prefix)
	if !ok || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	stamp, _, ok := strings.Cut(name, "-")
	if !ok || len(stamp) != 20 {
		return 0, false
	}
	nano, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, false
	}
	return nano, true
}

func (p *Poller) read(ctx context.Context, key string) (domain.TransactionEvent, error) {
	_, rc, err := p.store.Get(ctx, key)
	if err != nil {
		return domain.TransactionEvent{}, err
	}
	defer func() { _ = rc.Close() }()
	var event domain.TransactionEvent
	if err := json.NewDecoder(rc).Decode(&event); err != nil {
		return domain.TransactionEvent{}, errors.Wrap(err, "decode event")
	}
	return event, nil
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("journal poll failed", "error", err)
			}
		}
	}
}
