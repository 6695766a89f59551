// Package reads debounces read-position updates per (member, channel).
package reads

import (
	"sync"
	"time"

	"pulsespace/pkg/logger"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// DefaultWindow is the coalescing window for MarkRead.
const DefaultWindow = time.Second

// Persister stores a read position. Writes at or below the stored value
// must be no-ops reporting changed=false.
type Persister interface {
	ApplyReadPosition(memberID, channelID, messageID int64) (changed bool, err error)
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(memberID, channelID, messageID int64) (bool, error)

func (f PersisterFunc) ApplyReadPosition(memberID, channelID, messageID int64) (bool, error) {
	return f(memberID, channelID, messageID)
}

// Key identifies one read pointer.
type Key struct {
	MemberID  int64
	ChannelID int64
}

type task struct {
	key   Key
	value int64
	timer clock.Timer
}

// Config configures a Tracker.
type Config struct {
	Clock     clock.Clock
	Window    time.Duration
	Persister Persister
	// OnAdvance runs after a write that moved the pointer forward.
	OnAdvance func(memberID, channelID, lastRead int64)
}

// Tracker coalesces MarkRead calls for the same key within a window to the
// highest id and persists at most once per window.
type Tracker struct {
	cfg Config

	mu      sync.Mutex
	pending map[Key]*task
	closed  bool
	running sync.WaitGroup
}

// NewTracker validates cfg and returns a Tracker.
func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Persister == nil {
		return nil, errors.NotValidf("nil persister")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Tracker{cfg: cfg, pending: make(map[Key]*task)}, nil
}

// MarkRead records that memberID has seen messageID in channelID.
func (t *Tracker) MarkRead(memberID, channelID, messageID int64) error {
	if messageID <= 0 {
		return errors.NotValidf("message id %d", messageID)
	}
	key := Key{MemberID: memberID, ChannelID: channelID}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("read tracker closed")
	}
	if tk, ok := t.pending[key]; ok {
		if messageID > tk.value {
			tk.value = messageID
		}
		return nil
	}
	tk := &task{key: key, value: messageID}
	t.running.Add(1)
	tk.timer = t.cfg.Clock.AfterFunc(t.cfg.Window, func() {
		defer t.running.Done()
		t.fire(tk)
	})
	t.pending[key] = tk
	return nil
}

// Pending returns the coalesced value waiting for key, if any.
func (t *Tracker) Pending(memberID, channelID int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.pending[Key{MemberID: memberID, ChannelID: channelID}]
	if !ok {
		return 0, false
	}
	return tk.value, true
}

func (t *Tracker) fire(tk *task) {
	t.mu.Lock()
	if t.pending[tk.key] != tk {
		t.mu.Unlock()
		return
	}
	delete(t.pending, tk.key)
	value := tk.value
	t.mu.Unlock()

	if err := t.persist(tk.key, value); err != nil {
		logger.Warn("read_position_persist_failed",
			"member_id", tk.key.MemberID, "channel_id", tk.key.ChannelID, "message_id", value, "error", err)
	}
}

func (t *Tracker) persist(key Key, value int64) error {
	changed, err := t.cfg.Persister.ApplyReadPosition(key.MemberID, key.ChannelID, value)
	if err != nil {
		return errors.Trace(err)
	}
	if changed && t.cfg.OnAdvance != nil {
		t.cfg.OnAdvance(key.MemberID, key.ChannelID, value)
	}
	return nil
}

// take removes and returns every pending task with its timer stopped.
func (t *Tracker) take() []*task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*task, 0, len(t.pending))
	for k, tk := range t.pending {
		if tk.timer.Stop() {
			t.running.Done()
		}
		out = append(out, tk)
		delete(t.pending, k)
	}
	return out
}

// Flush persists every pending value now and returns the first error.
func (t *Tracker) Flush() error {
	var first error
	for _, tk := range t.take() {
		if err := t.persist(tk.key, tk.value); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close cancels pending writes and waits for in-flight ones. MarkRead
// fails afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	dropped := t.take()
	if len(dropped) > 0 {
		logger.Debug("read_tracker_dropped_pending", "count", len(dropped))
	}
	t.running.Wait()
}
