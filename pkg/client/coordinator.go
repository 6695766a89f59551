package client

import (
	"context"
	"sort"
	"sync"

	"pulsespace/pkg/catchup"
	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/wire"

	"github.com/juju/errors"
)

// ChannelView is the client's derived state of one channel.
type ChannelView struct {
	ChannelID         int64
	UnreadCount       int64
	LastReadMessageID int64
	Latest            *models.Message
	// HighWater is the highest message id in the local log.
	HighWater int64
	// Gaps lists missed runs a catch-up could not fetch; FillGap loads them.
	Gaps []catchup.Gap
}

type channelState struct {
	view ChannelView
	log  []models.Message

	// From connect until the channel's catch-up is applied, live messages
	// wait in buffered so the replayed gap lands first. since is the high
	// water mark the catch-up starts from; running is the connection epoch
	// whose catch-up has been started.
	syncing  bool
	since    int64
	running  uint64
	buffered []models.Message
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Pager    catchup.Pager
	Limit    int
	MaxPages int
	// OnChange runs after any update to a channel's view or log.
	OnChange func(channelID int64)
}

// Coordinator is the single place inbound events are applied. For every
// event the channel aggregates are updated first and the message log
// second.
type Coordinator struct {
	pager      catchup.Pager
	limit      int
	reconciler *catchup.Reconciler
	onChange   func(int64)

	mu       sync.Mutex
	channels map[int64]*channelState
	// epoch counts connections seen through Bind
	epoch uint64
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	limit := cfg.Limit
	if limit <= 0 {
		limit = catchup.DefaultLimit
	}
	return &Coordinator{
		pager:      cfg.Pager,
		limit:      limit,
		reconciler: catchup.New(cfg.Pager, limit, cfg.MaxPages),
		onChange:   cfg.OnChange,
		channels:   make(map[int64]*channelState),
	}
}

// Bind routes a Conn's inbound events through the coordinator. Each time
// the connection comes up every tracked channel starts buffering live
// messages before any subscribe is sent; the catch-up of a channel starts
// once the server confirms its subscription, so no message falls between
// the history read and the broadcast. Existing callbacks in opts still
// run, after the coordinator.
func (c *Coordinator) Bind(ctx context.Context, opts *Options) {
	onMessage, onRead, onStatus, onSubscribed := opts.OnMessage, opts.OnReadUpdated, opts.OnStatus, opts.OnSubscribed
	opts.OnMessage = func(m models.Message) {
		c.HandleMessage(m)
		if onMessage != nil {
			onMessage(m)
		}
	}
	opts.OnReadUpdated = func(ev wire.ReadUpdated) {
		c.HandleReadUpdated(ev)
		if onRead != nil {
			onRead(ev)
		}
	}
	opts.OnStatus = func(s State, err error) {
		if s == StateConnected {
			c.connected()
		}
		if onStatus != nil {
			onStatus(s, err)
		}
	}
	opts.OnSubscribed = func(p wire.Subscribed) {
		c.subscribed(ctx, p.ChannelID, p.HeadID)
		if onSubscribed != nil {
			onSubscribed(p)
		}
	}
}

// connected opens a new epoch and holds live delivery of every tracked
// channel until its catch-up lands.
func (c *Coordinator) connected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for _, st := range c.channels {
		st.beginSync()
	}
}

func (c *Coordinator) subscribed(ctx context.Context, channelID, headID int64) {
	c.mu.Lock()
	st := c.stateFor(channelID)
	if st.syncing && st.running == c.epoch {
		c.mu.Unlock()
		return
	}
	st.beginSync()
	st.running = c.epoch
	epoch, since := c.epoch, st.since
	c.mu.Unlock()

	go func() {
		if err := c.catchUp(ctx, channelID, since, headID, epoch); err != nil {
			logger.Warn("client_catchup_failed", "channel_id", channelID, "error", err)
		}
	}()
}

func (c *Coordinator) stateFor(channelID int64) *channelState {
	st, ok := c.channels[channelID]
	if !ok {
		st = &channelState{view: ChannelView{ChannelID: channelID}}
		c.channels[channelID] = st
	}
	return st
}

func (c *Coordinator) changed(channelID int64) {
	if c.onChange != nil {
		c.onChange(channelID)
	}
}

// Track starts keeping state for channelID.
func (c *Coordinator) Track(channelID int64) {
	c.mu.Lock()
	c.stateFor(channelID)
	c.mu.Unlock()
}

// Seed loads channel aggregates from a channel listing.
func (c *Coordinator) Seed(summaries []models.ChannelSummary) {
	c.mu.Lock()
	for _, s := range summaries {
		st := c.stateFor(s.ID)
		st.view.UnreadCount = s.UnreadCount
		if s.LastReadMessageID > st.view.LastReadMessageID {
			st.view.LastReadMessageID = s.LastReadMessageID
		}
		if s.LatestMessage != nil && (st.view.Latest == nil || s.LatestMessage.ID > st.view.Latest.ID) {
			m := *s.LatestMessage
			st.view.Latest = &m
		}
	}
	c.mu.Unlock()
	for _, s := range summaries {
		c.changed(s.ID)
	}
}

func (st *channelState) applyAggregates(msgs []models.Message) {
	for i := range msgs {
		if st.view.Latest == nil || msgs[i].ID > st.view.Latest.ID {
			m := msgs[i]
			st.view.Latest = &m
		}
	}
	st.recountUnread()
}

func (st *channelState) recountUnread() {
	if st.view.Latest == nil {
		st.view.UnreadCount = 0
		return
	}
	n := st.view.Latest.ID - st.view.LastReadMessageID
	if n < 0 {
		n = 0
	}
	st.view.UnreadCount = n
}

// appendLog adds messages above the high-water mark in ascending id order.
func (st *channelState) appendLog(msgs []models.Message) int {
	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	added := 0
	for _, m := range sorted {
		if m.ID <= st.view.HighWater {
			continue
		}
		st.log = append(st.log, m)
		st.view.HighWater = m.ID
		added++
	}
	return added
}

// HandleMessage applies a live message.
func (c *Coordinator) HandleMessage(m models.Message) {
	c.mu.Lock()
	st := c.stateFor(m.ChannelID)
	st.applyAggregates([]models.Message{m})
	if st.syncing {
		st.buffered = append(st.buffered, m)
	} else {
		st.appendLog([]models.Message{m})
	}
	c.mu.Unlock()
	c.changed(m.ChannelID)
}

// HandleReadUpdated applies a read position pushed by the server.
func (c *Coordinator) HandleReadUpdated(ev wire.ReadUpdated) {
	c.MarkLocalRead(ev.ChannelID, ev.LastReadMessageID)
}

// MarkLocalRead moves the local read pointer forward; it never regresses.
func (c *Coordinator) MarkLocalRead(channelID, messageID int64) {
	c.mu.Lock()
	st := c.stateFor(channelID)
	moved := messageID > st.view.LastReadMessageID
	if moved {
		st.view.LastReadMessageID = messageID
		st.recountUnread()
	}
	c.mu.Unlock()
	if moved {
		c.changed(channelID)
	}
}

func (st *channelState) beginSync() {
	if !st.syncing {
		st.syncing = true
		st.since = st.view.HighWater
	}
}

func (c *Coordinator) apply(channelID int64, msgs []models.Message) {
	c.mu.Lock()
	st := c.stateFor(channelID)
	st.applyAggregates(msgs)
	st.appendLog(msgs)
	c.mu.Unlock()
}

// catchUp loads what channelID missed after since and then releases the
// buffered live messages. headID below 0 means the head is unknown.
func (c *Coordinator) catchUp(ctx context.Context, channelID, since, headID int64, epoch uint64) error {
	if c.pager == nil {
		c.finishSync(channelID, epoch, nil)
		return errors.NotValidf("coordinator without pager")
	}
	var (
		gap *catchup.Gap
		err error
	)
	switch {
	case headID >= 0 && headID <= since:
	case since == 0:
		var msgs []models.Message
		msgs, err = c.pager.Page(ctx, channelID, models.Cursor{Limit: c.limit})
		if err == nil {
			c.apply(channelID, msgs)
		}
		err = errors.Annotatef(err, "load channel %d", channelID)
	default:
		var res catchup.Result
		res, err = c.reconciler.Reconcile(ctx, channelID, since, func(msgs []models.Message) {
			c.apply(channelID, msgs)
		})
		if errors.Is(err, catchup.ErrSuperseded) {
			// the newer run owns the channel now
			return nil
		}
		gap = res.Gap
	}
	if err != nil && since > 0 {
		// nothing after since is known to be loaded
		gap = &catchup.Gap{After: since}
	}
	c.finishSync(channelID, epoch, gap)
	return errors.Trace(err)
}

// finishSync records gap and, unless a newer connection has taken over the
// channel, releases its buffered live messages.
func (c *Coordinator) finishSync(channelID int64, epoch uint64, gap *catchup.Gap) {
	c.mu.Lock()
	st := c.stateFor(channelID)
	if gap != nil {
		st.view.Gaps = append(st.view.Gaps, *gap)
	}
	if st.syncing && st.running == epoch && c.epoch == epoch {
		st.syncing = false
		if len(st.buffered) > 0 {
			st.appendLog(st.buffered)
			st.buffered = nil
		}
	}
	c.mu.Unlock()
	c.changed(channelID)
}

// Resync fills the gap between the local log and the channel head. A
// channel with an empty log loads its latest page instead.
func (c *Coordinator) Resync(ctx context.Context, channelID int64) error {
	c.mu.Lock()
	st := c.stateFor(channelID)
	st.beginSync()
	st.running = c.epoch
	epoch, since := c.epoch, st.since
	c.mu.Unlock()
	return c.catchUp(ctx, channelID, since, -1, epoch)
}

// ResyncAll resyncs every tracked channel and returns the first error.
// All channels hold live messages from the start, not only the one being
// fetched.
func (c *Coordinator) ResyncAll(ctx context.Context) error {
	type pending struct {
		id    int64
		since int64
	}
	c.mu.Lock()
	epoch := c.epoch
	todo := make([]pending, 0, len(c.channels))
	for id, st := range c.channels {
		st.beginSync()
		st.running = epoch
		todo = append(todo, pending{id: id, since: st.since})
	}
	c.mu.Unlock()
	sort.Slice(todo, func(i, j int) bool { return todo[i].id < todo[j].id })

	var first error
	for _, p := range todo {
		if err := c.catchUp(ctx, p.id, p.since, -1, epoch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// FillGap pages forward through the oldest recorded gap of channelID and
// merges what it finds into the log. It returns the number of messages
// added.
func (c *Coordinator) FillGap(ctx context.Context, channelID int64) (int, error) {
	if c.pager == nil {
		return 0, errors.NotValidf("coordinator without pager")
	}
	c.mu.Lock()
	st, ok := c.channels[channelID]
	if !ok || len(st.view.Gaps) == 0 {
		c.mu.Unlock()
		return 0, nil
	}
	gap := st.view.Gaps[0]
	c.mu.Unlock()

	added := 0
	for {
		msgs, err := c.pager.Page(ctx, channelID, models.Cursor{AfterID: gap.After, Limit: c.limit})
		if err != nil {
			return added, errors.Annotatef(err, "fill channel %d after %d", channelID, gap.After)
		}
		var in []models.Message
		for _, m := range msgs {
			if gap.Contains(m.ID) {
				in = append(in, m)
			}
		}
		done := len(msgs) < c.limit || len(in) < len(msgs)

		c.mu.Lock()
		st := c.stateFor(channelID)
		st.applyAggregates(in)
		added += st.mergeLog(in)
		next := gap
		if len(in) > 0 {
			next.After = in[len(in)-1].ID
		}
		st.replaceGap(gap, next, done)
		c.mu.Unlock()
		c.changed(channelID)

		if done {
			return added, nil
		}
		gap = next
	}
}

func (st *channelState) replaceGap(old, next catchup.Gap, drop bool) {
	for i, g := range st.view.Gaps {
		if g != old {
			continue
		}
		if drop {
			st.view.Gaps = append(st.view.Gaps[:i], st.view.Gaps[i+1:]...)
		} else {
			st.view.Gaps[i] = next
		}
		return
	}
}

// mergeLog inserts messages missing from the log at their id position.
func (st *channelState) mergeLog(msgs []models.Message) int {
	added := 0
	for _, m := range msgs {
		i := sort.Search(len(st.log), func(i int) bool { return st.log[i].ID >= m.ID })
		if i < len(st.log) && st.log[i].ID == m.ID {
			continue
		}
		st.log = append(st.log, models.Message{})
		copy(st.log[i+1:], st.log[i:])
		st.log[i] = m
		if m.ID > st.view.HighWater {
			st.view.HighWater = m.ID
		}
		added++
	}
	return added
}

// View returns the derived state of channelID.
func (c *Coordinator) View(channelID int64) (ChannelView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channelID]
	if !ok {
		return ChannelView{}, false
	}
	v := st.view
	if v.Latest != nil {
		m := *v.Latest
		v.Latest = &m
	}
	v.Gaps = append([]catchup.Gap(nil), st.view.Gaps...)
	return v, true
}

// Messages returns a copy of the local log of channelID.
func (c *Coordinator) Messages(channelID int64) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(st.log))
	copy(out, st.log)
	return out
}
