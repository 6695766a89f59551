// Package catchup replays the messages a client missed while disconnected.
package catchup

import (
	"context"
	"sort"
	"sync"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/telemetry"

	"github.com/juju/errors"
)

const (
	DefaultLimit    = 100
	DefaultMaxPages = 1
)

// ErrSuperseded is returned when a newer reconcile for the same channel
// started before this one could apply its result.
const ErrSuperseded = errors.ConstError("reconcile superseded")

// Pager is the paginated history read.
type Pager interface {
	Page(ctx context.Context, channelID int64, cur models.Cursor) ([]models.Message, error)
}

type run struct {
	gen    uint64
	cancel context.CancelFunc
}

// Reconciler fetches what a client missed after its last seen id. Only the
// most recent reconcile per channel may apply its result.
type Reconciler struct {
	pager    Pager
	limit    int
	maxPages int

	mu   sync.Mutex
	runs map[int64]run
	next uint64
}

// New returns a Reconciler; non-positive limit or maxPages select defaults.
func New(pager Pager, limit, maxPages int) *Reconciler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > models.MaxPageLimit {
		limit = models.MaxPageLimit
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Reconciler{pager: pager, limit: limit, maxPages: maxPages, runs: make(map[int64]run)}
}

func (r *Reconciler) begin(ctx context.Context, channelID int64) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.runs[channelID]; ok {
		prev.cancel()
	}
	r.next++
	r.runs[channelID] = run{gen: r.next, cancel: cancel}
	return ctx, r.next
}

func (r *Reconciler) end(channelID int64, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[channelID]; ok && cur.gen == gen {
		cur.cancel()
		delete(r.runs, channelID)
	}
}

// Gap is a run of ids a reconcile left unfetched: every id after After
// and before Before. Before 0 leaves the run open up to the channel head.
type Gap struct {
	After  int64 `json:"after"`
	Before int64 `json:"before,omitempty"`
}

// Contains reports whether id falls inside the gap.
func (g Gap) Contains(id int64) bool {
	return id > g.After && (g.Before == 0 || id < g.Before)
}

// Result describes one applied reconcile.
type Result struct {
	Applied int
	// Gap is set when more messages were missed than the pass could fetch.
	Gap *Gap
}

// Reconcile fetches what was appended after lastSeenID, newest first: the
// first page is the latest limit messages of the channel and further pages
// walk backwards, up to maxPages in total. The collected messages reach
// apply once, in ascending order. When the budget runs out before reaching
// lastSeenID the older remainder is reported as a Gap for the caller to
// fill through afterId pages. apply runs under the reconciler lock and
// must not call back into it.
func (r *Reconciler) Reconcile(ctx context.Context, channelID, lastSeenID int64, apply func([]models.Message)) (Result, error) {
	tr := telemetry.Track("catchup.reconcile")
	defer tr.Finish()

	ctx, gen := r.begin(ctx, channelID)
	defer r.end(channelID, gen)

	var pages [][]models.Message
	complete := false
	cur := models.Cursor{Limit: r.limit}
	for page := 0; page < r.maxPages; page++ {
		raw, err := r.pager.Page(ctx, channelID, cur)
		if err != nil {
			if r.superseded(channelID, gen) {
				return Result{}, ErrSuperseded
			}
			return Result{}, errors.Annotatef(err, "catch up channel %d after %d", channelID, lastSeenID)
		}
		tr.Mark("page")

		msgs := newerThan(raw, lastSeenID)
		if len(msgs) > 0 {
			pages = append(pages, msgs)
		}
		if len(msgs) < r.limit || msgs[0].ID <= lastSeenID+1 {
			complete = true
			break
		}
		cur = models.Cursor{BeforeID: msgs[0].ID, Limit: r.limit}
	}

	var all []models.Message
	for i := len(pages) - 1; i >= 0; i-- {
		all = append(all, pages[i]...)
	}
	res := Result{Applied: len(all)}
	if !complete && len(all) > 0 {
		res.Gap = &Gap{After: lastSeenID, Before: all[0].ID}
	}

	r.mu.Lock()
	if cur, ok := r.runs[channelID]; !ok || cur.gen != gen {
		r.mu.Unlock()
		return Result{}, ErrSuperseded
	}
	if len(all) > 0 {
		apply(all)
	}
	r.mu.Unlock()

	telemetry.CatchupMessages.Add(float64(len(all)))
	if res.Gap != nil {
		logger.Info("catchup_gap", "channel_id", channelID, "after_id", res.Gap.After, "before_id", res.Gap.Before)
	}
	logger.Debug("catchup_applied", "channel_id", channelID, "after_id", lastSeenID, "count", len(all))
	return res, nil
}

// newerThan returns the messages above id in ascending order.
func newerThan(msgs []models.Message, id int64) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID > id {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reconciler) superseded(channelID int64, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.runs[channelID]
	return !ok || cur.gen != gen
}
