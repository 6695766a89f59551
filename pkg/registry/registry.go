// Package registry tracks which live connections want events for which
// channels and hands events to their outbound queues.
package registry

import (
	"sort"
	"sync"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/telemetry"

	"github.com/juju/errors"
)

// DefaultQueueSize is the outbound queue depth per connection.
const DefaultQueueSize = 256

// Handle is a registered connection's view of its outbound queue. C is
// closed when the connection is dropped or evicted.
type Handle struct {
	ID string
	C  <-chan []byte

	conn *entry
}

// Evicted reports whether the connection was dropped for falling behind.
func (h *Handle) Evicted() bool {
	h.conn.mu.Lock()
	defer h.conn.mu.Unlock()
	return h.conn.evicted
}

type entry struct {
	id   string
	send chan []byte

	mu       sync.Mutex
	channels map[int64]struct{}
	closed   bool
	evicted  bool
}

type fanout struct {
	mu   sync.RWMutex
	subs map[string]*entry
}

// Registry maps connections to channel subscriptions.
type Registry struct {
	queueSize int

	connsMu sync.RWMutex
	conns   map[string]*entry

	channels sync.Map // int64 -> *fanout

	// OnEvict is called once for each connection evicted as a slow consumer.
	OnEvict func(connID string)
}

// New returns an empty registry; queueSize <= 0 selects DefaultQueueSize.
func New(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{queueSize: queueSize, conns: make(map[string]*entry)}
}

// Register adds a connection and returns its outbound queue.
func (r *Registry) Register(connID string) (*Handle, error) {
	r.connsMu.Lock()
	defer r.connsMu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return nil, errors.AlreadyExistsf("connection %s", connID)
	}
	e := &entry{id: connID, send: make(chan []byte, r.queueSize), channels: make(map[int64]struct{})}
	r.conns[connID] = e
	return &Handle{ID: connID, C: e.send, conn: e}, nil
}

func (r *Registry) lookup(connID string) *entry {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return r.conns[connID]
}

func (r *Registry) fanoutFor(channelID int64) *fanout {
	if f, ok := r.channels.Load(channelID); ok {
		return f.(*fanout)
	}
	f, _ := r.channels.LoadOrStore(channelID, &fanout{subs: make(map[string]*entry)})
	return f.(*fanout)
}

// Subscribe registers interest of connID in channelID. Subscribing twice
// keeps a single entry; the returned func unsubscribes.
func (r *Registry) Subscribe(connID string, channelID int64) (func(), error) {
	e := r.lookup(connID)
	if e == nil {
		return nil, errors.NotFoundf("connection %s", connID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.NotFoundf("connection %s", connID)
	}
	if _, ok := e.channels[channelID]; !ok {
		f := r.fanoutFor(channelID)
		f.mu.Lock()
		f.subs[connID] = e
		f.mu.Unlock()
		e.channels[channelID] = struct{}{}
	}
	var once sync.Once
	return func() { once.Do(func() { r.Unsubscribe(connID, channelID) }) }, nil
}

// Unsubscribe removes the pair if present.
func (r *Registry) Unsubscribe(connID string, channelID int64) {
	e := r.lookup(connID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.channels[channelID]; !ok {
		return
	}
	delete(e.channels, channelID)
	r.removeFromFanout(connID, channelID)
}

func (r *Registry) removeFromFanout(connID string, channelID int64) {
	v, ok := r.channels.Load(channelID)
	if !ok {
		return
	}
	f := v.(*fanout)
	f.mu.Lock()
	delete(f.subs, connID)
	f.mu.Unlock()
}

// IsSubscribed reports whether connID currently holds channelID.
func (r *Registry) IsSubscribed(connID string, channelID int64) bool {
	e := r.lookup(connID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.channels[channelID]
	return ok
}

// Channels returns the channels connID is subscribed to, ascending.
func (r *Registry) Channels(connID string) []int64 {
	e := r.lookup(connID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	out := make([]int64, 0, len(e.channels))
	for id := range e.channels {
		out = append(out, id)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribers returns the number of connections subscribed to channelID.
func (r *Registry) Subscribers(channelID int64) int {
	v, ok := r.channels.Load(channelID)
	if !ok {
		return 0
	}
	f := v.(*fanout)
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.conns)
}

// Publish hands frame to every subscriber of channelID without blocking.
// Subscribers whose queue is full are evicted. It returns the number of
// queues the frame was delivered to.
func (r *Registry) Publish(channelID int64, frame []byte) int {
	v, ok := r.channels.Load(channelID)
	if !ok {
		return 0
	}
	f := v.(*fanout)

	delivered := 0
	var slow []*entry
	f.mu.RLock()
	for _, e := range f.subs {
		select {
		case e.send <- frame:
			delivered++
		default:
			slow = append(slow, e)
		}
	}
	f.mu.RUnlock()

	telemetry.BroadcastDeliveries.Add(float64(delivered))
	for _, e := range slow {
		r.evict(e, channelID)
	}
	return delivered
}

// SendTo queues frame for a single connection; a full queue evicts it.
func (r *Registry) SendTo(connID string, frame []byte) bool {
	e := r.lookup(connID)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	select {
	case e.send <- frame:
		e.mu.Unlock()
		return true
	default:
		e.mu.Unlock()
		r.evict(e, 0)
		return false
	}
}

func (r *Registry) evict(e *entry, channelID int64) {
	if !r.drop(e, true) {
		return
	}
	telemetry.SlowSubscribersEvicted.Inc()
	logger.Warn("slow_subscriber_evicted", "connection_id", e.id, "channel_id", channelID)
	if r.OnEvict != nil {
		r.OnEvict(e.id)
	}
}

// DropConnection removes every subscription of connID and closes its queue.
// All entries are gone when it returns.
func (r *Registry) DropConnection(connID string) {
	if e := r.lookup(connID); e != nil {
		r.drop(e, false)
	}
}

// drop reports whether this call performed the removal.
func (r *Registry) drop(e *entry, evicted bool) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.evicted = evicted
	channels := make([]int64, 0, len(e.channels))
	for id := range e.channels {
		channels = append(channels, id)
	}
	e.channels = map[int64]struct{}{}
	e.mu.Unlock()

	for _, id := range channels {
		r.removeFromFanout(e.id, id)
	}
	r.connsMu.Lock()
	if r.conns[e.id] == e {
		delete(r.conns, e.id)
	}
	r.connsMu.Unlock()
	close(e.send)
	return true
}
