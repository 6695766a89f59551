// Package gateway serves the realtime websocket endpoint: it authenticates
// connections, routes subscribe/publish/read frames and pushes channel
// events to subscribers.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"pulsespace/pkg/auth"
	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/registry"
	"pulsespace/pkg/store"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/timeutil"
	"pulsespace/pkg/utils"
	"pulsespace/pkg/wire"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub/v2"
)

const (
	DefaultHeartbeat       = 10 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultMaxFrameBytes   = 16 << 10
	DefaultFramesPerSecond = 40
	DefaultMaxDecodeErrors = 3
)

// Store is the subset of the message store the gateway needs.
type Store interface {
	Append(ctx context.Context, in store.NewMessage) (models.Message, bool, error)
	IsMember(memberID, channelID int64) (bool, error)
	Head(channelID int64) (int64, error)
}

// Identity resolves a bearer credential to a member id.
type Identity interface {
	ResolveIdentity(token string) (int64, error)
}

// ReadMarker accepts read position updates.
type ReadMarker interface {
	MarkRead(memberID, channelID, messageID int64) error
}

// Config tunes connection handling.
type Config struct {
	Heartbeat       time.Duration
	WriteTimeout    time.Duration
	MaxFrameBytes   int64
	FramesPerSecond float64
	FrameBurst      int
	MaxDecodeErrors int
	MaxContentRunes int
	AllowedOrigins  []string
	Clock           clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.FramesPerSecond <= 0 {
		c.FramesPerSecond = DefaultFramesPerSecond
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = int(c.FramesPerSecond)
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = DefaultMaxDecodeErrors
	}
	if c.MaxContentRunes <= 0 {
		c.MaxContentRunes = store.MaxContentRunes
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// Gateway owns every live realtime connection.
type Gateway struct {
	cfg      Config
	store    Store
	identity Identity
	registry *registry.Registry
	hub      *pubsub.SimpleHub
	upgrader websocket.Upgrader

	readsMu sync.RWMutex
	reads   ReadMarker

	seqMu      sync.Mutex
	sequencers map[int64]*sync.Mutex

	connsMu sync.Mutex
	conns   map[string]*conn
	closing bool
	active  sync.WaitGroup
}

// New builds a gateway publishing through reg.
func New(cfg Config, st Store, id Identity, reg *registry.Registry) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:        cfg,
		store:      st,
		identity:   id,
		registry:   reg,
		hub:        newHub(),
		sequencers: make(map[int64]*sync.Mutex),
		conns:      make(map[string]*conn),
	}
	checkOrigin := auth.OriginChecker(cfg.AllowedOrigins)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r.Header.Get("Origin"), r.Host)
		},
	}
	return g
}

// SetReadMarker wires the read tracker. Read frames fail until it is set.
func (g *Gateway) SetReadMarker(r ReadMarker) {
	g.readsMu.Lock()
	g.reads = r
	g.readsMu.Unlock()
}

func (g *Gateway) readMarker() ReadMarker {
	g.readsMu.RLock()
	defer g.readsMu.RUnlock()
	return g.reads
}

// returns the publish sequencer for a channel (creates if needed)
func (g *Gateway) sequencer(channelID int64) *sync.Mutex {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()
	if l, ok := g.sequencers[channelID]; ok {
		return l
	}
	l := &sync.Mutex{}
	g.sequencers[channelID] = l
	return l
}

// Publish authorizes memberID, appends the message and fans it out to the
// channel's subscribers. Append and fan-out happen under one per-channel
// lock so every subscriber sees channel messages in id order.
func (g *Gateway) Publish(ctx context.Context, memberID int64, in store.NewMessage) (models.Message, bool, error) {
	tr := telemetry.Track("gateway.publish")
	defer tr.Finish()

	in.SenderID = memberID
	if err := store.ValidateContent(in.Content, g.cfg.MaxContentRunes); err != nil {
		return models.Message{}, false, err
	}
	ok, err := g.store.IsMember(memberID, in.ChannelID)
	if err != nil {
		return models.Message{}, false, errors.Trace(err)
	}
	if !ok {
		return models.Message{}, false, errors.Forbiddenf("member %d cannot post to channel %d", memberID, in.ChannelID)
	}

	lock := g.sequencer(in.ChannelID)
	lock.Lock()
	defer lock.Unlock()
	tr.Mark("authorized")

	msg, created, err := g.store.Append(ctx, in)
	if err != nil {
		return models.Message{}, false, errors.Trace(err)
	}
	tr.Mark("appended")
	if created {
		n := g.registry.Publish(in.ChannelID, wire.MessageFrame(msg))
		logger.Debug("message_broadcast", "channel_id", in.ChannelID, "message_id", msg.ID, "deliveries", n)
	}
	return msg, created, nil
}

// ReadAdvanced tells every connection of memberID that its read position
// in channelID moved. It is the read tracker's advance callback.
func (g *Gateway) ReadAdvanced(memberID, channelID, lastRead int64) {
	g.hub.Publish(readTopic(memberID), wire.ReadUpdated{ChannelID: channelID, LastReadMessageID: lastRead})
}

// Connections returns the number of open connections.
func (g *Gateway) Connections() int {
	g.connsMu.Lock()
	defer g.connsMu.Unlock()
	return len(g.conns)
}

func credential(r *http.Request) string {
	if tok := auth.BearerToken(r.Header.Get("Authorization")); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// ServeHTTP authenticates and upgrades the request, then runs the
// connection until it ends.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.LogRequest(r)
	memberID, err := g.identity.ResolveIdentity(credential(r))
	if err != nil {
		logger.Warn("ws_handshake_unauthorized", "remote", r.RemoteAddr)
		utils.JSONErrorHTTP(w, http.StatusUnauthorized, wire.CodeUnauthorized, "unauthorized")
		return
	}

	g.connsMu.Lock()
	if g.closing {
		g.connsMu.Unlock()
		utils.JSONErrorHTTP(w, http.StatusServiceUnavailable, wire.CodeUnavailable, "shutting down")
		return
	}
	g.active.Add(1)
	g.connsMu.Unlock()
	defer g.active.Done()

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, err := g.register(ws, memberID)
	if err != nil {
		logger.Error("ws_register_failed", "member_id", memberID, "error", err)
		_ = ws.Close()
		return
	}
	c.run()
}

func (g *Gateway) register(ws *websocket.Conn, memberID int64) (*conn, error) {
	id := uuid.NewString()
	h, err := g.registry.Register(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := newConn(g, ws, id, memberID, h)
	c.hubUnsub = g.hub.Subscribe(readTopic(memberID), func(_ string, data interface{}) {
		if ev, ok := data.(wire.ReadUpdated); ok {
			g.registry.SendTo(id, wire.MustEncode(wire.TypeReadUpdated, "", ev))
		}
	})

	g.connsMu.Lock()
	g.conns[id] = c
	g.connsMu.Unlock()
	telemetry.WSConnections.Inc()
	logger.Info("ws_connected", "connection_id", id, "member_id", memberID)

	g.registry.SendTo(id, wire.MustEncode(wire.TypeConnected, "", wire.Connected{
		MemberID:     memberID,
		ConnectionID: id,
		HeartbeatMS:  g.cfg.Heartbeat.Milliseconds(),
		ServerTime:   timeutil.Format(g.cfg.Clock.Now()),
	}))
	return c, nil
}

func (g *Gateway) unregister(c *conn) {
	g.connsMu.Lock()
	_, ok := g.conns[c.id]
	delete(g.conns, c.id)
	g.connsMu.Unlock()
	if ok {
		telemetry.WSConnections.Dec()
	}
}

// Close stops accepting connections, closes every open one with a going
// away status and waits for them to finish or ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	g.connsMu.Lock()
	g.closing = true
	open := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		open = append(open, c)
	}
	g.connsMu.Unlock()

	for _, c := range open {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "waiting for realtime connections")
	}
}
