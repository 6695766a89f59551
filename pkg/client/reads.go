package client

import (
	"sync"
	"time"

	"pulsespace/pkg/reads"

	"github.com/juju/clock"
	"github.com/juju/errors"
)

// ReadMarker debounces local "viewed message N" signals and sends at most
// one read frame per channel and window.
type ReadMarker struct {
	conn    *Conn
	tracker *reads.Tracker
	coord   *Coordinator

	mu   sync.Mutex
	sent map[int64]int64
}

// NewReadMarker returns a marker sending through conn. coord, when set,
// sees the new position immediately instead of waiting for the echo.
func NewReadMarker(conn *Conn, coord *Coordinator, clk clock.Clock, window time.Duration) (*ReadMarker, error) {
	m := &ReadMarker{conn: conn, coord: coord, sent: make(map[int64]int64)}
	t, err := reads.NewTracker(reads.Config{
		Clock:     clk,
		Window:    window,
		Persister: reads.PersisterFunc(m.send),
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.tracker = t
	return m, nil
}

func (m *ReadMarker) send(_, channelID, messageID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageID <= m.sent[channelID] {
		return false, nil
	}
	if err := m.conn.SendRead(channelID, messageID); err != nil {
		return false, errors.Trace(err)
	}
	m.sent[channelID] = messageID
	return true, nil
}

// MarkRead records that messageID in channelID was viewed.
func (m *ReadMarker) MarkRead(channelID, messageID int64) error {
	if err := m.tracker.MarkRead(0, channelID, messageID); err != nil {
		return errors.Trace(err)
	}
	if m.coord != nil {
		m.coord.MarkLocalRead(channelID, messageID)
	}
	return nil
}

// Flush sends pending positions now.
func (m *ReadMarker) Flush() error { return m.tracker.Flush() }

// Close drops pending positions.
func (m *ReadMarker) Close() { m.tracker.Close() }
