package store

import (
	"strconv"

	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
)

const (
	seqUser      = "user"
	seqWorkspace = "workspace"
	seqChannel   = "channel"
)

// nextID reserves the next id of kind and stages the counter in b. Callers
// hold dirMu so the reservation and the record commit together.
func (s *Store) nextID(b *pebble.Batch, kind string) (int64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	key := keys.Sequence(kind)
	var cur int64
	raw, err := s.getRaw(key)
	switch {
	case err == nil:
		if cur, err = strconv.ParseInt(string(raw), 10, 64); err != nil {
			return 0, errors.Annotatef(err, "corrupt sequence %s", kind)
		}
	case errors.Is(err, errors.NotFound):
	default:
		return 0, err
	}
	cur++
	if err := b.Set([]byte(key), []byte(strconv.FormatInt(cur, 10)), nil); err != nil {
		return 0, errors.Trace(err)
	}
	return cur, nil
}

// head returns the channel head, rebuilding it from the last message key
// when the head record is missing.
func (s *Store) head(channelID int64) (models.ChannelHead, error) {
	var h models.ChannelHead
	err := s.getJSON(keys.ChannelHead(channelID), &h)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return h, err
	}
	last, ok, err := s.lastMessage(channelID)
	if err != nil {
		return h, err
	}
	if ok {
		h.LastID = last.ID
		h.LastCreatedNS = last.CreatedNS
	}
	return h, nil
}
