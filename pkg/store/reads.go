package store

import (
	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"
	"pulsespace/pkg/telemetry"

	"github.com/juju/errors"
)

// ReadPosition returns the stored last-read id, 0 when none.
func (s *Store) ReadPosition(memberID, channelID int64) (int64, error) {
	var rp models.ReadPosition
	err := s.getJSON(keys.ReadPosition(channelID, memberID), &rp)
	if errors.Is(err, errors.NotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rp.LastReadMessageID, nil
}

// ApplyReadPosition advances the member's read position. Writes at or
// below the stored value are no-ops and report changed=false.
func (s *Store) ApplyReadPosition(memberID, channelID, messageID int64) (bool, error) {
	tr := telemetry.Track("store.apply_read")
	defer tr.Finish()

	if messageID <= 0 {
		return false, errors.NotValidf("message id %d", messageID)
	}
	// the channel lock also orders this against concurrent appends
	lock := s.channelLock(channelID)
	lock.Lock()
	defer lock.Unlock()

	h, err := s.head(channelID)
	if err != nil {
		return false, err
	}
	if messageID > h.LastID {
		return false, errors.NotValidf("message id %d beyond channel head %d", messageID, h.LastID)
	}
	cur, err := s.ReadPosition(memberID, channelID)
	if err != nil {
		return false, err
	}
	if messageID <= cur {
		return false, nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	rp := models.ReadPosition{ChannelID: channelID, MemberID: memberID, LastReadMessageID: messageID}
	if err := setJSON(b, keys.ReadPosition(channelID, memberID), rp); err != nil {
		return false, err
	}
	if err := s.commit(b); err != nil {
		return false, err
	}
	telemetry.ReadPositionsPersisted.Inc()
	return true, nil
}

// Unread derives the unread view for one member. Ids are gapless per
// channel so the count is the distance from the read position to the head.
func (s *Store) Unread(memberID, channelID int64) (models.Unread, error) {
	out := models.Unread{ChannelID: channelID}
	last, err := s.ReadPosition(memberID, channelID)
	if err != nil {
		return out, err
	}
	head, err := s.Head(channelID)
	if err != nil {
		return out, err
	}
	out.LastReadMessageID = last
	if head > last {
		out.UnreadCount = head - last
	}
	return out, nil
}

// UnreadFor is Unread with the caller's visibility checked first.
func (s *Store) UnreadFor(memberID, channelID int64) (models.Unread, error) {
	if err := s.authorizeRead(memberID, channelID); err != nil {
		return models.Unread{}, err
	}
	return s.Unread(memberID, channelID)
}
