package store

import (
	"time"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"
	"pulsespace/pkg/telemetry"

	"github.com/juju/errors"
)

const purgeBatchSize = 500

// PurgeDedupe drops publish dedupe records created before cutoff and
// returns how many were removed.
func (s *Store) PurgeDedupe(cutoff time.Time) (int, error) {
	tr := telemetry.Track("store.purge_dedupe")
	defer tr.Finish()

	if s.db == nil {
		return 0, errors.New("store not opened")
	}
	limit := cutoff.UnixNano()
	var stale [][]byte
	err := s.scanPrefix(keys.PrefixDedupe, func(k, v []byte) bool {
		var rec models.PublishRecord
		if err := unmarshal(v, &rec); err != nil {
			logger.Warn("dedupe_record_corrupt", "key", string(k), "error", err)
			stale = append(stale, append([]byte(nil), k...))
			return true
		}
		if rec.CreatedNS < limit {
			stale = append(stale, append([]byte(nil), k...))
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	tr.Mark("scan")

	removed := 0
	for len(stale) > 0 {
		n := min(purgeBatchSize, len(stale))
		b := s.db.NewBatch()
		for _, k := range stale[:n] {
			if err := b.Delete(k, nil); err != nil {
				b.Close()
				return removed, errors.Trace(err)
			}
		}
		if err := s.commit(b); err != nil {
			b.Close()
			return removed, err
		}
		b.Close()
		removed += n
		stale = stale[n:]
	}
	return removed, nil
}
