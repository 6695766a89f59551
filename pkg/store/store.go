package store

import (
	"encoding/json"
	"sync"
	"time"

	"pulsespace/pkg/logger"
	"pulsespace/pkg/store/keys"
	"pulsespace/pkg/telemetry"
	"pulsespace/pkg/timeutil"

	"github.com/cockroachdb/pebble"
	"github.com/juju/errors"
)

// Store is the durable home of users, workspaces, channels, messages and
// read positions. All writes are synced to the pebble WAL before returning.
type Store struct {
	db   *pebble.DB
	path string

	locksMu      sync.Mutex
	channelLocks map[int64]*sync.Mutex

	seqMu sync.Mutex
	// identity mutations (users, workspaces, channels, memberships)
	dirMu sync.Mutex

	now func() time.Time
}

// Open opens or creates the pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, errors.Annotatef(err, "open store %s", path)
	}
	return &Store{
		db:           db,
		path:         path,
		channelLocks: make(map[int64]*sync.Mutex),
		now:          timeutil.Now,
	}, nil
}

// SetClock replaces the time source used for new records.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

// Flush forces memtables to disk.
func (s *Store) Flush() error {
	if s.db == nil {
		return errors.New("store not opened")
	}
	return errors.Trace(s.db.Flush())
}

// returns mutex for given channel (creates if needed)
func (s *Store) channelLock(channelID int64) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.channelLocks[channelID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.channelLocks[channelID] = l
	return l
}

func (s *Store) getRaw(key string) ([]byte, error) {
	if s.db == nil {
		return nil, errors.New("store not opened")
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.NotFoundf("key %s", key)
		}
		logger.Error("pebble_get_failed", "key", key, "error", err)
		return nil, errors.Trace(err)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (s *Store) getJSON(key string, out any) error {
	raw, err := s.getRaw(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Annotatef(err, "decode %s", key)
	}
	return nil
}

func (s *Store) has(key string) (bool, error) {
	_, err := s.getRaw(key)
	if errors.Is(err, errors.NotFound) {
		return false, nil
	}
	return err == nil, err
}

// batchSetter is the write half of a pebble batch.
type batchSetter interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
}

func unmarshal(raw []byte, out any) error {
	return errors.Trace(json.Unmarshal(raw, out))
}

func setJSON(b batchSetter, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Annotatef(err, "encode %s", key)
	}
	return errors.Trace(b.Set([]byte(key), data, nil))
}

func (s *Store) commit(b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("pebble_apply_batch_failed", "error", err)
		return errors.Trace(err)
	}
	return nil
}

// scanPrefix calls fn for each key under prefix in ascending order until fn
// returns false.
func (s *Store) scanPrefix(prefix string, fn func(key, value []byte) bool) error {
	if s.db == nil {
		return errors.New("store not opened")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keys.PrefixEnd(prefix),
	})
	if err != nil {
		return errors.Trace(err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return errors.Trace(iter.Error())
}

// Stats counts keys per top-level family.
func (s *Store) Stats() (map[string]int, error) {
	tr := telemetry.Track("store.stats")
	defer tr.Finish()

	out := make(map[string]int, len(keys.AllPrefixes))
	for _, p := range keys.AllPrefixes {
		n := 0
		err := s.scanPrefix(p, func(_, _ []byte) bool {
			n++
			return true
		})
		if err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}

// Compact compacts the full key range.
func (s *Store) Compact() error {
	if s.db == nil {
		return errors.New("store not opened")
	}
	tr := telemetry.Track("store.compact")
	defer tr.Finish()
	return errors.Trace(s.db.Compact([]byte{0x00}, []byte{0xff}, true))
}

// DiskUsage reports the on-disk size of the database.
func (s *Store) DiskUsage() uint64 {
	if s.db == nil {
		return 0
	}
	return s.db.Metrics().DiskSpaceUsage()
}
