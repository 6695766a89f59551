package maintenance

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"pulsespace/pkg/logger"
)

const leaseFileName = "maintenance.lock"

// fileLease is a cooperative lock shared by processes pointed at the same
// state directory. An expired lease may be taken over by anyone.
type fileLease struct {
	path string
	now  func() time.Time
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func newFileLease(dir string, now func() time.Time) *fileLease {
	return &fileLease{path: filepath.Join(dir, leaseFileName), now: now}
}

func (l *fileLease) write(tmp string, lf leaseFile) error {
	b, err := json.Marshal(lf)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(os.WriteFile(tmp, b, 0o600), "write %s", tmp)
}

func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, errors.Trace(err)
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, errors.Annotatef(err, "decode %s", l.path)
	}
	return lf, nil
}

// Acquire reports whether owner now holds the lease.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	tmp := l.path + "." + owner + ".tmp"
	if err := l.write(tmp, leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339Nano)}); err != nil {
		logger.Error("lease_tmp_write_failed", "path", tmp, "error", err)
		return false, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, l.path); err == nil {
		logger.Debug("lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}

	existing, err := l.read()
	if err != nil {
		return false, err
	}
	exp, err := time.Parse(time.RFC3339Nano, existing.Expires)
	if err == nil && exp.After(now) {
		logger.Info("lease_currently_held", "path", l.path, "owner", existing.Owner, "expires", existing.Expires)
		return false, nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		logger.Error("lease_replace_failed", "error", err)
		return false, errors.Trace(err)
	}
	logger.Info("lease_taken_over", "path", l.path, "owner", owner, "previous", existing.Owner)
	return true, nil
}

func (l *fileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errors.Forbiddenf("lease owned by %s", existing.Owner)
	}
	existing.Expires = l.now().Add(ttl).Format(time.RFC3339Nano)
	tmp := l.path + "." + owner + ".tmp"
	if err := l.write(tmp, existing); err != nil {
		return err
	}
	if err := os.Rename(tmp, l.path); err != nil {
		_ = os.Remove(tmp)
		return errors.Annotate(err, "renew lease")
	}
	logger.Debug("lease_renewed", "path", l.path, "owner", owner)
	return nil
}

func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errors.Forbiddenf("lease owned by %s", existing.Owner)
	}
	return errors.Annotate(os.Remove(l.path), "release lease")
}
