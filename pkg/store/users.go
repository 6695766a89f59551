package store

import (
	"strings"
	"time"

	"pulsespace/pkg/models"
	"pulsespace/pkg/store/keys"
	"pulsespace/pkg/timeutil"

	"github.com/juju/errors"
)

type userRecord struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"password_hash"`
	CreatedNS    int64  `json:"created_ns"`
}

func localTime(ns int64) timeutil.LocalTime {
	return timeutil.NewLocalTime(time.Unix(0, ns).In(timeutil.Zone()))
}

func (r userRecord) toModel() models.User {
	return models.User{
		ID:           r.ID,
		Email:        r.Email,
		Name:         r.Name,
		PasswordHash: r.PasswordHash,
		CreatedAt:    localTime(r.CreatedNS),
	}
}

// CreateUser registers a user. Emails are unique case-insensitively.
func (s *Store) CreateUser(email, name, passwordHash string) (models.User, error) {
	email = strings.TrimSpace(email)
	name = strings.TrimSpace(name)
	if email == "" || !strings.Contains(email, "@") {
		return models.User{}, errors.NotValidf("email %q", email)
	}
	if name == "" {
		return models.User{}, errors.NotValidf("empty name")
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	exists, err := s.has(keys.UserEmail(email))
	if err != nil {
		return models.User{}, err
	}
	if exists {
		return models.User{}, errors.AlreadyExistsf("user with email %s", email)
	}

	b := s.db.NewBatch()
	defer b.Close()
	id, err := s.nextID(b, seqUser)
	if err != nil {
		return models.User{}, err
	}
	rec := userRecord{ID: id, Email: email, Name: name, PasswordHash: passwordHash, CreatedNS: s.now().UnixNano()}
	if err := setJSON(b, keys.User(id), rec); err != nil {
		return models.User{}, err
	}
	if err := setJSON(b, keys.UserEmail(email), id); err != nil {
		return models.User{}, err
	}
	if err := s.commit(b); err != nil {
		return models.User{}, err
	}
	return rec.toModel(), nil
}

func (s *Store) GetUser(id int64) (models.User, error) {
	var rec userRecord
	if err := s.getJSON(keys.User(id), &rec); err != nil {
		if errors.Is(err, errors.NotFound) {
			return models.User{}, errors.NotFoundf("user %d", id)
		}
		return models.User{}, err
	}
	return rec.toModel(), nil
}

func (s *Store) GetUserByEmail(email string) (models.User, error) {
	var id int64
	if err := s.getJSON(keys.UserEmail(email), &id); err != nil {
		if errors.Is(err, errors.NotFound) {
			return models.User{}, errors.UserNotFoundf("email %s", email)
		}
		return models.User{}, err
	}
	return s.GetUser(id)
}
