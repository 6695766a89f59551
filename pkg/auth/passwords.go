package auth

import (
	"github.com/juju/errors"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// HashPassword returns a bcrypt hash of pw.
func HashPassword(pw string) (string, error) {
	if len(pw) < minPasswordLen {
		return "", errors.NotValidf("password shorter than %d characters", minPasswordLen)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Annotate(err, "hash password")
	}
	return string(h), nil
}

// CheckPassword fails Unauthorized when pw does not match hash.
func CheckPassword(hash, pw string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)); err != nil {
		return errors.Unauthorizedf("invalid password")
	}
	return nil
}
