package attendance

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt rejects longer inputs with ErrPasswordTooLong.
const maxPasswordBytes = 72

func hashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func isHashed(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$")
}

// checkPassword reports whether password matches stored. Plain text stored values
// only match when legacy is set; needsRehash tells the caller to upgrade them.
// In legacy mode a stored value bcrypt cannot parse is compared as plain text.
func checkPassword(stored, password string, legacy bool) (ok, needsRehash bool, err error) {
	if isHashed(stored) {
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
		switch {
		case err == nil:
			return true, false, nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, false, nil
		case !legacy:
			return false, false, err
		}
	}
	if !legacy {
		return false, false, nil
	}
	match := subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
	return match, match, nil
}
