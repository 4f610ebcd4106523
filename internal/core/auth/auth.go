// Package auth contains the account credential checks shared by the login flow.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/dcrodman/warden/internal/core/bytes"
	"github.com/dcrodman/warden/internal/core/data"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountBanned      = errors.New("this account has been suspended")
)

// HashPassword returns a version of password with the server's chosen hashing strategy.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(bytes.StripPadding([]byte(password)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the stored hash. Trailing NUL
// padding sent by the client is ignored.
func CheckPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), bytes.StripPadding([]byte(password))) == nil
}

// CheckAccess validates that the account is allowed to log in at all.
func CheckAccess(account *data.Account) error {
	if account == nil {
		return ErrInvalidCredentials
	}
	if account.Banned || !account.Active {
		return ErrAccountBanned
	}
	return nil
}
