package authstate

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// CredentialCost is the bcrypt cost used for credential digests
var CredentialCost = 10

// ErrEmptyCredential is returned when hashing an empty password
var ErrEmptyCredential = errors.New("credential must not be empty")

// ErrCredentialMismatch is returned when a password does not match its digest
var ErrCredentialMismatch = errors.New("credential does not match digest")

// HashCredential generates the digest stored in UserRecord.CredentialDigest
func HashCredential(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyCredential
	}

	h, err := bcrypt.GenerateFromPassword([]byte(password), CredentialCost)
	return string(h), err
}

// CompareCredential validates the given cleartext password against digest
func CompareCredential(password, digest string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrCredentialMismatch
		}
		return err
	}
	return nil
}
