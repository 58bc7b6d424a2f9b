package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch is returned when a password does not match its hash.
var ErrPasswordMismatch = errors.New("password mismatch")

// Hasher hashes and checks admin passwords.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// NewHasher returns the hasher named by PASSWORD_HASHER.
func NewHasher(name string) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", "bcrypt":
		return BcryptHasher{Cost: bcrypt.DefaultCost}, nil
	case "plain":
		return PlainHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown password hasher %q", name)
	}
}

// BcryptHasher is the production hasher.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h BcryptHasher) Compare(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrPasswordMismatch
	}
	return nil
}

// PlainHasher stores passwords verbatim behind a prefix. Development only.
type PlainHasher struct{}

const plainPrefix = "plain:"

func (PlainHasher) Hash(password string) (string, error) {
	return plainPrefix + password, nil
}

func (PlainHasher) Compare(hash, password string) error {
	if subtle.ConstantTimeCompare([]byte(hash), []byte(plainPrefix+password)) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
