// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadToken is returned when a presented admin token does not match
// the configured hash. Callers must map every authentication failure
// to the same generic HTTP response; the distinction below is for
// logs only.
var ErrBadToken = errors.New("service: admin token mismatch")

// HashAdminToken produces the bcrypt hash to put in the config file.
// Used by the -hash-token maintenance flow.
func HashAdminToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("service: hashing admin token: %w", err)
	}
	return string(hash), nil
}

// VerifyAdminToken checks a presented token against the configured
// bcrypt hash. bcrypt comparison is constant-time in the password, so
// a mismatch leaks nothing about the stored hash.
func VerifyAdminToken(hash, presented string) error {
	if hash == "" {
		return errors.New("service: no admin token configured")
	}
	if presented == "" {
		return ErrBadToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(presented)); err != nil {
		return ErrBadToken
	}
	return nil
}
