// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package store

import (
	"errors"
	"fmt"
	"strings"
)

// transientError marks an error as transient: the operation may succeed
// if retried.
type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient wraps err so that IsTransient reports true. Transient(nil)
// returns nil.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked with
// Transient.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ValidateName returns an error if name is empty or contains the reserved
// separator byte (NUL) used by the embedded backends for key layout.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%s %q must not contain NUL bytes", kind, name)
	}
	return nil
}
