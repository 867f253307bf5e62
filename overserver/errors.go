// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"errors"
	"fmt"
)

var (
	ErrServiceClosed          = errors.New("record service has been closed")
	ErrUnregisteredCollection = errors.New("collection is not registered")
	ErrNotFound               = errors.New("record not found")
	ErrTenantMismatch         = errors.New("tenant does not match token")
)

// ValidationError rejects a payload. Reason is one of the Reason* codes.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func validationErrorf(reason, format string, args ...any) error {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
