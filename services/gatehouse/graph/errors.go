// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransportError marks a failure worth retrying: the store was
// unreachable or timed out, but the operation itself is sound.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("graph transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports true; transport failures are transient.
func (e *TransportError) Retryable() bool { return true }

// PermanentError marks a failure no retry can fix: rejected data, schema
// mismatch, or a query error from the store.
type PermanentError struct {
	Op     string
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("graph rejected %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("graph rejected %s: %s", e.Op, e.Reason)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable reports false; retrying identical input cannot succeed.
func (e *PermanentError) Retryable() bool { return false }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyError sorts a raw client error into the transport/permanent
// taxonomy. Connection-level failures are transport; anything already
// classified passes through untouched.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}

	var te *TransportError
	var pe *PermanentError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Op: op, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &TransportError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Op: op, Err: err}
	}

	return &PermanentError{Op: op, Reason: "store error", Err: err}
}
