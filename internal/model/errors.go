package model

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	ErrDuplicateKey          = errors.New("tipledger: idempotency key already committed")
	ErrLedgerNotFound        = errors.New("tipledger: ledger not found")
	ErrInvalidOwnershipSplit = errors.New("tipledger: ownership percentages must sum to 100")
	ErrSegmentAlreadySettled = errors.New("tipledger: segment already settled")
	ErrSegmentNotClosed      = errors.New("tipledger: segment is not closed")
	ErrSegmentNotOpen        = errors.New("tipledger: segment is not open")
	ErrSegmentNotFound       = errors.New("tipledger: segment not found")
	ErrInsufficientBalance   = errors.New("tipledger: insufficient balance")
	ErrIntegrityDrift        = errors.New("tipledger: stored balance drifted from entries")
	ErrReversalRejected      = errors.New("tipledger: reversal rejected, flagged for manual review")
	ErrTransactionNotFound   = errors.New("tipledger: transaction not found")
	ErrGroupNotFound         = errors.New("tipledger: group not found")
	ErrGroupClosed           = errors.New("tipledger: group is closed")
	ErrAlreadyMember         = errors.New("tipledger: employee already in a group")
	ErrNotMember             = errors.New("tipledger: employee is not a member")
	ErrDebtNotFound          = errors.New("tipledger: debt not found")
	ErrInvalidInput          = errors.New("tipledger: invalid input")
)

// IsRejected reports errors that describe a bad request. Redelivering the same
// request will fail the same way.
func IsRejected(err error) bool {
	return errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrInvalidOwnershipSplit) ||
		errors.Is(err, ErrSegmentAlreadySettled) ||
		errors.Is(err, ErrSegmentNotClosed) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrReversalRejected) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound groups the lookup failures.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrSegmentNotFound) ||
		errors.Is(err, ErrGroupNotFound) ||
		errors.Is(err, ErrDebtNotFound) ||
		errors.Is(err, gorm.ErrRecordNotFound)
}

// retryable are driver messages for lock conflicts that succeed when the whole
// unit is run again: MySQL deadlock and lock wait, Postgres serialization and
// deadlock, sqlite busy.
var retryable = []string{"1213", "1205", "Deadlock", "deadlock", "40001", "40P01", "database is locked"}

// IsRetryable reports failures worth redelivering: lock conflicts and
// timeouts. Rejected requests are never retryable.
func IsRetryable(err error) bool {
	if err == nil || IsRejected(err) || errors.Is(err, ErrDuplicateKey) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, s := range retryable {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
