package service

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/blockchain/xrpl"
	"vaultbridge/internal/database"
	"vaultbridge/internal/fdc"
)

var (
	ErrJobNotFound           = errors.New("job not found")
	ErrPositionNotFound      = errors.New("position not found")
	ErrNotCancellable        = errors.New("job is not cancellable")
	ErrInvalidSignature      = errors.New("invalid cancellation signature")
	ErrNotRetryable          = errors.New("job is not awaiting a proof retry")
	ErrInsufficientPosition  = errors.New("share amount exceeds available position")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidAddress        = errors.New("invalid address")
	ErrEscrowNotReady        = errors.New("escrow time lock has not elapsed")
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrEscrowClosed          = errors.New("escrow already closed")
	ErrEscrowExpired         = errors.New("escrow passed its cancel time")
	ErrInvalidFulfillment    = errors.New("fulfillment does not match escrow condition")
	ErrQuoteExpired          = errors.New("quote expired")
	ErrQuoteNotFound         = errors.New("quote not found")
	ErrUnsupportedProtocol   = errors.New("no executor for leg protocol")
	ErrInvalidRoute          = errors.New("invalid route")
	ErrBackendNotRequeueable = errors.New("backend confirmation is not in operator review")
)

// ErrorClass buckets failures by how a poller reacts to them
type ErrorClass string

const (
	// ClassTransient covers RPC timeouts, rate limits and lost connections: retry later
	ClassTransient ErrorClass = "transient"
	// ClassDomainTimeout is a named timeout state such as fdc_timeout
	ClassDomainTimeout ErrorClass = "domain_timeout"
	// ClassPrecondition pauses the job; it never auto-fails
	ClassPrecondition ErrorClass = "precondition"
	// ClassRevert is a mined transaction with failed status
	ClassRevert ErrorClass = "revert"
	// ClassConflict means another owner advanced the job first
	ClassConflict ErrorClass = "conflict"
)

// Classify maps an error from a chain, ledger, oracle or store call to its class
func Classify(err error) ErrorClass {
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, database.ErrStatusConflict):
		return ClassConflict
	case errors.Is(err, evm.ErrTxReverted):
		return ClassRevert
	case errors.Is(err, fdc.ErrProofNotReady), errors.Is(err, xrpl.ErrFinalityTimeout):
		return ClassDomainTimeout
	case errors.Is(err, ErrInsufficientPosition), errors.Is(err, ErrEscrowNotReady),
		errors.Is(err, ErrEscrowExpired), errors.Is(err, ErrInvalidFulfillment),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, fdc.ErrInvalidRequest):
		return ClassPrecondition
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return ClassTransient
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return ClassRevert
	}
	return ClassTransient
}

// Backoff returns the delay before attempt n: base * 2^n capped at max
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		return max
	}
	d := base * time.Duration(1<<uint(n))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	return strPtr(err.Error())
}
