package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"vaultbridge/internal/models"
	"vaultbridge/internal/service"
)

// Exit codes
const (
	ExitFailure      = 1 // the operation was refused
	ExitCommandError = 2 // bad arguments or no connection
)

// ExitError carries the process exit code of a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode extracts the exit code from an error
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ProofRetrier re-issues attestation requests for timed out deposits
type ProofRetrier interface {
	RetryProof(ctx context.Context, jobID string) error
}

// BackendOperator inspects and requeues redemption backend confirmations
type BackendOperator interface {
	ListBackendAttention(ctx context.Context) ([]models.RedemptionJob, error)
	RequeueBackend(ctx context.Context, jobID string) error
}

// Reconciler runs one reconciliation pass
type Reconciler interface {
	Run(ctx context.Context) (*service.ReconcileReport, error)
}

// EscrowOperator finishes and cancels escrows
type EscrowOperator interface {
	Finish(ctx context.Context, owner string, sequence uint32, fulfillment string) (*models.EscrowRecord, error)
	Cancel(ctx context.Context, owner string, sequence uint32) (*models.EscrowRecord, error)
}

// EventLister reads stored contract events
type EventLister interface {
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.OnChainEvent, error)
}

// Backend is what the commands operate on
type Backend struct {
	Proofs     ProofRetrier
	Backends   BackendOperator
	Reconciler Reconciler
	Escrows    EscrowOperator
	Events     EventLister
	Close      func()
}

// Connector opens a Backend. Commands call it lazily so --help works offline.
type Connector func(ctx context.Context) (*Backend, error)

// RootOptions holds global flags for all commands
type RootOptions struct {
	Format  string // "json" | "text"
	Timeout time.Duration
	connect Connector
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the operator CLI
func NewRootCommand(connect Connector) *cobra.Command {
	opts := &RootOptions{connect: connect}

	cmd := &cobra.Command{
		Use:   "bridgectl",
		Short: "Operator tool for the vault bridge",
		Long:  "Inspect and unstick deposit, redemption and escrow jobs, run reconciliation and read monitored events.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return wrapExit(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 2*time.Minute, "deadline for the whole command")

	cmd.AddCommand(newRetryProofCommand(opts))
	cmd.AddCommand(newBackendAttentionCommand(opts))
	cmd.AddCommand(newRequeueBackendCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newEscrowCommand(opts))
	cmd.AddCommand(newEventsCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withBackend connects, runs fn under the command deadline and closes the backend
func (o *RootOptions) withBackend(cmd *cobra.Command, fn func(ctx context.Context, b *Backend) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.Timeout)
	defer cancel()

	b, err := o.connect(ctx)
	if err != nil {
		return wrapExit(ExitCommandError, "failed to connect", err)
	}
	if b.Close != nil {
		defer b.Close()
	}
	return fn(ctx, b)
}

// cliResponse is the JSON envelope of every command
type cliResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

// output writes data as JSON, or runs text to render it for humans
func (o *RootOptions) output(w io.Writer, data interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cliResponse{Status: "ok", Data: data})
	}
	text(w)
	return nil
}
