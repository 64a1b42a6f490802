package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"vaultbridge/internal/models"
	"vaultbridge/internal/service"
)

func newRetryProofCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-proof <job-id>",
		Short: "Re-request the payment proof of a deposit stuck in fdc_timeout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				if err := b.Proofs.RetryProof(ctx, jobID); err != nil {
					return wrapExit(ExitFailure, "retry refused", err)
				}
				return opts.output(cmd.OutOrStdout(), map[string]string{"job_id": jobID, "status": string(models.DepositStatusGeneratingProof)}, func(w io.Writer) {
					fmt.Fprintf(w, "Deposit %s is generating its proof again\n", jobID)
				})
			})
		},
	}
}

// attentionRow is one redemption whose backend confirmation needs an operator
type attentionRow struct {
	JobID         string               `json:"job_id"`
	Wallet        string               `json:"wallet"`
	BackendStatus models.BackendStatus `json:"backend_status"`
	RetryCount    int                  `json:"retry_count"`
	LastError     string               `json:"last_error,omitempty"`
	PayoutTxHash  string               `json:"xrpl_payout_tx_hash,omitempty"`
}

func newBackendAttentionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backend-attention",
		Short: "List completed redemptions whose on-chain confirmation is in manual review or abandoned",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				jobs, err := b.Backends.ListBackendAttention(ctx)
				if err != nil {
					return wrapExit(ExitFailure, "failed to list redemptions", err)
				}

				rows := make([]attentionRow, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, attentionRow{
						JobID:         j.JobID,
						Wallet:        j.Wallet,
						BackendStatus: j.BackendStatus,
						RetryCount:    j.BackendRetryCount,
						LastError:     deref(j.BackendLastError),
						PayoutTxHash:  deref(j.XRPLPayoutTxHash),
					})
				}
				return opts.output(cmd.OutOrStdout(), rows, func(w io.Writer) {
					if len(rows) == 0 {
						fmt.Fprintln(w, "No redemptions need attention.")
						return
					}
					for _, r := range rows {
						fmt.Fprintf(w, "%s  %-13s retries=%d  wallet=%s\n", r.JobID, r.BackendStatus, r.RetryCount, r.Wallet)
						if r.LastError != "" {
							fmt.Fprintf(w, "  last error: %s\n", r.LastError)
						}
					}
				})
			})
		},
	}
}

func newRequeueBackendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue-backend <job-id>",
		Short: "Put a redemption in manual review back on the confirmation queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				if err := b.Backends.RequeueBackend(ctx, jobID); err != nil {
					return wrapExit(ExitFailure, "requeue refused", err)
				}
				return opts.output(cmd.OutOrStdout(), map[string]string{"job_id": jobID, "backend_status": string(models.BackendStatusRetryPending)}, func(w io.Writer) {
					fmt.Fprintf(w, "Redemption %s requeued for confirmation\n", jobID)
				})
			})
		},
	}
}

func newReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass of stored positions against vault balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				report, err := b.Reconciler.Run(ctx)
				if err != nil {
					return wrapExit(ExitFailure, "reconciliation failed", err)
				}
				return opts.output(cmd.OutOrStdout(), report, func(w io.Writer) {
					writeReport(w, report)
				})
			})
		},
	}
}

func writeReport(w io.Writer, r *service.ReconcileReport) {
	fmt.Fprintf(w, "Checked %d wallet(s): %d matched, %d corrected, %d skipped, %d error(s)\n",
		r.Checked, r.Matched, len(r.Corrections), len(r.Skipped), r.Errors)
	for _, c := range r.Corrections {
		fmt.Fprintf(w, "  %-10s %s  %s -> %s\n", c.Action, c.Wallet, c.DBAmount, c.OnChainAmount)
	}
	for _, wallet := range r.Skipped {
		fmt.Fprintf(w, "  skipped    %s\n", wallet)
	}
}

func newEscrowCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Finish or cancel XRPL escrows",
	}

	var fulfillment string
	finish := &cobra.Command{
		Use:   "finish <owner> <sequence>",
		Short: "Release an escrow to its destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSequence(args[1])
			if err != nil {
				return err
			}
			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				rec, err := b.Escrows.Finish(ctx, args[0], seq, fulfillment)
				if err != nil {
					return wrapExit(ExitFailure, "escrow finish failed", err)
				}
				return opts.output(cmd.OutOrStdout(), rec, func(w io.Writer) { writeEscrow(w, rec) })
			})
		},
	}
	finish.Flags().StringVar(&fulfillment, "fulfillment", "", "hex fulfillment for a conditional escrow")

	cancel := &cobra.Command{
		Use:   "cancel <owner> <sequence>",
		Short: "Return an expired escrow to its owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := parseSequence(args[1])
			if err != nil {
				return err
			}
			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				rec, err := b.Escrows.Cancel(ctx, args[0], seq)
				if err != nil {
					return wrapExit(ExitFailure, "escrow cancel failed", err)
				}
				return opts.output(cmd.OutOrStdout(), rec, func(w io.Writer) { writeEscrow(w, rec) })
			})
		},
	}

	cmd.AddCommand(finish, cancel)
	return cmd
}

func parseSequence(raw string) (uint32, error) {
	seq, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, wrapExit(ExitCommandError, fmt.Sprintf("invalid sequence %q", raw), err)
	}
	return uint32(seq), nil
}

func writeEscrow(w io.Writer, rec *models.EscrowRecord) {
	fmt.Fprintf(w, "Escrow %s/%d is %s\n", rec.Owner, rec.Sequence, rec.Status)
	if rec.FinishTxHash != nil {
		fmt.Fprintf(w, "  finish tx: %s\n", *rec.FinishTxHash)
	}
	if rec.CancelTxHash != nil {
		fmt.Fprintf(w, "  cancel tx: %s\n", *rec.CancelTxHash)
	}
}

// EventsOptions holds flags for the events command
type EventsOptions struct {
	Contract  string
	Event     string
	Severity  string
	FromBlock uint64
	Limit     int
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	eo := &EventsOptions{}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List stored contract events",
		Long: `List monitored contract events, newest first.

Examples:
  bridgectl events --severity critical
  bridgectl events --contract vault --event Transfer --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := models.EventFilter{
				Contract:  eo.Contract,
				EventName: eo.Event,
				FromBlock: eo.FromBlock,
				Limit:     eo.Limit,
			}
			if eo.Severity != "" {
				switch s := models.Severity(eo.Severity); s {
				case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
					filter.MinSeverity = s
				default:
					return wrapExit(ExitCommandError, fmt.Sprintf("invalid severity %q", eo.Severity), nil)
				}
			}

			return opts.withBackend(cmd, func(ctx context.Context, b *Backend) error {
				events, err := b.Events.ListEvents(ctx, filter)
				if err != nil {
					return wrapExit(ExitFailure, "failed to list events", err)
				}
				return opts.output(cmd.OutOrStdout(), events, func(w io.Writer) {
					if len(events) == 0 {
						fmt.Fprintln(w, "No events found.")
						return
					}
					for _, e := range events {
						fmt.Fprintf(w, "%-8s %s.%s block=%d tx=%s:%d %s\n",
							e.Severity, e.Contract, e.EventName, e.BlockNumber, e.TxHash, e.LogIndex, string(e.Args))
					}
				})
			})
		},
	}

	cmd.Flags().StringVar(&eo.Contract, "contract", "", "monitored contract name")
	cmd.Flags().StringVar(&eo.Event, "event", "", "event name")
	cmd.Flags().StringVar(&eo.Severity, "severity", "", "minimum severity (info|warning|critical)")
	cmd.Flags().Uint64Var(&eo.FromBlock, "from-block", 0, "first block to include")
	cmd.Flags().IntVar(&eo.Limit, "limit", 50, "maximum number of events")

	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
