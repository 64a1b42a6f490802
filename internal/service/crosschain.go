package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultbridge/internal/metrics"
	"vaultbridge/internal/models"
)

// DefaultQuoteTTL is how long a route quote can be turned into a job
const DefaultQuoteTTL = 5 * time.Minute

// LegOutcome is the observed state of a submitted leg or refund
type LegOutcome int

const (
	LegOutcomePending LegOutcome = iota
	LegOutcomeDone
	LegOutcomeFailed
)

// LegEstimate prices one hop
type LegEstimate struct {
	Out   decimal.Decimal
	Fee   decimal.Decimal
	Asset string
}

// LegExecutor moves funds over one bridge protocol. Refund returns
// ErrUnsupportedProtocol when the protocol cannot send funds back.
type LegExecutor interface {
	Estimate(asset string, amount decimal.Decimal) (*LegEstimate, error)
	Submit(ctx context.Context, job *models.CrossChainBridgeJob, leg *models.CrossChainLeg) (string, error)
	Status(ctx context.Context, ref string) (LegOutcome, error)
	Refund(ctx context.Context, job *models.CrossChainBridgeJob, leg *models.CrossChainLeg) (string, error)
	RefundStatus(ctx context.Context, ref string) (LegOutcome, error)
}

// Hop is one step of a requested route
type Hop struct {
	Protocol  models.LegProtocol
	FromChain string
	ToChain   string
}

// QuoteRequest asks for a price on a multi-hop route
type QuoteRequest struct {
	Wallet        string
	SourceAddress string
	SourceChain   string
	DestChain     string
	Asset         string
	Amount        decimal.Decimal
	Hops          []Hop
}

// CrossChainService prices routes and drives multi-leg jobs one leg at a time
type CrossChainService struct {
	store     CrossChainStore
	executors map[models.LegProtocol]LegExecutor
	quoteTTL  time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewCrossChainService creates a new cross-chain service
func NewCrossChainService(store CrossChainStore, quoteTTL time.Duration, logger *zap.Logger) *CrossChainService {
	if quoteTTL <= 0 {
		quoteTTL = DefaultQuoteTTL
	}
	return &CrossChainService{
		store:     store,
		executors: make(map[models.LegProtocol]LegExecutor),
		quoteTTL:  quoteTTL,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.Named("crosschain"),
	}
}

// WithClock overrides the time source
func (s *CrossChainService) WithClock(now func() time.Time) *CrossChainService {
	s.now = now
	return s
}

// Register installs the executor for a protocol
func (s *CrossChainService) Register(p models.LegProtocol, e LegExecutor) {
	s.executors[p] = e
}

func (s *CrossChainService) executor(p models.LegProtocol) (LegExecutor, error) {
	e, ok := s.executors[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, p)
	}
	return e, nil
}

// Quote prices a route and stores the quote
func (s *CrossChainService) Quote(ctx context.Context, req QuoteRequest) (*models.CrossChainQuote, error) {
	wallet, err := normalizeWallet(req.Wallet)
	if err != nil {
		return nil, err
	}
	if err := validateHops(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	estimates, err := s.estimate(req.Hops, req.Asset, req.Amount)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, e := range estimates {
		total = total.Add(e.Fee)
	}
	out := estimates[len(estimates)-1].Out
	if !out.IsPositive() {
		return nil, fmt.Errorf("%w: fees exceed amount", ErrInvalidAmount)
	}

	q := &models.CrossChainQuote{
		QuoteID:       uuid.New().String(),
		Wallet:        wallet,
		SourceAddress: req.SourceAddress,
		SourceChain:   req.SourceChain,
		DestChain:     req.DestChain,
		Asset:         req.Asset,
		Amount:        req.Amount,
		EstimatedOut:  out,
		TotalFee:      total,
		Route:         encodeRoute(req.Hops),
		ExpiresAt:     s.now().Add(s.quoteTTL),
	}
	if err := s.store.CreateQuote(ctx, q); err != nil {
		return nil, fmt.Errorf("failed to store quote: %w", err)
	}
	s.logger.Info("Route quoted",
		zap.String("quote_id", q.QuoteID),
		zap.String("route", q.Route),
		zap.String("amount", q.Amount.String()),
		zap.String("estimated_out", out.String()),
		zap.String("total_fee", total.String()))
	return q, nil
}

// CreateFromQuote turns an unexpired quote into a job with one pending leg per hop
func (s *CrossChainService) CreateFromQuote(ctx context.Context, quoteID string) (*models.CrossChainBridgeJob, error) {
	q, err := s.store.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get quote: %w", err)
	}
	if q == nil {
		return nil, ErrQuoteNotFound
	}
	if !s.now().Before(q.ExpiresAt) {
		return nil, ErrQuoteExpired
	}

	hops, err := decodeRoute(q.Route)
	if err != nil {
		return nil, err
	}
	estimates, err := s.estimate(hops, q.Asset, q.Amount)
	if err != nil {
		return nil, err
	}

	job := &models.CrossChainBridgeJob{
		JobID:         uuid.New().String(),
		QuoteID:       q.QuoteID,
		Wallet:        q.Wallet,
		SourceAddress: q.SourceAddress,
		SourceChain:   q.SourceChain,
		DestChain:     q.DestChain,
		Amount:        q.Amount,
		Status:        models.CrossChainStatusInProgress,
	}
	amount, asset := q.Amount, q.Asset
	for i, h := range hops {
		job.Legs = append(job.Legs, models.CrossChainLeg{
			LegIndex:  i,
			Protocol:  h.Protocol,
			FromChain: h.FromChain,
			ToChain:   h.ToChain,
			Asset:     asset,
			Amount:    amount,
			Status:    models.LegStatusPending,
		})
		amount, asset = estimates[i].Out, estimates[i].Asset
	}
	if err := s.store.CreateCrossChainJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create crosschain job: %w", err)
	}
	metrics.Bridge().Transition("crosschain", string(job.Status))

	s.logger.Info("Cross-chain job created",
		zap.String("job_id", job.JobID),
		zap.String("quote_id", q.QuoteID),
		zap.Int("legs", len(job.Legs)))
	return job, nil
}

// GetJob returns a job with its legs or ErrJobNotFound
func (s *CrossChainService) GetJob(ctx context.Context, jobID string) (*models.CrossChainBridgeJob, error) {
	job, err := s.store.GetCrossChainJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get crosschain job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// AdvanceJob performs one step: submit or check the current leg while in progress,
// start refunds after a partial failure, or check refunds already under way.
func (s *CrossChainService) AdvanceJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case models.CrossChainStatusInProgress:
		return ignoreConflict(s.advanceLeg(ctx, job))
	case models.CrossChainStatusPartiallyFailed:
		return ignoreConflict(s.startRefunds(ctx, job))
	case models.CrossChainStatusRefunding:
		return ignoreConflict(s.checkRefunds(ctx, job))
	default:
		return nil
	}
}

func (s *CrossChainService) advanceLeg(ctx context.Context, job *models.CrossChainBridgeJob) error {
	if job.CurrentLeg >= len(job.Legs) {
		return s.setJobStatus(ctx, job, models.AggregateStatus(job.Legs))
	}
	leg := &job.Legs[job.CurrentLeg]

	exec, err := s.executor(leg.Protocol)
	if err != nil {
		return s.failLeg(ctx, job, leg, err)
	}

	switch leg.Status {
	case models.LegStatusPending:
		ref, err := exec.Submit(ctx, job, leg)
		if err != nil {
			if permanentLegError(err) {
				return s.failLeg(ctx, job, leg, err)
			}
			leg.LastError = errString(err)
			if uerr := s.store.UpdateCrossChainLeg(ctx, leg, models.LegStatusPending); uerr != nil {
				s.logger.Warn("Failed to record leg error", zap.String("job_id", job.JobID), zap.Error(uerr))
			}
			return err
		}
		leg.ExternalRef = strPtr(ref)
		leg.LastError = nil
		leg.Status = models.LegStatusSubmitted
		if err := s.store.UpdateCrossChainLeg(ctx, leg, models.LegStatusPending); err != nil {
			return err
		}
		s.logger.Info("Leg submitted",
			zap.String("job_id", job.JobID),
			zap.Int("leg_index", leg.LegIndex),
			zap.String("protocol", string(leg.Protocol)),
			zap.String("external_ref", ref))
		return nil

	case models.LegStatusSubmitted:
		if leg.ExternalRef == nil {
			return fmt.Errorf("leg %d submitted without a reference", leg.LegIndex)
		}
		outcome, err := exec.Status(ctx, *leg.ExternalRef)
		if err != nil {
			return err
		}
		switch outcome {
		case LegOutcomeDone:
			leg.Status = models.LegStatusConfirmed
			if err := s.store.UpdateCrossChainLeg(ctx, leg, models.LegStatusSubmitted); err != nil {
				return err
			}
			s.logger.Info("Leg confirmed",
				zap.String("job_id", job.JobID),
				zap.Int("leg_index", leg.LegIndex))
			if job.CurrentLeg == len(job.Legs)-1 {
				return s.setJobStatus(ctx, job, models.AggregateStatus(job.Legs))
			}
			job.CurrentLeg++
			return s.store.UpdateCrossChainJob(ctx, job, job.Status)
		case LegOutcomeFailed:
			return s.failLeg(ctx, job, leg, errors.New("leg failed on the destination protocol"))
		}
		return nil

	default:
		return s.setJobStatus(ctx, job, models.AggregateStatus(job.Legs))
	}
}

// failLeg marks the current leg failed and derives the job status: failed when
// nothing moved yet, partially_failed when earlier legs must be refunded.
func (s *CrossChainService) failLeg(ctx context.Context, job *models.CrossChainBridgeJob, leg *models.CrossChainLeg, cause error) error {
	from := leg.Status
	leg.Status = models.LegStatusFailed
	leg.LastError = errString(cause)
	if err := s.store.UpdateCrossChainLeg(ctx, leg, from); err != nil {
		return err
	}
	job.LastError = errString(cause)
	s.logger.Warn("Leg failed",
		zap.String("job_id", job.JobID),
		zap.Int("leg_index", leg.LegIndex),
		zap.String("protocol", string(leg.Protocol)),
		zap.Error(cause))
	return s.setJobStatus(ctx, job, models.AggregateStatus(job.Legs))
}

func (s *CrossChainService) startRefunds(ctx context.Context, job *models.CrossChainBridgeJob) error {
	refunding := 0
	for i := len(job.Legs) - 1; i >= 0; i-- {
		leg := &job.Legs[i]
		if leg.Status == models.LegStatusRefunding {
			refunding++
			continue
		}
		if leg.Status != models.LegStatusConfirmed {
			continue
		}
		exec, err := s.executor(leg.Protocol)
		if err != nil {
			leg.LastError = errString(err)
			continue
		}
		ref, err := exec.Refund(ctx, job, leg)
		if errors.Is(err, ErrUnsupportedProtocol) {
			leg.LastError = strPtr("protocol cannot refund")
			if uerr := s.store.UpdateCrossChainLeg(ctx, leg, models.LegStatusConfirmed); uerr != nil {
				return uerr
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("refund leg %d: %w", leg.LegIndex, err)
		}
		leg.Status = models.LegStatusRefunding
		leg.RefundRef = strPtr(ref)
		leg.LastError = nil
		if err := s.store.UpdateCrossChainLeg(ctx, leg, models.LegStatusConfirmed); err != nil {
			return err
		}
		refunding++
		s.logger.Info("Leg refund started",
			zap.String("job_id", job.JobID),
			zap.Int("leg_index", leg.LegIndex),
			zap.String("refund_ref", ref))
	}

	if refunding == 0 {
		job.LastError = strPtr("no completed leg could be refunded")
		return s.setJobStatus(ctx, job, models.CrossChainStatusFailed)
	}
	return s.setJobStatus(ctx, job, models.CrossChainStatusRefunding)
}

func (s *CrossChainService) checkRefunds(ctx context.Context, job *models.CrossChainBridgeJob) error {
	pending, refundFailed, stranded := 0, false, false
	for i := range job.Legs {
		leg := &job.Legs[i]
		if leg.Status == models.LegStatusConfirmed {
			stranded = true
			continue
		}
		if leg.Status != models.LegStatusRefunding {
			continue
		}
		exec, err := s.executor(leg.Protocol)
		if err != nil {
			return err
		}
		if leg.RefundRef == nil {
			return fmt.Errorf("leg %d refunding without a reference", leg.LegIndex)
		}
		outcome, err := exec.RefundStatus(ctx, *leg.RefundRef)
		if err != nil {
			return err
		}
		switch outcome {
		case LegOutcomePending:
			pending++
			continue
		case LegOutcomeDone:
			leg.Status = models.LegStatusRefunded
		case LegOutcomeFailed:
			leg.Status = models.LegStatusFailed
			leg.LastError = strPtr("refund failed")
			refundFailed = true
		}
		if err := s.store.UpdateCrossChainLeg(ctx, leg, models.LegStatusRefunding); err != nil {
			return err
		}
	}
	if pending > 0 {
		return nil
	}
	if refundFailed || stranded {
		job.LastError = strPtr("refund incomplete")
		return s.setJobStatus(ctx, job, models.CrossChainStatusFailed)
	}
	return s.setJobStatus(ctx, job, models.CrossChainStatusRefunded)
}

func (s *CrossChainService) setJobStatus(ctx context.Context, job *models.CrossChainBridgeJob, to models.CrossChainStatus) error {
	from := job.Status
	if from == to {
		return s.store.UpdateCrossChainJob(ctx, job, from)
	}
	job.Status = to
	if err := s.store.UpdateCrossChainJob(ctx, job, from); err != nil {
		job.Status = from
		return err
	}
	metrics.Bridge().Transition("crosschain", string(to))
	s.logger.Info("Cross-chain job status changed",
		zap.String("job_id", job.JobID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (s *CrossChainService) estimate(hops []Hop, asset string, amount decimal.Decimal) ([]LegEstimate, error) {
	out := make([]LegEstimate, 0, len(hops))
	for i, h := range hops {
		exec, err := s.executor(h.Protocol)
		if err != nil {
			return nil, err
		}
		e, err := exec.Estimate(asset, amount)
		if err != nil {
			return nil, fmt.Errorf("hop %d (%s): %w", i, h.Protocol, err)
		}
		out = append(out, *e)
		amount, asset = e.Out, e.Asset
	}
	return out, nil
}

func permanentLegError(err error) bool {
	switch {
	case errors.Is(err, ErrUnsupportedProtocol), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidAddress):
		return true
	}
	return Classify(err) == ClassRevert
}

func validateHops(req QuoteRequest) error {
	if len(req.Hops) == 0 {
		return errors.New("route has no hops")
	}
	if req.Hops[0].FromChain != req.SourceChain {
		return fmt.Errorf("route starts on %s, not %s", req.Hops[0].FromChain, req.SourceChain)
	}
	if last := req.Hops[len(req.Hops)-1]; last.ToChain != req.DestChain {
		return fmt.Errorf("route ends on %s, not %s", last.ToChain, req.DestChain)
	}
	for i, h := range req.Hops {
		if !h.Protocol.Valid() {
			return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, h.Protocol)
		}
		if strings.ContainsAny(h.FromChain+h.ToChain, ":,") {
			return fmt.Errorf("hop %d: invalid chain name", i)
		}
		if i > 0 && req.Hops[i-1].ToChain != h.FromChain {
			return fmt.Errorf("hop %d starts on %s, previous hop ends on %s", i, h.FromChain, req.Hops[i-1].ToChain)
		}
	}
	return nil
}

func encodeRoute(hops []Hop) string {
	parts := make([]string, len(hops))
	for i, h := range hops {
		parts[i] = string(h.Protocol) + ":" + h.FromChain + ":" + h.ToChain
	}
	return strings.Join(parts, ",")
}

func decodeRoute(route string) ([]Hop, error) {
	var hops []Hop
	for _, part := range strings.Split(route, ",") {
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed route hop %q", part)
		}
		hops = append(hops, Hop{Protocol: models.LegProtocol(fields[0]), FromChain: fields[1], ToChain: fields[2]})
	}
	return hops, nil
}
