// Package memory is an in-process store with the same semantics as the
// PostgreSQL store. It backs tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vaultbridge/internal/database"
	"vaultbridge/internal/models"
)

// Store keeps every record in maps guarded by one mutex
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	nextID      int64
	deposits    map[string]*models.BridgeJob
	redemptions map[string]*models.RedemptionJob
	positions   map[int64]*models.Position
	corrections []models.PositionCorrection
	escrows     map[int64]*models.EscrowRecord
	events      []models.OnChainEvent
	eventKeys   map[models.EventKey]struct{}
	watermarks  map[string]uint64
	quotes      map[string]*models.CrossChainQuote
	ccJobs      map[string]*models.CrossChainBridgeJob
}

// New creates an empty store
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		deposits:    make(map[string]*models.BridgeJob),
		redemptions: make(map[string]*models.RedemptionJob),
		positions:   make(map[int64]*models.Position),
		escrows:     make(map[int64]*models.EscrowRecord),
		eventKeys:   make(map[models.EventKey]struct{}),
		watermarks:  make(map[string]uint64),
		quotes:      make(map[string]*models.CrossChainQuote),
		ccJobs:      make(map[string]*models.CrossChainBridgeJob),
	}
}

// WithClock overrides the timestamp source
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// ==================== Deposits ====================

func (s *Store) CreateBridgeJob(_ context.Context, job *models.BridgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deposits[job.JobID]; ok {
		return fmt.Errorf("bridge job %s already exists", job.JobID)
	}
	job.ID = s.id()
	job.CreatedAt, job.UpdatedAt = s.now(), s.now()
	cp := *job
	s.deposits[job.JobID] = &cp
	return nil
}

func (s *Store) GetBridgeJob(_ context.Context, jobID string) (*models.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.deposits[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListBridgeJobsByStatus(_ context.Context, statuses []models.DepositStatus, limit int) ([]models.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.BridgeJob{}
	for _, job := range s.deposits {
		if containsStatus(statuses, job.Status) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

func (s *Store) ListBridgeJobsByWallet(_ context.Context, wallet string) ([]models.BridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.BridgeJob{}
	for _, job := range s.deposits {
		if job.Wallet == wallet {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) UpdateBridgeJob(_ context.Context, job *models.BridgeJob, expected models.DepositStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBridgeJob(job, expected)
}

func (s *Store) updateBridgeJob(job *models.BridgeJob, expected models.DepositStatus) error {
	cur, ok := s.deposits[job.JobID]
	if !ok || cur.Status != expected {
		return database.ErrStatusConflict
	}
	job.UpdatedAt = s.now()
	cp := *job
	cp.ID, cp.CreatedAt = cur.ID, cur.CreatedAt
	s.deposits[job.JobID] = &cp
	return nil
}

func (s *Store) CompleteDeposit(_ context.Context, job *models.BridgeJob, expected models.DepositStatus) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !job.SharesMinted.Valid {
		return nil, fmt.Errorf("job %s has no minted shares", job.JobID)
	}
	if err := s.updateBridgeJob(job, expected); err != nil {
		return nil, err
	}
	pos := s.positionFor(job.Wallet, job.Vault)
	if pos == nil {
		pos = &models.Position{ID: s.id(), Wallet: job.Wallet, Vault: job.Vault, CreatedAt: s.now()}
		s.positions[pos.ID] = pos
	}
	pos.Amount = pos.Amount.Add(job.SharesMinted.Decimal)
	pos.Status = models.PositionStatusActive
	pos.UpdatedAt = s.now()
	cp := *pos
	return &cp, nil
}

// ==================== Redemptions ====================

func (s *Store) CreateRedemptionJob(_ context.Context, job *models.RedemptionJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.redemptions[job.JobID]; ok {
		return fmt.Errorf("redemption job %s already exists", job.JobID)
	}
	if _, ok := s.positions[job.PositionID]; !ok {
		return fmt.Errorf("position %d not found", job.PositionID)
	}
	job.ID = s.id()
	job.CreatedAt, job.UpdatedAt = s.now(), s.now()
	cp := *job
	s.redemptions[job.JobID] = &cp
	return nil
}

func (s *Store) GetRedemptionJob(_ context.Context, jobID string) (*models.RedemptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.redemptions[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListRedemptionJobsByStatus(_ context.Context, statuses []models.RedemptionStatus, limit int) ([]models.RedemptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.RedemptionJob{}
	for _, job := range s.redemptions {
		if containsStatus(statuses, job.Status) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

func (s *Store) ListRedemptionJobsByBackendStatus(_ context.Context, statuses []models.BackendStatus, limit int) ([]models.RedemptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.RedemptionJob{}
	for _, job := range s.redemptions {
		if job.UserStatus == models.UserStatusCompleted && containsStatus(statuses, job.BackendStatus) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, limit), nil
}

func (s *Store) ListRedemptionJobsByWallet(_ context.Context, wallet string) ([]models.RedemptionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.RedemptionJob{}
	for _, job := range s.redemptions {
		if job.Wallet == wallet {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) SumPendingRedemptionShares(_ context.Context, positionID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, job := range s.redemptions {
		if job.PositionID != positionID {
			continue
		}
		switch job.Status {
		case models.RedemptionStatusPending, models.RedemptionStatusAwaitingLiquidity, models.RedemptionStatusRedeemingShares:
			sum = sum.Add(job.ShareAmount)
		}
	}
	return sum, nil
}

func (s *Store) UpdateRedemptionJob(_ context.Context, job *models.RedemptionJob, expected models.RedemptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRedemptionJob(job, expected)
}

func (s *Store) updateRedemptionJob(job *models.RedemptionJob, expected models.RedemptionStatus) error {
	cur, ok := s.redemptions[job.JobID]
	if !ok || cur.Status != expected {
		return database.ErrStatusConflict
	}
	if job.UserStatus == models.UserStatusCompleted && job.XRPLPayoutTxHash == nil {
		return fmt.Errorf("redemption %s: completed user status requires a payout hash", job.JobID)
	}
	job.UpdatedAt = s.now()
	cp := *job
	cp.ID, cp.CreatedAt = cur.ID, cur.CreatedAt
	s.redemptions[job.JobID] = &cp
	return nil
}

func (s *Store) RedeemShares(_ context.Context, job *models.RedemptionJob, expected models.RedemptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[job.PositionID]
	if !ok {
		return fmt.Errorf("position %d not found", job.PositionID)
	}
	if err := s.updateRedemptionJob(job, expected); err != nil {
		return err
	}
	remaining := pos.Amount.Sub(job.ShareAmount)
	if !remaining.IsPositive() {
		remaining = decimal.Zero
		pos.Status = models.PositionStatusClosed
	}
	pos.Amount = remaining
	pos.UpdatedAt = s.now()
	return nil
}

// ==================== Positions ====================

func (s *Store) positionFor(wallet, vault string) *models.Position {
	for _, p := range s.positions {
		if p.Wallet == wallet && p.Vault == vault {
			return p
		}
	}
	return nil
}

func (s *Store) GetPosition(_ context.Context, wallet, vault string) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.positionFor(wallet, vault)
	if p == nil {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetPositionByID(_ context.Context, id int64) (*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPositionsByWallet(_ context.Context, wallet string) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Position{}
	for _, p := range s.positions {
		if p.Wallet == wallet {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Vault < out[j].Vault })
	return out, nil
}

func (s *Store) SumActivePositions(_ context.Context, wallet, vault string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, p := range s.positions {
		if p.Wallet == wallet && p.Vault == vault && p.Status == models.PositionStatusActive {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

// PutPosition inserts or replaces a position. Used to seed drift in tests.
func (s *Store) PutPosition(p models.Position) *models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing := s.positionFor(p.Wallet, p.Vault); existing != nil {
		p.ID = existing.ID
	} else if p.ID == 0 {
		p.ID = s.id()
	}
	if p.Status == "" {
		p.Status = models.PositionStatusActive
	}
	p.CreatedAt, p.UpdatedAt = s.now(), s.now()
	s.positions[p.ID] = &p
	cp := p
	return &cp
}

// ==================== Reconciliation ====================

func (s *Store) ListReconcileWallets(_ context.Context, vault string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, p := range s.positions {
		if p.Vault != vault {
			continue
		}
		if _, ok := seen[p.Wallet]; !ok {
			seen[p.Wallet] = struct{}{}
			out = append(out, p.Wallet)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) HasInFlightJobs(_ context.Context, wallet string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.deposits {
		if job.Wallet == wallet && job.Status.MovesShares() {
			return true, nil
		}
	}
	for _, job := range s.redemptions {
		if job.Wallet == wallet && job.Status.MovesShares() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ApplyCorrection(_ context.Context, c *models.PositionCorrection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	pos := s.positionFor(c.Wallet, c.Vault)
	if pos == nil {
		pos = &models.Position{ID: s.id(), Wallet: c.Wallet, Vault: c.Vault, CreatedAt: now}
		s.positions[pos.ID] = pos
	}
	pos.Amount = c.OnChainAmount
	pos.Status = models.PositionStatusActive
	if c.OnChainAmount.IsZero() {
		pos.Status = models.PositionStatusClosed
	}
	pos.LastReconciledAt = &now
	pos.UpdatedAt = now

	c.ID = s.id()
	c.CreatedAt = now
	s.corrections = append(s.corrections, *c)
	return nil
}

func (s *Store) TouchReconciled(_ context.Context, wallet, vault string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos := s.positionFor(wallet, vault); pos != nil {
		now := s.now()
		pos.LastReconciledAt = &now
	}
	return nil
}

func (s *Store) ListCorrections(_ context.Context, wallet string, limit int) ([]models.PositionCorrection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.PositionCorrection{}
	for i := len(s.corrections) - 1; i >= 0; i-- {
		if s.corrections[i].Wallet == wallet {
			out = append(out, s.corrections[i])
		}
	}
	return truncate(out, limit), nil
}

// ==================== Events ====================

func (s *Store) GetWatermark(_ context.Context, name string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.watermarks[name]
	return b, ok, nil
}

func (s *Store) PersistEvents(_ context.Context, name string, events []models.OnChainEvent, watermark uint64) ([]models.OnChainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := []models.OnChainEvent{}
	for _, ev := range events {
		if _, dup := s.eventKeys[ev.Key()]; dup {
			continue
		}
		ev.ID = s.id()
		ev.CreatedAt = s.now()
		ev.Alerted = false
		s.eventKeys[ev.Key()] = struct{}{}
		s.events = append(s.events, ev)
		inserted = append(inserted, ev)
	}
	if watermark > s.watermarks[name] {
		s.watermarks[name] = watermark
	}
	return inserted, nil
}

func (s *Store) ListEvents(_ context.Context, f models.EventFilter) ([]models.OnChainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.OnChainEvent{}
	for _, ev := range s.events {
		if f.Contract != "" && ev.Contract != f.Contract {
			continue
		}
		if f.EventName != "" && ev.EventName != f.EventName {
			continue
		}
		if f.MinSeverity != "" && ev.Severity.Rank() < f.MinSeverity.Rank() {
			continue
		}
		if ev.BlockNumber < f.FromBlock {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].LogIndex > out[j].LogIndex
	})
	if f.Offset >= len(out) {
		return []models.OnChainEvent{}, nil
	}
	out = out[f.Offset:]
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return truncate(out, limit), nil
}

func (s *Store) MarkAlerted(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[int64]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.events {
		if _, ok := want[s.events[i].ID]; ok {
			s.events[i].Alerted = true
		}
	}
	return nil
}

func (s *Store) ListTransferRecipients(_ context.Context, contract string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	out := []string{}
	for _, ev := range s.events {
		if ev.Contract != contract || ev.EventName != "Transfer" {
			continue
		}
		var args map[string]interface{}
		if err := ev.Args.Unmarshal(&args); err != nil {
			continue
		}
		to, _ := args["to"].(string)
		to = strings.ToLower(to)
		if to == "" {
			continue
		}
		if _, ok := seen[to]; !ok {
			seen[to] = struct{}{}
			out = append(out, to)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ==================== Escrows ====================

func (s *Store) CreateEscrow(_ context.Context, rec *models.EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.Owner == rec.Owner && e.Sequence == rec.Sequence {
			return fmt.Errorf("escrow %s/%d already exists", rec.Owner, rec.Sequence)
		}
	}
	rec.ID = s.id()
	rec.CreatedAt, rec.UpdatedAt = s.now(), s.now()
	cp := *rec
	s.escrows[rec.ID] = &cp
	return nil
}

func (s *Store) GetEscrow(_ context.Context, owner string, sequence uint32) (*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.escrows {
		if e.Owner == owner && e.Sequence == sequence {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListEscrowsByStatus(_ context.Context, status models.EscrowStatus) ([]models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.EscrowRecord{}
	for _, e := range s.escrows {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishAfter.Before(out[j].FinishAfter) })
	return out, nil
}

func (s *Store) UpdateEscrow(_ context.Context, rec *models.EscrowRecord, expected models.EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.escrows[rec.ID]
	if !ok || cur.Status != expected {
		return database.ErrStatusConflict
	}
	rec.UpdatedAt = s.now()
	cp := *rec
	s.escrows[rec.ID] = &cp
	return nil
}

// ==================== Cross-chain ====================

func (s *Store) CreateQuote(_ context.Context, q *models.CrossChainQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q.ID = s.id()
	q.CreatedAt = s.now()
	cp := *q
	s.quotes[q.QuoteID] = &cp
	return nil
}

func (s *Store) GetQuote(_ context.Context, quoteID string) (*models.CrossChainQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[quoteID]
	if !ok {
		return nil, nil
	}
	cp := *q
	return &cp, nil
}

func (s *Store) CreateCrossChainJob(_ context.Context, job *models.CrossChainBridgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.ccJobs {
		if j.QuoteID == job.QuoteID {
			return database.ErrQuoteUsed
		}
	}
	now := s.now()
	job.ID = s.id()
	job.CreatedAt, job.UpdatedAt = now, now
	for i := range job.Legs {
		job.Legs[i].ID = s.id()
		job.Legs[i].JobID = job.JobID
		job.Legs[i].CreatedAt, job.Legs[i].UpdatedAt = now, now
	}
	s.ccJobs[job.JobID] = cloneJob(job)
	return nil
}

func (s *Store) GetCrossChainJob(_ context.Context, jobID string) (*models.CrossChainBridgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.ccJobs[jobID]
	if !ok {
		return nil, nil
	}
	return cloneJob(job), nil
}

func (s *Store) ListCrossChainJobsByStatus(_ context.Context, statuses []models.CrossChainStatus, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := []*models.CrossChainBridgeJob{}
	for _, j := range s.ccJobs {
		if containsStatus(statuses, j.Status) {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID < jobs[k].ID })
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.JobID)
	}
	return truncate(ids, limit), nil
}

func (s *Store) UpdateCrossChainLeg(_ context.Context, leg *models.CrossChainLeg, expected models.LegStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.ccJobs[leg.JobID]
	if !ok {
		return database.ErrStatusConflict
	}
	for i := range job.Legs {
		if job.Legs[i].ID != leg.ID {
			continue
		}
		if job.Legs[i].Status != expected {
			return database.ErrStatusConflict
		}
		leg.UpdatedAt = s.now()
		job.Legs[i] = *leg
		return nil
	}
	return database.ErrStatusConflict
}

func (s *Store) UpdateCrossChainJob(_ context.Context, job *models.CrossChainBridgeJob, expected models.CrossChainStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.ccJobs[job.JobID]
	if !ok || cur.Status != expected {
		return database.ErrStatusConflict
	}
	job.UpdatedAt = s.now()
	cur.Status, cur.CurrentLeg, cur.LastError, cur.UpdatedAt = job.Status, job.CurrentLeg, job.LastError, job.UpdatedAt
	return nil
}

func cloneJob(job *models.CrossChainBridgeJob) *models.CrossChainBridgeJob {
	cp := *job
	cp.Legs = append([]models.CrossChainLeg(nil), job.Legs...)
	return &cp
}

func containsStatus[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func truncate[T any](in []T, limit int) []T {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
