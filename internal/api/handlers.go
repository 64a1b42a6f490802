package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultbridge/internal/database"
	"vaultbridge/internal/models"
	"vaultbridge/internal/service"
)

// DepositService is the deposit surface the API exposes
type DepositService interface {
	CreateDepositJob(ctx context.Context, wallet, vault, xrplAddress string, amount decimal.Decimal) (*models.BridgeJob, error)
	RequestCancellation(ctx context.Context, jobID, signature string) error
	RetryProof(ctx context.Context, jobID string) error
}

// RedemptionService is the redemption surface the API exposes
type RedemptionService interface {
	CreateRedemptionJob(ctx context.Context, wallet string, positionID int64, shares decimal.Decimal, xrplAddress string) (*models.RedemptionJob, error)
}

// StatusReader resolves a job id of either kind
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (*service.JobSnapshot, error)
}

// PositionReader lists a wallet's positions
type PositionReader interface {
	ListPositionsByWallet(ctx context.Context, wallet string) ([]models.Position, error)
}

// EventReader lists stored contract events
type EventReader interface {
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.OnChainEvent, error)
}

// CrossChainService is the route quoting and job surface
type CrossChainService interface {
	Quote(ctx context.Context, req service.QuoteRequest) (*models.CrossChainQuote, error)
	CreateFromQuote(ctx context.Context, quoteID string) (*models.CrossChainBridgeJob, error)
	GetJob(ctx context.Context, jobID string) (*models.CrossChainBridgeJob, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	deposits    DepositService
	redemptions RedemptionService
	status      StatusReader
	positions   PositionReader
	events      EventReader
	crosschain  CrossChainService
	logger      *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	deposits DepositService,
	redemptions RedemptionService,
	status StatusReader,
	positions PositionReader,
	events EventReader,
	crosschain CrossChainService,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		deposits:    deposits,
		redemptions: redemptions,
		status:      status,
		positions:   positions,
		events:      events,
		crosschain:  crosschain,
		logger:      logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Deposits ====================

// HandleCreateDeposit handles POST /api/v1/deposits
func (h *Handler) HandleCreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req CreateDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Wallet == "" {
		respondError(w, http.StatusBadRequest, "wallet is required", nil)
		return
	}
	if req.XRPLAddress == "" {
		respondError(w, http.StatusBadRequest, "xrpl_address is required", nil)
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	job, err := h.deposits.CreateDepositJob(r.Context(), req.Wallet, req.Vault, req.XRPLAddress, amount)
	if err != nil {
		h.logger.Warn("Failed to create deposit",
			zap.String("wallet", req.Wallet),
			zap.Error(err))
		respondServiceError(w, "Failed to create deposit", err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateDepositResponse{
		JobID:           job.JobID,
		Status:          string(job.Status),
		UserStatus:      service.DepositUserStatus(job.Status),
		RequestedAmount: job.RequestedAmount.String(),
		ActualAmount:    job.ActualAmount.String(),
		Lots:            job.Lots,
		FeeAmount:       job.FeeAmount.String(),
		ExpectedDrops:   strconv.FormatInt(job.ExpectedTotalDrops, 10),
	})
}

// HandleCancelDeposit handles POST /api/v1/deposits/{jobId}/cancel
func (h *Handler) HandleCancelDeposit(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	var req CancelDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Signature == "" {
		respondError(w, http.StatusBadRequest, "signature is required", nil)
		return
	}

	if err := h.deposits.RequestCancellation(r.Context(), jobID, req.Signature); err != nil {
		h.logger.Warn("Cancellation refused", zap.String("job_id", jobID), zap.Error(err))
		respondServiceError(w, "Failed to cancel deposit", err)
		return
	}
	h.respondJobStatus(w, r, jobID)
}

// HandleRetryProof handles POST /api/v1/deposits/{jobId}/retry-proof
func (h *Handler) HandleRetryProof(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]

	if err := h.deposits.RetryProof(r.Context(), jobID); err != nil {
		respondServiceError(w, "Failed to retry proof", err)
		return
	}
	h.respondJobStatus(w, r, jobID)
}

// ==================== Redemptions ====================

// HandleCreateRedemption handles POST /api/v1/redemptions
func (h *Handler) HandleCreateRedemption(w http.ResponseWriter, r *http.Request) {
	var req CreateRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if req.Wallet == "" {
		respondError(w, http.StatusBadRequest, "wallet is required", nil)
		return
	}
	if req.PositionID <= 0 {
		respondError(w, http.StatusBadRequest, "position_id is required", nil)
		return
	}
	if req.XRPLAddress == "" {
		respondError(w, http.StatusBadRequest, "xrpl_address is required", nil)
		return
	}
	shares, ok := parseAmount(w, "shares", req.Shares)
	if !ok {
		return
	}

	job, err := h.redemptions.CreateRedemptionJob(r.Context(), req.Wallet, req.PositionID, shares, req.XRPLAddress)
	if err != nil {
		h.logger.Warn("Failed to create redemption",
			zap.String("wallet", req.Wallet),
			zap.Int64("position_id", req.PositionID),
			zap.Error(err))
		respondServiceError(w, "Failed to create redemption", err)
		return
	}

	respondJSON(w, http.StatusCreated, CreateRedemptionResponse{
		JobID:      job.JobID,
		Status:     string(job.Status),
		UserStatus: job.UserStatus,
		Shares:     job.ShareAmount.String(),
	})
}

// ==================== Job Status ====================

// HandleGetJobStatus handles GET /api/v1/jobs/{jobId}
func (h *Handler) HandleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "job_id is required", nil)
		return
	}

	h.logger.Debug("Getting job status", zap.String("job_id", jobID))
	h.respondJobStatus(w, r, jobID)
}

func (h *Handler) respondJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	snap, err := h.status.GetJobStatus(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, "Failed to get job", err)
		return
	}
	respondJSON(w, http.StatusOK, jobStatusResponse(snap))
}

func jobStatusResponse(snap *service.JobSnapshot) JobStatusResponse {
	resp := JobStatusResponse{
		JobID:            snap.JobID,
		Kind:             snap.Kind,
		Wallet:           checksum(snap.Wallet),
		Status:           snap.Status,
		UserStatus:       snap.UserStatus,
		FailureCode:      snap.FailureCode,
		ActualAmount:     snap.ActualAmount.String(),
		PaymentAddress:   snap.PaymentAddress,
		PaymentReference: snap.PaymentReference,
		ExpiresAt:        snap.ExpiresAt,
		Cancellable:      snap.Cancellable,
		Shares:           snap.ShareAmount.String(),
		TxHashes:         snap.TxHashes,
		Error:            snap.ErrorMessage,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        snap.UpdatedAt,
	}
	if snap.Kind == service.JobKindDeposit {
		resp.RequestedAmount = snap.RequestedAmount.String()
	}
	if snap.ExpectedDrops > 0 {
		resp.ExpectedDrops = strconv.FormatInt(snap.ExpectedDrops, 10)
	}
	if snap.ReceivedDrops != nil {
		d := strconv.FormatInt(*snap.ReceivedDrops, 10)
		resp.ReceivedDrops = &d
	}
	if snap.XRPSent.Valid {
		x := snap.XRPSent.Decimal.String()
		resp.XRPSent = &x
	}
	return resp
}

// ==================== Positions ====================

// HandleGetPositions handles GET /api/v1/positions/{wallet}
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	if !common.IsHexAddress(wallet) {
		respondError(w, http.StatusBadRequest, "wallet must be an EVM address", nil)
		return
	}

	positions, err := h.positions.ListPositionsByWallet(r.Context(), strings.ToLower(common.HexToAddress(wallet).Hex()))
	if err != nil {
		h.logger.Error("Failed to get positions",
			zap.String("wallet", wallet),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get positions", err)
		return
	}

	summaries := make([]PositionSummary, 0, len(positions))
	for _, p := range positions {
		summaries = append(summaries, PositionSummary{
			ID:               p.ID,
			Vault:            checksum(p.Vault),
			Amount:           p.Amount.String(),
			Status:           p.Status,
			LastReconciledAt: p.LastReconciledAt,
		})
	}

	respondJSON(w, http.StatusOK, GetPositionsResponse{
		Wallet:    checksum(wallet),
		Positions: summaries,
	})
}

// ==================== Events ====================

// HandleListEvents handles GET /api/v1/events
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.EventFilter{
		Contract:  q.Get("contract"),
		EventName: q.Get("event"),
		Limit:     50,
	}

	if sev := q.Get("severity"); sev != "" {
		switch s := models.Severity(sev); s {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
			filter.MinSeverity = s
		default:
			respondError(w, http.StatusBadRequest, "severity must be info, warning or critical", nil)
			return
		}
	}
	if from := q.Get("from_block"); from != "" {
		n, err := strconv.ParseUint(from, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid from_block", err)
			return
		}
		filter.FromBlock = n
	}

	// Parse pagination parameters (optional)
	if limitStr := q.Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 && parsedLimit <= 500 {
			filter.Limit = parsedLimit
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			filter.Offset = parsedOffset
		}
	}

	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list events", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list events", err)
		return
	}

	out := make([]EventSummary, 0, len(events))
	for _, e := range events {
		out = append(out, EventSummary{
			ID:          e.ID,
			Contract:    e.Contract,
			EventName:   e.EventName,
			BlockNumber: e.BlockNumber,
			TxHash:      e.TxHash,
			LogIndex:    e.LogIndex,
			Severity:    e.Severity,
			Args:        rawArgs(e.Args),
			Alerted:     e.Alerted,
			CreatedAt:   e.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, ListEventsResponse{Events: out})
}

// ==================== Cross-chain ====================

// HandleQuote handles POST /api/v1/crosschain/quotes
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, ok := parseAmount(w, "amount", req.Amount)
	if !ok {
		return
	}

	hops := make([]service.Hop, 0, len(req.Hops))
	for _, hop := range req.Hops {
		hops = append(hops, service.Hop{Protocol: hop.Protocol, FromChain: hop.FromChain, ToChain: hop.ToChain})
	}
	q, err := h.crosschain.Quote(r.Context(), service.QuoteRequest{
		Wallet:        req.Wallet,
		SourceAddress: req.SourceAddress,
		SourceChain:   req.SourceChain,
		DestChain:     req.DestChain,
		Asset:         req.Asset,
		Amount:        amount,
		Hops:          hops,
	})
	if err != nil {
		respondServiceError(w, "Failed to quote route", err)
		return
	}

	respondJSON(w, http.StatusCreated, QuoteResponse{
		QuoteID:      q.QuoteID,
		Route:        q.Route,
		Amount:       q.Amount.String(),
		EstimatedOut: q.EstimatedOut.String(),
		TotalFee:     q.TotalFee.String(),
		ExpiresAt:    q.ExpiresAt,
	})
}

// HandleCreateCrossChainJob handles POST /api/v1/crosschain/jobs
func (h *Handler) HandleCreateCrossChainJob(w http.ResponseWriter, r *http.Request) {
	var req CreateCrossChainJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.QuoteID == "" {
		respondError(w, http.StatusBadRequest, "quote_id is required", nil)
		return
	}

	job, err := h.crosschain.CreateFromQuote(r.Context(), req.QuoteID)
	if err != nil {
		respondServiceError(w, "Failed to create cross-chain job", err)
		return
	}
	respondJSON(w, http.StatusCreated, crossChainJobResponse(job))
}

// HandleGetCrossChainJob handles GET /api/v1/crosschain/jobs/{jobId}
func (h *Handler) HandleGetCrossChainJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.crosschain.GetJob(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		respondServiceError(w, "Failed to get cross-chain job", err)
		return
	}
	respondJSON(w, http.StatusOK, crossChainJobResponse(job))
}

func crossChainJobResponse(job *models.CrossChainBridgeJob) CrossChainJobResponse {
	legs := make([]LegSummary, 0, len(job.Legs))
	for _, l := range job.Legs {
		legs = append(legs, LegSummary{
			Index:       l.LegIndex,
			Protocol:    l.Protocol,
			FromChain:   l.FromChain,
			ToChain:     l.ToChain,
			Asset:       l.Asset,
			Amount:      l.Amount.String(),
			Status:      l.Status,
			ExternalRef: l.ExternalRef,
			RefundRef:   l.RefundRef,
			Error:       l.LastError,
		})
	}
	return CrossChainJobResponse{
		JobID:       job.JobID,
		QuoteID:     job.QuoteID,
		Wallet:      checksum(job.Wallet),
		SourceChain: job.SourceChain,
		DestChain:   job.DestChain,
		Amount:      job.Amount.String(),
		Status:      job.Status,
		CurrentLeg:  job.CurrentLeg,
		Legs:        legs,
		Error:       job.LastError,
	}
}

// ==================== Helper Functions ====================

func parseAmount(w http.ResponseWriter, field, raw string) (decimal.Decimal, bool) {
	if raw == "" {
		respondError(w, http.StatusBadRequest, field+" is required", nil)
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid "+field+": must be a decimal number", err)
		return decimal.Zero, false
	}
	if !amount.IsPositive() {
		respondError(w, http.StatusBadRequest, field+" must be positive", nil)
		return decimal.Zero, false
	}
	return amount, true
}

func rawArgs(args []byte) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// checksum renders stored lowercase addresses in EIP-55 form
func checksum(addr string) string {
	if !common.IsHexAddress(addr) {
		return addr
	}
	return common.HexToAddress(addr).Hex()
}

// serviceStatus maps service sentinel errors onto HTTP status codes
func serviceStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, service.ErrPositionNotFound),
		errors.Is(err, service.ErrQuoteNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidAddress),
		errors.Is(err, service.ErrInsufficientPosition), errors.Is(err, service.ErrInvalidRoute),
		errors.Is(err, service.ErrUnsupportedProtocol):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotCancellable), errors.Is(err, service.ErrNotRetryable),
		errors.Is(err, database.ErrQuoteUsed), errors.Is(err, database.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrQuoteExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func respondServiceError(w http.ResponseWriter, message string, err error) {
	respondError(w, serviceStatus(err), message, err)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
