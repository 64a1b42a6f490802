package service

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"vaultbridge/internal/config"
	"vaultbridge/internal/models"
)

// FeeService handles lot rounding and minting fee quotes
type FeeService struct {
	cfg    *config.BridgeConfig
	logger *zap.Logger
}

// NewFeeService creates a new fee service
func NewFeeService(cfg *config.BridgeConfig, logger *zap.Logger) *FeeService {
	return &FeeService{
		cfg:    cfg,
		logger: logger,
	}
}

// DepositQuote holds the amounts a deposit job is created with
type DepositQuote struct {
	Requested          decimal.Decimal // XRP as asked
	Actual             decimal.Decimal // lot-rounded XRP
	Lots               int64
	Fee                decimal.Decimal // minting fee in XRP
	ExpectedTotalDrops int64           // what the user must send: actual + fee
}

// CalculateMintingFee returns the minting fee for a lot-rounded amount, rounded up
// to whole drops. The fee is amount * mintingFeeBps / 10000.
func (s *FeeService) CalculateMintingFee(actual decimal.Decimal) decimal.Decimal {
	fee := actual.Mul(decimal.NewFromInt(s.cfg.MintingFeeBps)).Div(decimal.NewFromInt(10000))
	return fee.RoundUp(models.AssetDecimals)
}

// QuoteDeposit rounds the requested amount to lots and adds the fee
func (s *FeeService) QuoteDeposit(requested decimal.Decimal) (*DepositQuote, error) {
	if !requested.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	actual, lots, err := models.RoundToLots(requested, s.cfg.LotSizeXRP, s.cfg.LotRounding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	fee := s.CalculateMintingFee(actual)
	totalDrops, err := models.XRPToDrops(actual.Add(fee))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	s.logger.Debug("Calculated deposit quote",
		zap.String("requested", requested.String()),
		zap.String("actual", actual.String()),
		zap.Int64("lots", lots),
		zap.String("fee", fee.String()),
		zap.Int64("expected_total_drops", totalDrops))

	return &DepositQuote{
		Requested:          requested,
		Actual:             actual,
		Lots:               lots,
		Fee:                fee,
		ExpectedTotalDrops: totalDrops,
	}, nil
}

// ValidateAmount checks that an amount covers at least one lot
func (s *FeeService) ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThan(s.cfg.LotSizeXRP) && s.cfg.LotRounding == models.LotRoundingDown {
		return fmt.Errorf("%w: amount %s is below one lot of %s", ErrInvalidAmount, amount, s.cfg.LotSizeXRP)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	return nil
}

// SplitRedemption splits an FXRP amount into whole lots and the dust left over
func (s *FeeService) SplitRedemption(fxrp decimal.Decimal) (lots int64, redeemable, dust decimal.Decimal) {
	if !fxrp.IsPositive() || !s.cfg.LotSizeXRP.IsPositive() {
		return 0, decimal.Zero, fxrp
	}
	lots = fxrp.Div(s.cfg.LotSizeXRP).Floor().IntPart()
	redeemable = s.cfg.LotSizeXRP.Mul(decimal.NewFromInt(lots))
	return lots, redeemable, fxrp.Sub(redeemable)
}
