// Package fdc reaches the Flare Data Connector verifier and DA layer over HTTP.
package fdc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"vaultbridge/internal/config"
)

// ErrProofNotReady is returned while the DA layer has no proof for a request
var ErrProofNotReady = errors.New("proof not ready")

// ErrInvalidRequest is returned when the verifier rejects the attestation request
var ErrInvalidRequest = errors.New("attestation request invalid")

// paymentAttestationType is "Payment" zero padded to 32 bytes
const paymentAttestationType = "0x5061796d656e7400000000000000000000000000000000000000000000000000"

// Proof is a Merkle proof plus the ABI encoded attestation response
type Proof struct {
	MerkleProof [][32]byte
	Data        []byte
}

// Client handles requests to the attestation verifier and DA layer
type Client struct {
	verifierURL     string
	daLayerURL      string
	apiKey          string
	sourceID        string
	firstRoundStart int64
	roundDuration   time.Duration
	httpClient      *http.Client
	logger          *zap.Logger
}

// NewClient creates a new data connector client
func NewClient(cfg config.FDCConfig, logger *zap.Logger) (*Client, error) {
	if cfg.VerifierURL == "" {
		return nil, fmt.Errorf("FDC verifier URL cannot be empty")
	}
	if cfg.DALayerURL == "" {
		return nil, fmt.Errorf("FDC DA layer URL cannot be empty")
	}
	duration := cfg.RoundDuration
	if duration < time.Second {
		duration = 90 * time.Second
	}
	return &Client{
		verifierURL:     strings.TrimRight(cfg.VerifierURL, "/"),
		daLayerURL:      strings.TrimRight(cfg.DALayerURL, "/"),
		apiKey:          cfg.APIKey,
		sourceID:        cfg.SourceID,
		firstRoundStart: cfg.FirstRoundStart,
		roundDuration:   duration,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger.Named("fdc"),
	}, nil
}

// encodeSourceID turns "testXRP" into its zero padded bytes32 hex form
func encodeSourceID(id string) string {
	var b [32]byte
	copy(b[:], id)
	return "0x" + hex.EncodeToString(b[:])
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to query %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// PreparePayment asks the verifier for the ABI encoded Payment attestation request of
// an XRPL transaction.
//
// API endpoint: POST {verifierURL}/verifier/xrp/Payment/prepareRequest
func (c *Client) PreparePayment(ctx context.Context, xrplTxHash string) ([]byte, error) {
	if xrplTxHash == "" {
		return nil, fmt.Errorf("transaction hash cannot be empty")
	}
	txID := "0x" + strings.ToLower(strings.TrimPrefix(xrplTxHash, "0x"))

	status, body, err := c.post(ctx, c.verifierURL+"/verifier/xrp/Payment/prepareRequest", map[string]interface{}{
		"attestationType": paymentAttestationType,
		"sourceId":        encodeSourceID(c.sourceID),
		"requestBody": map[string]string{
			"transactionId": txID,
			"inUtxo":        "0",
			"utxo":          "0",
		},
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("verifier returned status %d: %s", status, string(body))
	}

	result := gjson.ParseBytes(body)
	if s := result.Get("status").String(); s != "VALID" {
		return nil, fmt.Errorf("%w: verifier status %s", ErrInvalidRequest, s)
	}
	encoded := result.Get("abiEncodedRequest").String()
	raw, err := hex.DecodeString(strings.TrimPrefix(encoded, "0x"))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("invalid abiEncodedRequest in response")
	}

	c.logger.Debug("Attestation request prepared",
		zap.String("xrpl_tx_hash", xrplTxHash),
		zap.Int("request_bytes", len(raw)))
	return raw, nil
}

// RoundForTime returns the voting round an attestation submitted at t belongs to
func (c *Client) RoundForTime(t time.Time) int64 {
	elapsed := t.Unix() - c.firstRoundStart
	if elapsed < 0 {
		return 0
	}
	return elapsed / int64(c.roundDuration/time.Second)
}

// RoundDuration returns the length of one voting round
func (c *Client) RoundDuration() time.Duration {
	return c.roundDuration
}

// FetchProof fetches the proof of request for a voting round. The request may land
// in the following round when submitted near a boundary, so both are tried.
//
// API endpoint: POST {daLayerURL}/api/v1/fdc/proof-by-request-round-raw
func (c *Client) FetchProof(ctx context.Context, round int64, request []byte) (*Proof, error) {
	for _, r := range []int64{round, round + 1} {
		proof, err := c.fetchProofRound(ctx, r, request)
		if errors.Is(err, ErrProofNotReady) {
			continue
		}
		return proof, err
	}
	return nil, ErrProofNotReady
}

func (c *Client) fetchProofRound(ctx context.Context, round int64, request []byte) (*Proof, error) {
	status, body, err := c.post(ctx, c.daLayerURL+"/api/v1/fdc/proof-by-request-round-raw", map[string]interface{}{
		"votingRoundId": round,
		"requestBytes":  "0x" + hex.EncodeToString(request),
	})
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound, status == http.StatusBadRequest:
		return nil, ErrProofNotReady
	case status != http.StatusOK:
		return nil, fmt.Errorf("DA layer returned status %d: %s", status, string(body))
	}

	result := gjson.ParseBytes(body)
	responseHex := result.Get("response_hex").String()
	if responseHex == "" {
		return nil, ErrProofNotReady
	}
	data, err := hex.DecodeString(strings.TrimPrefix(responseHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid response_hex: %w", err)
	}

	proof := &Proof{Data: data}
	var parseErr error
	result.Get("proof").ForEach(func(_, node gjson.Result) bool {
		raw, err := hex.DecodeString(strings.TrimPrefix(node.String(), "0x"))
		if err != nil || len(raw) != 32 {
			parseErr = fmt.Errorf("invalid merkle proof node %q", node.String())
			return false
		}
		var h [32]byte
		copy(h[:], raw)
		proof.MerkleProof = append(proof.MerkleProof, h)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	c.logger.Info("Attestation proof fetched",
		zap.Int64("round_id", round),
		zap.Int("merkle_depth", len(proof.MerkleProof)))
	return proof, nil
}
