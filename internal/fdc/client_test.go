package fdc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"vaultbridge/internal/config"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(config.FDCConfig{
		VerifierURL:     url,
		DALayerURL:      url,
		APIKey:          "key",
		SourceID:        "testXRP",
		FirstRoundStart: 1000,
		RoundDuration:   90 * time.Second,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.FDCConfig
		wantErr bool
	}{
		{name: "valid", cfg: config.FDCConfig{VerifierURL: "http://v", DALayerURL: "http://d"}},
		{name: "missing verifier", cfg: config.FDCConfig{DALayerURL: "http://d"}, wantErr: true},
		{name: "missing DA layer", cfg: config.FDCConfig{VerifierURL: "http://v"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.cfg, zap.NewNop())
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPreparePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/verifier/xrp/Payment/prepareRequest" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-KEY") != "key" {
			t.Errorf("Missing API key header")
		}
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		reqBody := body["requestBody"].(map[string]interface{})
		w.Header().Set("Content-Type", "application/json")
		if reqBody["transactionId"] == "0xbad" {
			json.NewEncoder(w).Encode(map[string]string{"status": "INVALID"})
			return
		}
		if !strings.HasPrefix(body["sourceId"].(string), "0x7465737458525000") {
			t.Errorf("Unexpected sourceId %v", body["sourceId"])
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "VALID", "abiEncodedRequest": "0x0102ff"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	tests := []struct {
		name    string
		txHash  string
		want    []byte
		wantErr error
	}{
		{name: "valid", txHash: "ABCDEF", want: []byte{0x01, 0x02, 0xff}},
		{name: "rejected", txHash: "BAD", wantErr: ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.PreparePayment(context.Background(), tt.txHash)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("PreparePayment() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("PreparePayment() error = %v", err)
			}
			if string(got) != string(tt.want) {
				t.Errorf("PreparePayment() = %x, want %x", got, tt.want)
			}
		})
	}

	if _, err := client.PreparePayment(context.Background(), ""); err == nil {
		t.Error("expected error for empty hash")
	}
}

func TestRoundForTime(t *testing.T) {
	client := newTestClient(t, "http://unused")
	tests := []struct {
		at   int64
		want int64
	}{
		{at: 500, want: 0},
		{at: 1000, want: 0},
		{at: 1089, want: 0},
		{at: 1090, want: 1},
		{at: 1000 + 90*42 + 5, want: 42},
	}
	for _, tt := range tests {
		if got := client.RoundForTime(time.Unix(tt.at, 0)); got != tt.want {
			t.Errorf("RoundForTime(%d) = %d, want %d", tt.at, got, tt.want)
		}
	}
}

func TestFetchProof(t *testing.T) {
	node := "0x" + strings.Repeat("ab", 32)
	var rounds []float64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		round := body["votingRoundId"].(float64)
		rounds = append(rounds, round)
		if round == 7 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if round == 8 {
			json.NewEncoder(w).Encode(map[string]interface{}{"proof": []string{node}, "response_hex": "0xbeef"})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	proof, err := client.FetchProof(context.Background(), 7, []byte{0x01})
	if err != nil {
		t.Fatalf("FetchProof() error = %v", err)
	}
	if len(proof.MerkleProof) != 1 || proof.MerkleProof[0][0] != 0xab {
		t.Errorf("unexpected merkle proof %x", proof.MerkleProof)
	}
	if string(proof.Data) != "\xbe\xef" {
		t.Errorf("unexpected data %x", proof.Data)
	}
	if len(rounds) != 2 || rounds[0] != 7 || rounds[1] != 8 {
		t.Errorf("expected rounds 7 and 8 to be queried, got %v", rounds)
	}

	_, err = client.FetchProof(context.Background(), 20, []byte{0x01})
	if !errors.Is(err, ErrProofNotReady) {
		t.Errorf("FetchProof() error = %v, want ErrProofNotReady", err)
	}
}
