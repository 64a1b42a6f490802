package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultbridge/internal/models"
)

func TestWebhookNotifier(t *testing.T) {
	var got Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ev := &models.OnChainEvent{
		Contract:    "vault",
		EventName:   "Paused",
		BlockNumber: 42,
		TxHash:      "0xabc",
		Severity:    models.SeverityCritical,
		Args:        types.JSONText(`{"account":"0x01"}`),
	}
	err := NewWebhookNotifier(server.URL).Notify(context.Background(), FromEvent(ev))
	require.NoError(t, err)

	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, "Paused", got.EventName)
	assert.Contains(t, got.Text, "vault.Paused at block 42")
	assert.JSONEq(t, `{"account":"0x01"}`, string(got.Args))
}

func TestMultiJoinsErrors(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer failing.Close()

	n := New([]string{failing.URL}, zap.NewNop())
	err := n.Notify(context.Background(), Alert{Severity: models.SeverityWarning, Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	ok := New(nil, zap.NewNop())
	assert.NoError(t, ok.Notify(context.Background(), Alert{Severity: models.SeverityWarning}))
}
