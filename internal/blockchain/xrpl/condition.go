package xrpl

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// PREIMAGE-SHA-256 crypto-condition encodings (RFC draft-thomas-crypto-conditions)
const (
	fulfillmentPrefix = "A0228020"
	conditionPrefix   = "A0258020"
	conditionSuffix   = "810120"
)

// PreimageCondition is a hashlock for conditional escrows
type PreimageCondition struct {
	Condition   string // hex, goes on EscrowCreate
	Fulfillment string // hex, goes on EscrowFinish; keep secret until then
}

// NewPreimageCondition generates a random 32-byte preimage and its condition
func NewPreimageCondition() (*PreimageCondition, error) {
	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, fmt.Errorf("failed to read preimage: %w", err)
	}
	return ConditionFromPreimage(preimage)
}

// ConditionFromPreimage builds the condition and fulfillment for a 32-byte preimage
func ConditionFromPreimage(preimage []byte) (*PreimageCondition, error) {
	if len(preimage) != 32 {
		return nil, fmt.Errorf("preimage must be 32 bytes, got %d", len(preimage))
	}
	digest := sha256.Sum256(preimage)
	return &PreimageCondition{
		Condition:   conditionPrefix + strings.ToUpper(hex.EncodeToString(digest[:])) + conditionSuffix,
		Fulfillment: fulfillmentPrefix + strings.ToUpper(hex.EncodeToString(preimage)),
	}, nil
}

// FulfillmentMatches reports whether fulfillment satisfies condition
func FulfillmentMatches(condition, fulfillment string) bool {
	f := strings.ToUpper(fulfillment)
	if !strings.HasPrefix(f, fulfillmentPrefix) {
		return false
	}
	preimage, err := hex.DecodeString(strings.TrimPrefix(f, fulfillmentPrefix))
	if err != nil {
		return false
	}
	pc, err := ConditionFromPreimage(preimage)
	if err != nil {
		return false
	}
	return pc.Condition == strings.ToUpper(condition)
}
