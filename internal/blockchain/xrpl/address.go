package xrpl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil"
	"github.com/btcsuite/btcutil/base58"
)

const (
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	accountIDVersion byte = 0x00
)

// ErrInvalidAddress is returned for strings that are not classic XRPL addresses
var ErrInvalidAddress = errors.New("invalid xrpl address")

var (
	toBitcoin = strings.NewReplacer(pairs(rippleAlphabet, bitcoinAlphabet)...)
	toRipple  = strings.NewReplacer(pairs(bitcoinAlphabet, rippleAlphabet)...)
)

func pairs(from, to string) []string {
	out := make([]string, 0, 2*len(from))
	for i := 0; i < len(from); i++ {
		out = append(out, from[i:i+1], to[i:i+1])
	}
	return out
}

// DecodeAddress returns the 20-byte account ID of a classic address. XRPL base58check
// is bitcoin's with a permuted alphabet, so the string is remapped before decoding.
func DecodeAddress(address string) ([]byte, error) {
	if len(address) < 25 || len(address) > 35 || address[0] != 'r' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	payload, version, err := base58.CheckDecode(toBitcoin.Replace(address))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if version != accountIDVersion || len(payload) != 20 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return payload, nil
}

// ValidateAddress checks that address is a well-formed classic address
func ValidateAddress(address string) error {
	_, err := DecodeAddress(address)
	return err
}

// EncodeAddress encodes a 20-byte account ID as a classic address
func EncodeAddress(accountID []byte) (string, error) {
	if len(accountID) != 20 {
		return "", fmt.Errorf("account id must be 20 bytes, got %d", len(accountID))
	}
	return toRipple.Replace(base58.CheckEncode(accountID, accountIDVersion)), nil
}

// AddressFromPublicKey derives the classic address of a 33-byte public key
func AddressFromPublicKey(pub []byte) (string, error) {
	if len(pub) != 33 {
		return "", fmt.Errorf("public key must be 33 bytes, got %d", len(pub))
	}
	return EncodeAddress(btcutil.Hash160(pub))
}
