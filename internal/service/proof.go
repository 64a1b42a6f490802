package service

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"vaultbridge/internal/blockchain/evm"
	"vaultbridge/internal/fdc"
)

// storedProof is the form a fetched attestation proof is persisted in
type storedProof struct {
	MerkleProof []common.Hash `json:"merkleProof"`
	Data        hexutil.Bytes `json:"data"`
}

func encodeProof(p *fdc.Proof) (string, error) {
	sp := storedProof{Data: p.Data}
	for _, node := range p.MerkleProof {
		sp.MerkleProof = append(sp.MerkleProof, common.Hash(node))
	}
	raw, err := json.Marshal(sp)
	if err != nil {
		return "", fmt.Errorf("failed to encode proof: %w", err)
	}
	return string(raw), nil
}

func decodeProof(s string) (evm.Proof, error) {
	var sp storedProof
	if err := json.Unmarshal([]byte(s), &sp); err != nil {
		return evm.Proof{}, fmt.Errorf("failed to decode stored proof: %w", err)
	}
	return toContractProof(&fdc.Proof{Data: sp.Data, MerkleProof: hashesToNodes(sp.MerkleProof)}), nil
}

func hashesToNodes(hashes []common.Hash) [][32]byte {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h
	}
	return out
}

func toContractProof(p *fdc.Proof) evm.Proof {
	return evm.Proof{MerkleProof: p.MerkleProof, Data: p.Data}
}
