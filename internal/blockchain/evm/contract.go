package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// boundContract pairs an ABI with a deployed address
type boundContract struct {
	client  *Client
	address common.Address
	abi     abi.ABI
}

func newBoundContract(client *Client, address common.Address, abiJSON string) (*boundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return &boundContract{client: client, address: address, abi: parsed}, nil
}

// ABI returns the parsed contract ABI
func (b *boundContract) ABI() abi.ABI {
	return b.abi
}

// call packs method, executes an eth_call and unpacks the single return value into out
func (b *boundContract) call(ctx context.Context, out interface{}, method string, args ...interface{}) error {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	result, err := b.client.Call(ctx, b.address, data)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", method, err)
	}
	if err := b.abi.UnpackIntoInterface(out, method, result); err != nil {
		return fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return nil
}

// callBig is call for methods returning a single uint256
func (b *boundContract) callBig(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out := new(big.Int)
	if err := b.call(ctx, &out, method, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// transact packs method and sends it signed by the operator
func (b *boundContract) transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (common.Hash, error) {
	data, err := b.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	txHash, err := b.client.SignAndSendTransaction(ctx, b.address, data, value)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to send %s transaction: %w", method, err)
	}
	return txHash, nil
}

// findEvent unpacks the first log in receipt emitted by this contract as event name
func (b *boundContract) findEvent(receipt *types.Receipt, name string) (map[string]interface{}, bool, error) {
	ev, ok := b.abi.Events[name]
	if !ok {
		return nil, false, fmt.Errorf("unknown event %s", name)
	}
	for _, lg := range receipt.Logs {
		if lg.Address != b.address || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		fields, err := decodeLog(b.abi, &ev, *lg)
		if err != nil {
			return nil, false, err
		}
		return fields, true, nil
	}
	return nil, false, nil
}

// decodeLog unpacks indexed and data fields of a log into one map
func decodeLog(contractABI abi.ABI, ev *abi.Event, lg types.Log) (map[string]interface{}, error) {
	fields := make(map[string]interface{})
	if len(lg.Data) > 0 {
		if err := contractABI.UnpackIntoMap(fields, ev.Name, lg.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(indexed) > 0 && len(lg.Topics) > 1 {
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("failed to parse %s topics: %w", ev.Name, err)
		}
	}
	return fields, nil
}

// DecodeLog decodes any log emitted by a contract with the given ABI. The returned
// name is the event name; ok is false for logs the ABI does not describe.
func DecodeLog(contractABI abi.ABI, lg types.Log) (name string, fields map[string]interface{}, ok bool, err error) {
	if len(lg.Topics) == 0 {
		return "", nil, false, nil
	}
	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return "", nil, false, nil
	}
	fields, err = decodeLog(contractABI, ev, lg)
	if err != nil {
		return ev.Name, nil, true, err
	}
	return ev.Name, fields, true, nil
}

func filterQuery(address common.Address, topic common.Hash) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{topic}},
	}
}

func bigField(fields map[string]interface{}, name string) (*big.Int, error) {
	v, ok := fields[name].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("field %s missing or not uint256", name)
	}
	return v, nil
}

func bytes32Field(fields map[string]interface{}, name string) ([32]byte, error) {
	v, ok := fields[name].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("field %s missing or not bytes32", name)
	}
	return v, nil
}

func stringField(fields map[string]interface{}, name string) (string, error) {
	v, ok := fields[name].(string)
	if !ok {
		return "", fmt.Errorf("field %s missing or not string", name)
	}
	return v, nil
}
