// Package chain reads domain-registration state from the registrar
// controller contract: registration events out of transaction receipts and
// name expiry or ownership via view calls.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// TopicNameRegistered is the topic hash of the controller's registration
// event:
//
//	NameRegistered(string name, bytes32 indexed label, address indexed owner,
//	               uint256 baseCost, uint256 premium, uint256 expires)
var TopicNameRegistered = crypto.Keccak256Hash(
	[]byte("NameRegistered(string,bytes32,address,uint256,uint256,uint256)"))

// ErrNoRegistrationEvent is returned when a receipt carries no registration
// event from the controller.
var ErrNoRegistrationEvent = errors.New("chain: no registration event in receipt")

const controllerABI = `[
	{"name":"nameExpires","type":"function","stateMutability":"view",
	 "inputs":[{"name":"name","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"name":"ownerOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"name","type":"string"}],
	 "outputs":[{"name":"","type":"address"}]}
]`

// eventData describes the non-indexed portion of NameRegistered.
var eventData = abi.Arguments{
	{Name: "name", Type: mustType("string")},
	{Name: "baseCost", Type: mustType("uint256")},
	{Name: "premium", Type: mustType("uint256")},
	{Name: "expires", Type: mustType("uint256")},
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// Backend is the Ethereum client surface the oracle needs; *ethclient.Client
// satisfies it.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Registration is one decoded NameRegistered event.
type Registration struct {
	Name     string
	Owner    common.Address
	BaseCost *big.Int
	Premium  *big.Int
	Expires  time.Time
}

// Oracle answers registration queries against one controller contract.
type Oracle struct {
	backend    Backend
	controller common.Address
	cabi       abi.ABI
	logger     *zap.Logger
}

// Dial connects to the RPC provider and binds to the controller address.
func Dial(ctx context.Context, providerURL, controller string, logger *zap.Logger) (*Oracle, error) {
	client, err := ethclient.DialContext(ctx, providerURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", providerURL, err)
	}
	return NewOracle(client, common.HexToAddress(controller), logger), nil
}

// NewOracle creates an oracle over an existing backend.
func NewOracle(backend Backend, controller common.Address, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	cabi, err := abi.JSON(strings.NewReader(controllerABI))
	if err != nil {
		panic(err)
	}
	return &Oracle{backend: backend, controller: controller, cabi: cabi, logger: logger}
}

// RegistrationEvent extracts the first NameRegistered event emitted by the
// controller in the given transaction.
func (o *Oracle) RegistrationEvent(ctx context.Context, txHash common.Hash) (*Registration, error) {
	receipt, err := o.backend.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("chain: receipt %s: %w", txHash, err)
	}
	for _, lg := range receipt.Logs {
		if lg.Address != o.controller {
			continue
		}
		reg, err := ParseRegistrationLog(lg)
		if err != nil {
			o.logger.Warn("registration log skipped", zap.String("tx", txHash.Hex()), zap.Error(err))
			continue
		}
		if reg != nil {
			return reg, nil
		}
	}
	return nil, fmt.Errorf("%w: tx %s", ErrNoRegistrationEvent, txHash)
}

// ParseRegistrationLog decodes one log entry. It returns (nil, nil) when the
// log is not a NameRegistered event.
func ParseRegistrationLog(lg *types.Log) (*Registration, error) {
	if len(lg.Topics) < 3 || lg.Topics[0] != TopicNameRegistered {
		return nil, nil
	}
	vals, err := eventData.Unpack(lg.Data)
	if err != nil {
		return nil, fmt.Errorf("chain: decode registration event: %w", err)
	}
	name, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("chain: registration event name has type %T", vals[0])
	}
	expires, ok := vals[3].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: registration event expiry has type %T", vals[3])
	}
	return &Registration{
		Name:     name,
		Owner:    common.BytesToAddress(lg.Topics[2].Bytes()[12:]),
		BaseCost: vals[1].(*big.Int),
		Premium:  vals[2].(*big.Int),
		Expires:  time.Unix(expires.Int64(), 0).UTC(),
	}, nil
}

// NameExpires returns the on-chain expiry of a second-level name. A zero
// time means the name is not registered.
func (o *Oracle) NameExpires(ctx context.Context, sld string) (time.Time, error) {
	out, err := o.call(ctx, "nameExpires", sld)
	if err != nil {
		return time.Time{}, err
	}
	expires, ok := out[0].(*big.Int)
	if !ok || expires.Sign() == 0 {
		return time.Time{}, nil
	}
	return time.Unix(expires.Int64(), 0).UTC(), nil
}

// OwnerOf returns the current owner of a second-level name.
func (o *Oracle) OwnerOf(ctx context.Context, sld string) (common.Address, error) {
	out, err := o.call(ctx, "ownerOf", sld)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: ownerOf(%s) returned %T", sld, out[0])
	}
	return owner, nil
}

func (o *Oracle) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := o.cabi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := o.backend.CallContract(ctx, ethereum.CallMsg{To: &o.controller, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := o.cabi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: decode %s: %w", method, err)
	}
	return out, nil
}
