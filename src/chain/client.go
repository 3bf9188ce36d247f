package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
)

// Backend is the subset of ethclient.Client the service reads through.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client reads the governor contract. Every call is bounded by the configured
// timeout.
type Client struct {
	backend  Backend
	governor common.Address
	timeout  time.Duration
	closer   func()
}

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string, governor common.Address, timeout time.Duration) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, logging.Wrap(logging.TransientNetwork, "chain dial", err)
	}
	c := NewClient(eth, governor, timeout)
	c.closer = eth.Close
	return c, nil
}

// NewClient wraps an existing backend.
func NewClient(backend Backend, governor common.Address, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{backend: backend, governor: governor, timeout: timeout}
}

func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Governor is the contract address being watched.
func (c *Client) Governor() common.Address { return c.governor }

func (c *Client) BlockHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, logging.Wrap(logging.TransientNetwork, "block height", err)
	}
	return n, nil
}

func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	h, err := c.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, logging.Wrap(logging.TransientNetwork, "block header", err)
	}
	if h == nil {
		return time.Time{}, logging.Errorf(logging.InvalidResponse, "block header", "block %d not found", number)
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, logging.Wrap(logging.TransientNetwork, "chain id", err)
	}
	return id, nil
}

// ProposalsCreated returns the ProposalCreated events in [from, to].
func (c *Client) ProposalsCreated(ctx context.Context, from, to uint64) ([]gov.Proposal, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ev := GovernorABI.Events["ProposalCreated"]
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.governor},
		Topics:    [][]common.Hash{{ev.ID}},
	})
	if err != nil {
		return nil, logging.Wrap(logging.TransientNetwork, "filter logs", err)
	}

	out := make([]gov.Proposal, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		p, err := decodeProposalCreated(ev, lg)
		if err != nil {
			return nil, logging.Wrap(logging.InvalidResponse, "decode ProposalCreated", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeProposalCreated(ev abi.Event, lg types.Log) (gov.Proposal, error) {
	vals, err := ev.Inputs.Unpack(lg.Data)
	if err != nil {
		return gov.Proposal{}, err
	}
	if len(vals) != 9 {
		return gov.Proposal{}, fmt.Errorf("expected 9 fields, got %d", len(vals))
	}
	id, ok1 := vals[0].(*big.Int)
	proposer, ok2 := vals[1].(common.Address)
	start, ok3 := vals[6].(*big.Int)
	end, ok4 := vals[7].(*big.Int)
	desc, ok5 := vals[8].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return gov.Proposal{}, fmt.Errorf("unexpected field types in block %d", lg.BlockNumber)
	}
	if !id.IsUint64() || !end.IsUint64() || !start.IsUint64() {
		return gov.Proposal{}, fmt.Errorf("proposal fields overflow uint64 in block %d", lg.BlockNumber)
	}
	return gov.Proposal{
		ID:          gov.ProposalID(id.Uint64()),
		Proposer:    proposer.Hex(),
		StartBlock:  start.Uint64(),
		EndBlock:    end.Uint64(),
		Description: desc,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
	}, nil
}

// ProposalState reads the governor's live state for id.
func (c *Client) ProposalState(ctx context.Context, id gov.ProposalID) (gov.ProposalState, error) {
	out, err := c.CallView(ctx, c.governor, GovernorABI, "state", new(big.Int).SetUint64(uint64(id)))
	if err != nil {
		return 0, err
	}
	st, ok := out[0].(uint8)
	if !ok {
		return 0, logging.Errorf(logging.InvalidResponse, "state", "unexpected type %T", out[0])
	}
	return gov.ProposalState(st), nil
}

// SafeNonce reads the next nonce of a Safe.
func (c *Client) SafeNonce(ctx context.Context, safe common.Address) (uint64, error) {
	out, err := c.CallView(ctx, safe, SafeABI, "nonce")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, logging.Errorf(logging.InvalidResponse, "nonce", "unexpected value %v", out[0])
	}
	return n.Uint64(), nil
}

// CallView calls a read-only method at the latest block and unpacks the
// outputs.
func (c *Client) CallView(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, logging.Wrap(logging.TransientNetwork, "call "+method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, logging.Wrap(logging.InvalidResponse, "unpack "+method, err)
	}
	if len(out) == 0 {
		return nil, logging.Errorf(logging.InvalidResponse, "unpack "+method, "empty result")
	}
	return out, nil
}
