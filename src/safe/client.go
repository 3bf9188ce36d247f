package safe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/webclient"
)

var (
	// ErrAlreadyProposed: the service already holds this safeTxHash.
	ErrAlreadyProposed = errors.New("transaction already proposed")
	// ErrAmbiguous: the request may have been stored; do not resend blindly.
	ErrAmbiguous = errors.New("proposal outcome unknown")
	ErrNotFound  = errors.New("transaction not found")
)

// Proposal is what the transaction service needs to queue a signed tx.
type Proposal struct {
	Tx         Transaction
	SafeTxHash common.Hash
	Sender     common.Address
	Signature  []byte
	Origin     string
}

// MultisigTx is the subset of the service's transaction view we read.
type MultisigTx struct {
	Safe          string      `json:"safe"`
	To            string      `json:"to"`
	SafeTxHash    string      `json:"safeTxHash"`
	Nonce         json.Number `json:"nonce"`
	IsExecuted    bool        `json:"isExecuted"`
	IsSuccessful  *bool       `json:"isSuccessful"`
	Confirmations []struct {
		Owner string `json:"owner"`
	} `json:"confirmations"`
}

// Client talks to the Safe Transaction Service.
type Client struct {
	base           string
	http           *http.Client
	lookupAttempts int
	retryDelay     time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base:           strings.TrimRight(baseURL, "/"),
		http:           webclient.NewDefault(timeout),
		lookupAttempts: 3,
		retryDelay:     2 * time.Second,
	}
}

// WithRetryDelay sets the initial lookup backoff.
func (c *Client) WithRetryDelay(d time.Duration) *Client {
	c.retryDelay = d
	return c
}

type proposeBody struct {
	To                      string  `json:"to"`
	Value                   string  `json:"value"`
	Data                    *string `json:"data"`
	Operation               uint8   `json:"operation"`
	SafeTxGas               string  `json:"safeTxGas"`
	BaseGas                 string  `json:"baseGas"`
	GasPrice                string  `json:"gasPrice"`
	GasToken                string  `json:"gasToken"`
	RefundReceiver          string  `json:"refundReceiver"`
	Nonce                   uint64  `json:"nonce"`
	ContractTransactionHash string  `json:"contractTransactionHash"`
	Sender                  string  `json:"sender"`
	Signature               string  `json:"signature"`
	Origin                  string  `json:"origin,omitempty"`
}

// ProposeTransaction submits a signed transaction once. It never retries: a
// retried POST after a lost response could queue the transaction twice.
func (c *Client) ProposeTransaction(ctx context.Context, p Proposal) error {
	tx := p.Tx
	var data *string
	if len(tx.Data) > 0 {
		d := hexutil.Encode(tx.Data)
		data = &d
	}
	body, err := json.Marshal(proposeBody{
		To:                      tx.To.Hex(),
		Value:                   orZero(tx.Value).String(),
		Data:                    data,
		Operation:               tx.Operation,
		SafeTxGas:               orZero(tx.SafeTxGas).String(),
		BaseGas:                 orZero(tx.BaseGas).String(),
		GasPrice:                orZero(tx.GasPrice).String(),
		GasToken:                tx.GasToken.Hex(),
		RefundReceiver:          tx.RefundReceiver.Hex(),
		Nonce:                   tx.Nonce,
		ContractTransactionHash: p.SafeTxHash.Hex(),
		Sender:                  p.Sender.Hex(),
		Signature:               hexutil.Encode(p.Signature),
		Origin:                  p.Origin,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/", c.base, tx.Safe.Hex())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return logging.Wrap(logging.PermanentConfig, "safe propose", err)
	}
	req.Header.Set("Content-Type", "application/json")

	status, resp, err := webclient.Send(ctx, c.http, req)
	if err != nil {
		if notSent(err) {
			return logging.Wrap(logging.TransientNetwork, "safe propose", err)
		}
		return logging.Wrap(logging.TransientNetwork, "safe propose", fmt.Errorf("%w: %v", ErrAmbiguous, err))
	}
	return classifyPropose(status, resp)
}

func classifyPropose(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict || strings.Contains(strings.ToLower(string(body)), "already exists"):
		return logging.Wrap(logging.StateConflict, "safe propose", ErrAlreadyProposed)
	case status >= 500:
		return logging.Wrap(logging.TransientNetwork, "safe propose",
			fmt.Errorf("%w: status %d: %s", ErrAmbiguous, status, webclient.Truncate(body, 200)))
	default:
		return logging.Errorf(logging.KindForStatus(status), "safe propose", "status %d: %s", status, webclient.Truncate(body, 200))
	}
}

// notSent reports transport errors raised before any byte reached the
// server: dial and DNS failures.
func notSent(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// Lookup fetches a transaction by safeTxHash. Missing transactions return
// ErrNotFound.
func (c *Client) Lookup(ctx context.Context, safeTxHash common.Hash) (*MultisigTx, error) {
	url := fmt.Sprintf("%s/api/v1/multisig-transactions/%s/", c.base, safeTxHash.Hex())
	status, body, err := webclient.DoWithRetry(ctx, c.lookupAttempts, c.retryDelay, func() (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set("Accept", "application/json")
		return webclient.Send(ctx, c.http, req)
	})
	if err != nil {
		return nil, logging.Wrap(logging.TransientNetwork, "safe lookup", err)
	}
	switch {
	case status == http.StatusNotFound:
		return nil, ErrNotFound
	case status != http.StatusOK:
		return nil, logging.Errorf(logging.KindForStatus(status), "safe lookup", "status %d: %s", status, webclient.Truncate(body, 200))
	}
	var tx MultisigTx
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, logging.Wrap(logging.InvalidResponse, "safe lookup", err)
	}
	return &tx, nil
}
