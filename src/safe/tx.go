package safe

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Transaction is a Safe multisig transaction before signing.
type Transaction struct {
	Safe           common.Address
	To             common.Address
	Value          *big.Int
	Data           []byte
	Operation      uint8
	SafeTxGas      *big.Int
	BaseGas        *big.Int
	GasPrice       *big.Int
	GasToken       common.Address
	RefundReceiver common.Address
	Nonce          uint64
}

// Call builds a plain CALL with no value and no gas refund.
func Call(safe, to common.Address, data []byte, nonce uint64) Transaction {
	return Transaction{Safe: safe, To: to, Data: data, Nonce: nonce}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// TypedData is the EIP-712 SafeTx payload for chainID.
func (t Transaction) TypedData(chainID *big.Int) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"SafeTx": {
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "data", Type: "bytes"},
				{Name: "operation", Type: "uint8"},
				{Name: "safeTxGas", Type: "uint256"},
				{Name: "baseGas", Type: "uint256"},
				{Name: "gasPrice", Type: "uint256"},
				{Name: "gasToken", Type: "address"},
				{Name: "refundReceiver", Type: "address"},
				{Name: "nonce", Type: "uint256"},
			},
		},
		PrimaryType: "SafeTx",
		Domain: apitypes.TypedDataDomain{
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: t.Safe.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"to":             t.To.Hex(),
			"value":          orZero(t.Value).String(),
			"data":           hexutil.Encode(t.Data),
			"operation":      fmt.Sprintf("%d", t.Operation),
			"safeTxGas":      orZero(t.SafeTxGas).String(),
			"baseGas":        orZero(t.BaseGas).String(),
			"gasPrice":       orZero(t.GasPrice).String(),
			"gasToken":       t.GasToken.Hex(),
			"refundReceiver": t.RefundReceiver.Hex(),
			"nonce":          fmt.Sprintf("%d", t.Nonce),
		},
	}
}

// Hash is the safeTxHash owners sign.
func (t Transaction) Hash(chainID *big.Int) (common.Hash, error) {
	if chainID == nil {
		return common.Hash{}, fmt.Errorf("safe tx hash: chain id required")
	}
	raw, _, err := apitypes.TypedDataAndHash(t.TypedData(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("safe tx hash: %w", err)
	}
	return common.BytesToHash(raw), nil
}
