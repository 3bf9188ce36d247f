package safe

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	safeAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	governor = common.HexToAddress("0x6f3E6272A167e8AcCb32072d08E0957F9c79223d")
)

func pad(b []byte) []byte { return common.LeftPadBytes(b, 32) }

func TestHashMatchesManualEncoding(t *testing.T) {
	tx := Call(safeAddr, governor, []byte{0xde, 0xad, 0xbe, 0xef}, 7)
	chainID := big.NewInt(1)

	got, err := tx.Hash(chainID)
	require.NoError(t, err)

	domainType := crypto.Keccak256([]byte("EIP712Domain(uint256 chainId,address verifyingContract)"))
	safeTxType := crypto.Keccak256([]byte("SafeTx(address to,uint256 value,bytes data,uint8 operation,uint256 safeTxGas,uint256 baseGas,uint256 gasPrice,address gasToken,address refundReceiver,uint256 nonce)"))
	assert.Equal(t, "0x47e79534a245952e8b16893a336b85a3d9ea9fa8c573f3d803afb92a79469218", common.BytesToHash(domainType).Hex())
	assert.Equal(t, "0xbb8310d486368db6bd6f849402fdd73ad53d316b5a4b2644ad6efe0f941286d8", common.BytesToHash(safeTxType).Hex())

	domain := crypto.Keccak256(domainType, pad(chainID.Bytes()), pad(safeAddr.Bytes()))
	zero := pad(nil)
	structHash := crypto.Keccak256(
		safeTxType,
		pad(governor.Bytes()),
		zero,
		crypto.Keccak256([]byte{0xde, 0xad, 0xbe, 0xef}),
		zero, zero, zero, zero,
		pad(common.Address{}.Bytes()),
		pad(common.Address{}.Bytes()),
		pad(big.NewInt(7).Bytes()),
	)
	want := crypto.Keccak256Hash([]byte{0x19, 0x01}, domain, structHash)
	assert.Equal(t, want, got)

	other, err := Call(safeAddr, governor, []byte{0xde, 0xad, 0xbe, 0xef}, 8).Hash(chainID)
	require.NoError(t, err)
	assert.NotEqual(t, got, other)

	_, err = tx.Hash(nil)
	assert.Error(t, err)
}

func proposal() Proposal {
	return Proposal{
		Tx:         Call(safeAddr, governor, []byte{0x01}, 3),
		SafeTxHash: common.HexToHash("0xabc"),
		Sender:     common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Signature:  make([]byte, 65),
		Origin:     "govsignal",
	}
}

func TestProposeTransaction(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/safes/"+safeAddr.Hex()+"/multisig-transactions/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, time.Second).ProposeTransaction(context.Background(), proposal()))
	assert.Equal(t, governor.Hex(), got["to"])
	assert.Equal(t, "0x01", got["data"])
	assert.Equal(t, float64(3), got["nonce"])
	assert.Equal(t, common.HexToHash("0xabc").Hex(), got["contractTransactionHash"])
	assert.Equal(t, "0", got["value"])
}

func TestProposeClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		target    error
		kind      logging.Kind
		ambiguous bool
	}{
		{"conflict", http.StatusConflict, `{}`, ErrAlreadyProposed, logging.StateConflict, false},
		{"already exists body", http.StatusUnprocessableEntity, `{"nonFieldErrors":["Tx already exists"]}`, ErrAlreadyProposed, logging.StateConflict, false},
		{"bad signature", http.StatusBadRequest, `{"signature":["invalid"]}`, nil, logging.InvalidResponse, false},
		{"server error", http.StatusBadGateway, `oops`, ErrAmbiguous, logging.TransientNetwork, true},
		{"rate limited", http.StatusTooManyRequests, ``, nil, logging.TransientNetwork, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body)) //nolint:errcheck
			}))
			defer srv.Close()

			err := New(srv.URL, time.Second).ProposeTransaction(context.Background(), proposal())
			require.Error(t, err)
			assert.Equal(t, int32(1), calls.Load(), "proposals are never retried")
			assert.Equal(t, tt.kind, logging.KindOf(err))
			assert.Equal(t, tt.ambiguous, errors.Is(err, ErrAmbiguous))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestProposeTimeoutIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	err := New(srv.URL, 50*time.Millisecond).ProposeTransaction(context.Background(), proposal())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestProposeDialErrorIsNotAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, time.Second).ProposeTransaction(context.Background(), proposal())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAmbiguous)
	assert.Equal(t, logging.TransientNetwork, logging.KindOf(err))
}

func TestLookup(t *testing.T) {
	hash := common.HexToHash("0xabc")
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Path {
		case "/api/v1/multisig-transactions/" + hash.Hex() + "/":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"safe":"` + safeAddr.Hex() + `","safeTxHash":"` + hash.Hex() + `","nonce":3,"isExecuted":false,"confirmations":[{"owner":"0x3333333333333333333333333333333333333333"}]}`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second).WithRetryDelay(time.Millisecond)
	tx, err := c.Lookup(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, hash.Hex(), tx.SafeTxHash)
	assert.Equal(t, "3", tx.Nonce.String())
	assert.Len(t, tx.Confirmations, 1)

	_, err = c.Lookup(context.Background(), common.HexToHash("0xdef"))
	assert.ErrorIs(t, err, ErrNotFound)
}
