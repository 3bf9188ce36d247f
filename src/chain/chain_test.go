package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var governor = common.HexToAddress("0x6f3E6272A167e8AcCb32072d08E0957F9c79223d")

type fakeBackend struct {
	height  uint64
	logs    []types.Log
	state   uint8
	nonce   int64
	callErr error
	queries []ethereum.FilterQuery
}

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return f.height, nil }

func (f *fakeBackend) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	return &types.Header{Number: n, Time: 1700000000 + n.Uint64()*12}, nil
}

func (f *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	return f.logs, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	switch {
	case bytes.HasPrefix(msg.Data, GovernorABI.Methods["state"].ID):
		return GovernorABI.Methods["state"].Outputs.Pack(f.state)
	case bytes.HasPrefix(msg.Data, SafeABI.Methods["nonce"].ID):
		return SafeABI.Methods["nonce"].Outputs.Pack(big.NewInt(f.nonce))
	}
	return nil, errors.New("unknown method")
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func proposalLog(t *testing.T, id, end uint64, desc string, block uint64) types.Log {
	t.Helper()
	data, err := GovernorABI.Events["ProposalCreated"].Inputs.Pack(
		new(big.Int).SetUint64(id),
		common.HexToAddress("0x1111111111111111111111111111111111111111"),
		[]common.Address{},
		[]*big.Int{},
		[]string{},
		[][]byte{},
		big.NewInt(100),
		new(big.Int).SetUint64(end),
		desc,
	)
	require.NoError(t, err)
	return types.Log{
		Address:     governor,
		Topics:      []common.Hash{GovernorABI.Events["ProposalCreated"].ID},
		Data:        data,
		BlockNumber: block,
	}
}

func TestProposalsCreated(t *testing.T) {
	fb := &fakeBackend{logs: []types.Log{proposalLog(t, 812, 5000, "# Fund builders\n\nbody", 120)}}
	removed := proposalLog(t, 813, 5000, "reorged", 121)
	removed.Removed = true
	fb.logs = append(fb.logs, removed)

	c := NewClient(fb, governor, time.Second)
	props, err := c.ProposalsCreated(context.Background(), 100, 199)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.Equal(t, gov.ProposalID(812), props[0].ID)
	assert.Equal(t, uint64(5000), props[0].EndBlock)
	assert.Equal(t, "Fund builders", props[0].Title())

	require.Len(t, fb.queries, 1)
	assert.Equal(t, uint64(100), fb.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(199), fb.queries[0].ToBlock.Uint64())
	assert.Equal(t, []common.Address{governor}, fb.queries[0].Addresses)
}

func TestProposalsCreatedMalformed(t *testing.T) {
	fb := &fakeBackend{logs: []types.Log{{Address: governor, Data: []byte{0x01, 0x02}, BlockNumber: 9}}}
	_, err := NewClient(fb, governor, time.Second).ProposalsCreated(context.Background(), 0, 10)
	require.Error(t, err)
	assert.True(t, logging.Is(err, logging.InvalidResponse))
}

func TestProposalStateAndNonce(t *testing.T) {
	fb := &fakeBackend{state: uint8(gov.ProposalExecuted), nonce: 17}
	c := NewClient(fb, governor, time.Second)

	st, err := c.ProposalState(context.Background(), 812)
	require.NoError(t, err)
	assert.Equal(t, gov.ProposalExecuted, st)
	assert.True(t, st.AlreadyHandled())

	n, err := c.SafeNonce(context.Background(), common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.NoError(t, err)
	assert.Equal(t, uint64(17), n)

	fb.callErr = errors.New("connection refused")
	_, err = c.ProposalState(context.Background(), 812)
	assert.True(t, logging.Is(err, logging.TransientNetwork))
}

func TestBlockTimestamp(t *testing.T) {
	c := NewClient(&fakeBackend{}, governor, time.Second)
	ts, err := c.BlockTimestamp(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000120, 0).UTC(), ts)
}

func TestEncodeCastVote(t *testing.T) {
	data, err := EncodeCastVote(812, gov.ChoiceFor.Support(), "nouncil signal")
	require.NoError(t, err)
	method := GovernorABI.Methods["castVoteWithReason"]
	assert.Equal(t, method.ID, data[:4])

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(812), args[0].(*big.Int).Int64())
	assert.Equal(t, uint8(1), args[1])
	assert.Equal(t, "nouncil signal", args[2])
}

func TestWalletSignHash(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := NewWallet("0x" + common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), w.Address())

	hash := crypto.Keccak256Hash([]byte("safe tx"))
	sig, err := w.SignHash(hash)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	pub, err := crypto.SigToPub(hash.Bytes(), raw)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), crypto.PubkeyToAddress(*pub))

	_, err = NewWallet("not-a-key")
	assert.Error(t, err)
}
