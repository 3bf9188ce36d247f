package gate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stake-plus/govsignal/src/chain"
	"github.com/stake-plus/govsignal/src/data"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/safe"
	"github.com/stake-plus/govsignal/src/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0       = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	safeAddr = common.HexToAddress("0x2222222222222222222222222222222222222222")
	governor = common.HexToAddress("0x6f3E6272A167e8AcCb32072d08E0957F9c79223d")
)

type fakeChain struct {
	mu     sync.Mutex
	states map[gov.ProposalID]gov.ProposalState
	nonce  uint64
}

func (f *fakeChain) ProposalState(_ context.Context, id gov.ProposalID) (gov.ProposalState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return 0, logging.Errorf(logging.TransientNetwork, "state", "rpc down")
	}
	return st, nil
}

func (f *fakeChain) set(id gov.ProposalID, st gov.ProposalState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = st
}

func (f *fakeChain) SafeNonce(context.Context, common.Address) (uint64, error) { return f.nonce, nil }

func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

type fakeService struct {
	mu       sync.Mutex
	proposed []safe.Proposal
	known    map[common.Hash]bool
	executed bool
	fail     error
	delay    time.Duration
}

func (f *fakeService) ProposeTransaction(_ context.Context, p safe.Proposal) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proposed = append(f.proposed, p)
	if f.fail != nil {
		return f.fail
	}
	if f.known == nil {
		f.known = map[common.Hash]bool{}
	}
	f.known[p.SafeTxHash] = true
	return nil
}

func (f *fakeService) Lookup(_ context.Context, h common.Hash) (*safe.MultisigTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[h] {
		return nil, safe.ErrNotFound
	}
	return &safe.MultisigTx{SafeTxHash: h.Hex(), IsExecuted: f.executed}, nil
}

func (f *fakeService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proposed)
}

type fixture struct {
	store   *store.Store
	chain   *fakeChain
	service *fakeService
	gate    *Gate
	clock   atomic.Pointer[time.Time]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := data.ConnectSQLite("")
	require.NoError(t, err)
	f := &fixture{
		chain:   &fakeChain{states: map[gov.ProposalID]gov.ProposalState{}, nonce: 5},
		service: &fakeService{},
	}
	now := t0
	f.clock.Store(&now)
	clock := func() time.Time { return *f.clock.Load() }
	f.store = store.New(db).WithClock(clock)
	require.NoError(t, f.store.Migrate())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	w, err := chain.NewWallet(common.Bytes2Hex(crypto.FromECDSA(key)))
	require.NoError(t, err)

	f.gate = New(f.store, f.chain, Options{
		Safe:      safeAddr,
		Governor:  governor,
		IntentTTL: 15 * time.Minute,
		Signer:    w,
		Service:   f.service,
		ReasonURL: func(id gov.ProposalID) string { return fmt.Sprintf("https://nouncil.club/proposal/%d", id) },
	}, nil, nil).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) {
	now := f.clock.Load().Add(d)
	f.clock.Store(&now)
}

// passedPoll stores a closed poll for proposal id with winner for.
func (f *fixture) passedPoll(t *testing.T, id uint64) string {
	t.Helper()
	ctx := context.Background()
	rec := store.PollRecord{ProposalID: &id, Title: "prop", CreatedBy: "scanner", ClosesAt: t0}
	require.NoError(t, f.store.Put(ctx, &rec))
	_, err := f.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
		r.SetBallots(gov.Ballots{"a": {Choice: gov.ChoiceFor, CastAt: t0}})
		if err := r.Advance(gov.StateClosed, t0); err != nil {
			return err
		}
		r.Winner = r.Counts().Winner()
		return r.Advance(gov.StatePassed, t0)
	})
	require.NoError(t, err)
	return rec.ID
}

func (f *fixture) get(t *testing.T, id string) *store.PollRecord {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestAlreadyExecutedSkipsService(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 812)
	f.chain.set(812, gov.ProposalExecuted)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.AlreadyHandled)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, f.service.calls())

	rec := f.get(t, id)
	assert.True(t, rec.Queued)
	assert.True(t, rec.Submitted)
	assert.Equal(t, gov.StateConfirmed, rec.State)
	assert.Equal(t, "Executed", rec.ChainState)
}

func TestSubmitOnce(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 813)
	f.chain.set(813, gov.ProposalActive)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)
	require.Equal(t, 1, f.service.calls())

	p := f.service.proposed[0]
	assert.Equal(t, safeAddr, p.Tx.Safe)
	assert.Equal(t, governor, p.Tx.To)
	assert.Equal(t, uint64(5), p.Tx.Nonce)
	want, err := p.Tx.Hash(big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, want, p.SafeTxHash)

	args, err := chain.GovernorABI.Methods["castVoteWithReason"].Inputs.Unpack(p.Tx.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, uint8(1), args[1])
	assert.Contains(t, args[2], "https://nouncil.club/proposal/813")

	rec := f.get(t, id)
	assert.Equal(t, gov.StateQueued, rec.State)
	assert.True(t, rec.Queued)

	in, err := f.store.Intent(context.Background(), 813)
	require.NoError(t, err)
	assert.Equal(t, store.IntentConfirmed, in.Status)
	assert.Equal(t, p.SafeTxHash.Hex(), in.SafeTxHash)

	_, err = f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.service.calls())
}

func TestConcurrentRunsSubmitOnce(t *testing.T) {
	f := newFixture(t)
	f.passedPoll(t, 814)
	f.chain.set(814, gov.ProposalActive)
	f.service.delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.gate.Run(context.Background()) //nolint:errcheck
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.service.calls())
}

func TestTwoGatesShareOneIntent(t *testing.T) {
	f := newFixture(t)
	f.passedPoll(t, 815)
	f.chain.set(815, gov.ProposalActive)
	f.service.delay = 20 * time.Millisecond

	other := New(f.store, f.chain, f.gate.opts, nil, nil)
	var wg sync.WaitGroup
	for _, g := range []*Gate{f.gate, other} {
		wg.Add(1)
		go func(g *Gate) {
			defer wg.Done()
			g.Run(context.Background()) //nolint:errcheck
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 1, f.service.calls())
}

func TestAmbiguousNeedsOperator(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 816)
	f.chain.set(816, gov.ProposalActive)
	f.service.fail = fmt.Errorf("%w: timeout", safe.ErrAmbiguous)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Ambiguous)
	assert.Zero(t, rep.Failed, "an ambiguous outcome is counted once")

	in, err := f.store.Intent(context.Background(), 816)
	require.NoError(t, err)
	assert.Equal(t, store.IntentNeedsReconciliation, in.Status)
	assert.Equal(t, gov.StatePassed, f.get(t, id).State)

	f.service.fail = nil
	f.advance(time.Hour)
	_, err = f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.service.calls(), "ambiguous attempts are never resent automatically")

	_, err = f.gate.Resolve(context.Background(), 816, OutcomeConfirmed)
	require.NoError(t, err)
	rec := f.get(t, id)
	assert.Equal(t, gov.StateQueued, rec.State)
	assert.True(t, rec.Submitted)
}

func TestRetryableFailureResubmits(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 817)
	f.chain.set(817, gov.ProposalActive)
	f.service.fail = logging.Errorf(logging.InvalidResponse, "safe propose", "status 400")

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retryable)
	assert.Equal(t, gov.StatePassed, f.get(t, id).State)

	f.service.fail = nil
	rep, err = f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)
	assert.Equal(t, 2, f.service.calls())

	in, err := f.store.Intent(context.Background(), 817)
	require.NoError(t, err)
	assert.Equal(t, 2, in.Attempts)
}

func TestExpiredInFlightIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.passedPoll(t, 818)
	f.chain.set(818, gov.ProposalActive)

	// a previous process recorded the hash, sent it, and died
	claim, err := f.store.AcquireIntent(ctx, 818, id, 15*time.Minute)
	require.NoError(t, err)
	hash := common.HexToHash("0x1234")
	require.NoError(t, f.store.RecordIntentTx(ctx, 818, claim.Intent.AttemptID, hash.Hex(), 5))
	f.service.known = map[common.Hash]bool{hash: true}

	rep, err := f.gate.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped, "unexpired in-flight attempts are left alone")

	f.advance(16 * time.Minute)
	rep, err = f.gate.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)
	assert.Zero(t, f.service.calls())
	assert.Equal(t, gov.StateQueued, f.get(t, id).State)
}

func TestExpiredInFlightNotFoundRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.passedPoll(t, 819)
	f.chain.set(819, gov.ProposalActive)

	claim, err := f.store.AcquireIntent(ctx, 819, id, 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordIntentTx(ctx, 819, claim.Intent.AttemptID, common.HexToHash("0x99").Hex(), 5))

	f.advance(16 * time.Minute)
	rep, err := f.gate.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Retryable)

	rep, err = f.gate.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)
	assert.Equal(t, 1, f.service.calls())
}

func TestDeadProposalGoesStale(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 820)
	f.chain.set(820, gov.ProposalVetoed)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stale)
	assert.Zero(t, f.service.calls())
	rec := f.get(t, id)
	assert.Equal(t, gov.StateStale, rec.State)
	assert.False(t, rec.Queued)
}

func TestVotingClosedGoesStale(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 823)
	f.chain.set(823, gov.ProposalSucceeded)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Stale)
	assert.Zero(t, f.service.calls(), "a vote after voting ends would never execute")
	_, err = f.store.Intent(context.Background(), 823)
	assert.ErrorIs(t, err, store.ErrIntentNotFound)
	rec := f.get(t, id)
	assert.Equal(t, gov.StateStale, rec.State)
	assert.Equal(t, "Succeeded", rec.ChainState)
}

func TestPendingProposalWaits(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 824)
	f.chain.set(824, gov.ProposalPending)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Zero(t, f.service.calls())
	assert.Equal(t, gov.StatePassed, f.get(t, id).State)

	f.chain.set(824, gov.ProposalObjectionPeriod)
	rep, err = f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Queued)
	assert.Equal(t, 1, f.service.calls())
}

func TestChainErrorIsIsolated(t *testing.T) {
	f := newFixture(t)
	broken := f.passedPoll(t, 821)
	ok := f.passedPoll(t, 822)
	f.chain.set(822, gov.ProposalActive)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Queued)
	assert.Equal(t, gov.StatePassed, f.get(t, broken).State)
	assert.Equal(t, gov.StateQueued, f.get(t, ok).State)
}

func TestQueuedBecomesConfirmed(t *testing.T) {
	f := newFixture(t)
	id := f.passedPoll(t, 823)
	f.chain.set(823, gov.ProposalActive)

	_, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, gov.StateQueued, f.get(t, id).State)

	f.service.executed = true
	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Equal(t, gov.StateConfirmed, f.get(t, id).State)
}

func TestSubmissionDisabled(t *testing.T) {
	f := newFixture(t)
	f.gate.opts.Signer = nil
	id := f.passedPoll(t, 824)
	f.chain.set(824, gov.ProposalActive)

	rep, err := f.gate.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, gov.StatePassed, f.get(t, id).State)
}

func TestResolveRetryAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.passedPoll(t, 825)
	_, err := f.store.AcquireIntent(ctx, 825, id, time.Minute)
	require.NoError(t, err)

	in, err := f.gate.Resolve(ctx, 825, OutcomeRetry)
	require.NoError(t, err)
	assert.Equal(t, store.IntentRetryable, in.Status)

	_, err = f.gate.Resolve(ctx, 825, Outcome("maybe"))
	assert.ErrorIs(t, err, ErrUnknownOutcome)

	_, err = f.gate.Resolve(ctx, 999, OutcomeRetry)
	assert.True(t, errors.Is(err, store.ErrIntentNotFound))
}

func TestRedisLease(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	l := NewRedisLease(rdb)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "govsignal:gate:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "govsignal:gate:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	release()
	_, ok, err = l.Acquire(ctx, "govsignal:gate:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
