package gate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/chain"
	"github.com/stake-plus/govsignal/src/events"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/metrics"
	"github.com/stake-plus/govsignal/src/safe"
	"github.com/stake-plus/govsignal/src/store"
)

// ChainReader is the live on-chain view the gate re-verifies against.
type ChainReader interface {
	ProposalState(ctx context.Context, id gov.ProposalID) (gov.ProposalState, error)
	SafeNonce(ctx context.Context, safe common.Address) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Signer produces the owner signature over a Safe tx hash.
type Signer interface {
	Address() common.Address
	SignHash(hash common.Hash) ([]byte, error)
}

// TxService is the multisig transaction queue.
type TxService interface {
	ProposeTransaction(ctx context.Context, p safe.Proposal) error
	Lookup(ctx context.Context, safeTxHash common.Hash) (*safe.MultisigTx, error)
}

// Outcome is an operator decision for an intent.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRetry     Outcome = "retry"
)

var (
	ErrUnknownOutcome = errors.New("outcome must be confirmed or retry")
	errSkip           = errors.New("skip")
)

// Options configures submission. Submission is off unless Signer and Service
// are both set.
type Options struct {
	Safe      common.Address
	Governor  common.Address
	IntentTTL time.Duration
	Signer    Signer
	Service   TxService
	Lease     Lease
	// ReasonURL formats the link put in the on-chain vote reason.
	ReasonURL func(gov.ProposalID) string
}

// Report summarizes one Run.
type Report struct {
	Queued         int
	AlreadyHandled int
	Stale          int
	Confirmed      int
	Retryable      int
	Ambiguous      int
	Skipped        int
	Failed         int
}

// Gate moves passed proposal polls to queued by proposing castVoteWithReason
// to the Safe. Every proposal is submitted at most once: an intent row is
// written before the call and resolved after it.
type Gate struct {
	store   *store.Store
	chain   ChainReader
	opts    Options
	events  events.Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	chainMu sync.Mutex
	chainID *big.Int
}

func New(s *store.Store, c ChainReader, opts Options, pub events.Publisher, m *metrics.Metrics) *Gate {
	if opts.IntentTTL <= 0 {
		opts.IntentTTL = 15 * time.Minute
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Gate{
		store:   s,
		chain:   c,
		opts:    opts,
		events:  pub,
		metrics: m,
		log:     logging.For("gate"),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) submissionEnabled() bool {
	return g.opts.Signer != nil && g.opts.Service != nil
}

// Run processes every passed and queued proposal poll. Per-poll failures are
// isolated; only a store listing failure aborts the run.
func (g *Gate) Run(ctx context.Context) (Report, error) {
	var rep Report

	passed, err := g.store.ListByState(ctx, gov.StatePassed)
	if err != nil {
		return rep, fmt.Errorf("listing passed polls: %w", err)
	}
	for i := range passed {
		rec := &passed[i]
		if _, ok := rec.Proposal(); !ok {
			continue
		}
		if err := g.processPassed(ctx, rec, &rep); err != nil {
			rep.Failed++
			logging.Err(g.log.With().Str("poll", rec.ID).Logger(), err, "submission check failed")
		}
	}

	queued, err := g.store.ListByState(ctx, gov.StateQueued)
	if err != nil {
		return rep, fmt.Errorf("listing queued polls: %w", err)
	}
	for i := range queued {
		rec := &queued[i]
		if err := g.confirmQueued(ctx, rec, &rep); err != nil {
			rep.Failed++
			logging.Err(g.log.With().Str("poll", rec.ID).Logger(), err, "confirmation check failed")
		}
	}
	return rep, nil
}

func (g *Gate) processPassed(ctx context.Context, rec *store.PollRecord, rep *Report) error {
	pid, _ := rec.Proposal()
	l := g.log.With().Str("poll", rec.ID).Uint64("proposal", uint64(pid)).Logger()

	st, err := g.chain.ProposalState(ctx, pid)
	if err != nil {
		return err
	}

	switch {
	case st.AlreadyHandled():
		if err := g.finishHandled(ctx, rec.ID, pid, st); err != nil {
			return err
		}
		rep.AlreadyHandled++
		g.metrics.Submission("already_handled")
		logging.Err(l, logging.Errorf(logging.StateConflict, "gate", "proposal already %s on chain", st),
			"skipping submission")
		return nil
	case st.Dead() || st.VotingOver():
		updated, err := g.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
			if r.State != gov.StatePassed {
				return errSkip
			}
			r.ChainState = st.String()
			return r.Advance(gov.StateStale, g.now())
		})
		if errors.Is(err, errSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		rep.Stale++
		g.metrics.Submission("stale")
		g.publish(ctx, events.PollStale, updated, st.String())
		l.Info().Str("chain_state", st.String()).Msg("proposal is no longer actionable")
		return nil
	case st.Upcoming():
		rep.Skipped++
		l.Debug().Str("chain_state", st.String()).Msg("voting not open yet")
		return nil
	case !st.EligibleToQueue():
		return logging.Errorf(logging.InvalidResponse, "gate", "unknown proposal state %d", st)
	}

	if !g.submissionEnabled() {
		rep.Skipped++
		l.Debug().Msg("submission disabled")
		return nil
	}

	if g.opts.Lease != nil {
		release, ok, err := g.opts.Lease.Acquire(ctx, leaseKey(pid), g.opts.IntentTTL)
		if err != nil {
			return err
		}
		if !ok {
			rep.Skipped++
			return nil
		}
		defer release()
	}

	claim, err := g.store.AcquireIntent(ctx, pid, rec.ID, g.opts.IntentTTL)
	if err != nil {
		return err
	}
	if !claim.Acquired {
		return g.handleExisting(ctx, rec, claim, rep)
	}
	return g.submit(ctx, rec, claim.Intent, rep)
}

func (g *Gate) handleExisting(ctx context.Context, rec *store.PollRecord, claim store.Claim, rep *Report) error {
	in := claim.Intent
	pid := gov.ProposalID(in.ProposalID)
	switch in.Status {
	case store.IntentInFlight:
		if claim.Expired {
			return g.reconcile(ctx, rec, in, rep)
		}
		rep.Skipped++
	case store.IntentConfirmed:
		// the call succeeded but the record write was lost
		if err := g.markQueued(ctx, rec.ID, pid, in.AttemptID); err != nil {
			return err
		}
		rep.Queued++
	case store.IntentNeedsReconciliation:
		rep.Skipped++
		g.log.Warn().Str("poll", rec.ID).Uint64("proposal", in.ProposalID).
			Msg("submission awaits operator reconciliation")
	default:
		rep.Skipped++
	}
	return nil
}

// reconcile settles an in-flight intent whose attempt outlived its ttl by
// asking the service whether the recorded tx hash arrived.
func (g *Gate) reconcile(ctx context.Context, rec *store.PollRecord, in store.SubmissionIntent, rep *Report) error {
	pid := gov.ProposalID(in.ProposalID)
	if in.SafeTxHash == "" {
		// the hash is recorded before the call, so nothing was sent
		if _, err := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentRetryable, "attempt expired before send"); err != nil {
			return err
		}
		rep.Retryable++
		return nil
	}
	_, err := g.opts.Service.Lookup(ctx, common.HexToHash(in.SafeTxHash))
	switch {
	case errors.Is(err, safe.ErrNotFound):
		if _, err := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentRetryable, "expired attempt not found in service"); err != nil {
			return err
		}
		rep.Retryable++
		g.publish(ctx, events.IntentReconciled, rec, "retry")
		return nil
	case err != nil:
		return err
	}
	if _, err := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentConfirmed, ""); err != nil {
		return err
	}
	if err := g.markQueued(ctx, rec.ID, pid, in.AttemptID); err != nil {
		return err
	}
	rep.Queued++
	g.publish(ctx, events.IntentReconciled, rec, "confirmed")
	return nil
}

func (g *Gate) submit(ctx context.Context, rec *store.PollRecord, in store.SubmissionIntent, rep *Report) error {
	pid := gov.ProposalID(in.ProposalID)
	l := g.log.With().Str("poll", rec.ID).Uint64("proposal", in.ProposalID).Str("attempt", in.AttemptID).Logger()

	p, err := g.buildProposal(ctx, rec, pid)
	if err != nil {
		// nothing left the process
		if _, rerr := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentRetryable, err.Error()); rerr != nil {
			l.Error().Err(rerr).Msg("resolving intent failed")
		}
		rep.Retryable++
		return err
	}

	if err := g.store.RecordIntentTx(ctx, pid, in.AttemptID, p.SafeTxHash.Hex(), p.Tx.Nonce); err != nil {
		return err
	}

	err = g.opts.Service.ProposeTransaction(ctx, p)
	switch {
	case err == nil || errors.Is(err, safe.ErrAlreadyProposed):
		if _, rerr := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentConfirmed, ""); rerr != nil {
			return rerr
		}
		if err := g.markQueued(ctx, rec.ID, pid, in.AttemptID); err != nil {
			return err
		}
		rep.Queued++
		g.metrics.Submission("queued")
		l.Info().Str("safe_tx", p.SafeTxHash.Hex()).Uint64("nonce", p.Tx.Nonce).Msg("vote proposed to safe")
		return nil
	case errors.Is(err, safe.ErrAmbiguous):
		if _, rerr := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentNeedsReconciliation, err.Error()); rerr != nil {
			l.Error().Err(rerr).Msg("resolving intent failed")
		}
		rep.Ambiguous++
		g.metrics.Submission("needs_reconciliation")
		g.publish(ctx, events.IntentAmbiguous, rec, p.SafeTxHash.Hex())
		l.Warn().Err(err).Str("safe_tx", p.SafeTxHash.Hex()).Msg("submission outcome unknown, awaiting operator")
		return nil
	default:
		if _, rerr := g.store.ResolveIntent(ctx, pid, in.AttemptID, store.IntentRetryable, err.Error()); rerr != nil {
			l.Error().Err(rerr).Msg("resolving intent failed")
		}
		rep.Retryable++
		g.metrics.Submission("retryable")
		return err
	}
}

func (g *Gate) buildProposal(ctx context.Context, rec *store.PollRecord, pid gov.ProposalID) (safe.Proposal, error) {
	chainID, err := g.chainIDOnce(ctx)
	if err != nil {
		return safe.Proposal{}, err
	}
	nonce, err := g.chain.SafeNonce(ctx, g.opts.Safe)
	if err != nil {
		return safe.Proposal{}, err
	}
	data, err := chain.EncodeCastVote(pid, rec.Winner.Support(), g.reason(rec, pid))
	if err != nil {
		return safe.Proposal{}, err
	}
	tx := safe.Call(g.opts.Safe, g.opts.Governor, data, nonce)
	hash, err := tx.Hash(chainID)
	if err != nil {
		return safe.Proposal{}, err
	}
	sig, err := g.opts.Signer.SignHash(hash)
	if err != nil {
		return safe.Proposal{}, fmt.Errorf("signing safe tx: %w", err)
	}
	return safe.Proposal{
		Tx:         tx,
		SafeTxHash: hash,
		Sender:     g.opts.Signer.Address(),
		Signature:  sig,
		Origin:     "govsignal",
	}, nil
}

func (g *Gate) chainIDOnce(ctx context.Context) (*big.Int, error) {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()
	if g.chainID != nil {
		return g.chainID, nil
	}
	id, err := g.chain.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	g.chainID = id
	return id, nil
}

func (g *Gate) reason(rec *store.PollRecord, pid gov.ProposalID) string {
	c := rec.Counts()
	reason := fmt.Sprintf("Signal vote: %s (For %d, Against %d, Abstain %d)",
		rec.Winner.Label(), c.For, c.Against, c.Abstain)
	if g.opts.ReasonURL != nil {
		reason += " " + g.opts.ReasonURL(pid)
	}
	return reason
}

// markQueued moves the record to queued after checking that attemptID still
// owns the confirmed intent.
func (g *Gate) markQueued(ctx context.Context, pollID string, pid gov.ProposalID, attemptID string) error {
	in, err := g.store.Intent(ctx, pid)
	if err != nil {
		return err
	}
	if in.AttemptID != attemptID || in.Status != store.IntentConfirmed {
		return store.ErrAttemptChanged
	}
	updated, err := g.store.Transaction(ctx, pollID, func(r *store.PollRecord) error {
		if r.State != gov.StatePassed {
			return errSkip
		}
		return r.Advance(gov.StateQueued, g.now())
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	g.publish(ctx, events.PollQueued, updated, in.SafeTxHash)
	return nil
}

// finishHandled marks a proposal someone else already queued or executed:
// passed moves through queued to confirmed without a service call.
func (g *Gate) finishHandled(ctx context.Context, pollID string, pid gov.ProposalID, st gov.ProposalState) error {
	updated, err := g.store.Transaction(ctx, pollID, func(r *store.PollRecord) error {
		if r.State != gov.StatePassed {
			return errSkip
		}
		now := g.now()
		r.ChainState = st.String()
		if err := r.Advance(gov.StateQueued, now); err != nil {
			return err
		}
		return r.Advance(gov.StateConfirmed, now)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if in, err := g.store.Intent(ctx, pid); err == nil && in.Status != store.IntentConfirmed {
		if _, err := g.store.ResolveIntent(ctx, pid, "", store.IntentConfirmed, "handled on chain"); err != nil {
			g.log.Warn().Err(err).Uint64("proposal", uint64(pid)).Msg("closing intent failed")
		}
	}
	g.publish(ctx, events.PollConfirmed, updated, st.String())
	return nil
}

// confirmQueued moves a queued record to confirmed once the chain or the
// service shows the transaction went through.
func (g *Gate) confirmQueued(ctx context.Context, rec *store.PollRecord, rep *Report) error {
	pid, ok := rec.Proposal()
	if !ok {
		return nil
	}
	st, err := g.chain.ProposalState(ctx, pid)
	if err != nil {
		return err
	}
	done := st.AlreadyHandled()
	if !done && g.opts.Service != nil {
		if in, err := g.store.Intent(ctx, pid); err == nil && in.SafeTxHash != "" {
			tx, err := g.opts.Service.Lookup(ctx, common.HexToHash(in.SafeTxHash))
			if err != nil && !errors.Is(err, safe.ErrNotFound) {
				return err
			}
			done = tx != nil && tx.IsExecuted
		}
	}

	updated, err := g.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
		if r.State != gov.StateQueued {
			return errSkip
		}
		r.ChainState = st.String()
		if !done {
			return nil
		}
		return r.Advance(gov.StateConfirmed, g.now())
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	if done {
		rep.Confirmed++
		g.publish(ctx, events.PollConfirmed, updated, st.String())
	}
	return nil
}

// Resolve applies an operator decision to a proposal's intent. Confirmed
// also moves a passed record to queued; retry lets the next run resubmit.
func (g *Gate) Resolve(ctx context.Context, pid gov.ProposalID, outcome Outcome) (*store.SubmissionIntent, error) {
	switch outcome {
	case OutcomeConfirmed:
		in, err := g.store.ResolveIntent(ctx, pid, "", store.IntentConfirmed, "resolved by operator")
		if err != nil {
			return nil, err
		}
		if err := g.markQueued(ctx, in.PollID, pid, in.AttemptID); err != nil {
			return in, err
		}
		g.log.Info().Uint64("proposal", uint64(pid)).Msg("intent confirmed by operator")
		return in, nil
	case OutcomeRetry:
		in, err := g.store.ResolveIntent(ctx, pid, "", store.IntentRetryable, "resolved by operator")
		if err != nil {
			return nil, err
		}
		g.log.Info().Uint64("proposal", uint64(pid)).Msg("intent released for retry by operator")
		return in, nil
	default:
		return nil, ErrUnknownOutcome
	}
}

func (g *Gate) publish(ctx context.Context, typ string, rec *store.PollRecord, detail string) {
	err := g.events.Publish(ctx, events.Event{Type: typ, PollID: rec.ID, ProposalID: rec.ProposalID, Detail: detail})
	if err != nil {
		g.log.Warn().Err(err).Str("event", typ).Msg("event publish failed")
	}
}

func leaseKey(pid gov.ProposalID) string {
	return fmt.Sprintf("govsignal:gate:%d", pid)
}
