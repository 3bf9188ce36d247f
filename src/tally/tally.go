package tally

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/store"
)

var (
	ErrPollNotFound = errors.New("poll not found")
	ErrPollClosed   = errors.New("poll is closed")
	ErrNotEligible  = errors.New("voter is not eligible")
	ErrNoBallot     = errors.New("no vote recorded for voter")
)

// MaxReasonRunes bounds free-text reasons; longer ones are truncated.
const MaxReasonRunes = 1000

// Eligibility reports whether voterID may vote. It is consulted before the
// record is locked.
type Eligibility func(ctx context.Context, voterID string) (bool, error)

// AllowAll accepts every voter.
func AllowAll(context.Context, string) (bool, error) { return true, nil }

// Tally records one live ballot per voter per poll.
type Tally struct {
	store    *store.Store
	eligible Eligibility
	now      func() time.Time
}

func New(s *store.Store, eligible Eligibility) *Tally {
	if eligible == nil {
		eligible = AllowAll
	}
	return &Tally{store: s, eligible: eligible, now: time.Now}
}

// WithClock replaces the time source.
func (t *Tally) WithClock(now func() time.Time) *Tally {
	t.now = now
	return t
}

// RecordVote stores voterID's choice, replacing any earlier ballot. An empty
// reason clears the previous one.
func (t *Tally) RecordVote(ctx context.Context, pollID, voterID string, choice gov.Choice, reason string) (gov.Counts, error) {
	if _, err := gov.ParseChoice(string(choice)); err != nil {
		return gov.Counts{}, err
	}
	if voterID == "" {
		return gov.Counts{}, ErrNotEligible
	}
	ok, err := t.eligible(ctx, voterID)
	if err != nil {
		return gov.Counts{}, fmt.Errorf("eligibility: %w", err)
	}
	if !ok {
		return gov.Counts{}, ErrNotEligible
	}

	rec, err := t.store.Transaction(ctx, pollID, func(r *store.PollRecord) error {
		now := t.now()
		if err := acceptsVotes(r, now); err != nil {
			return err
		}
		b := r.Ballots()
		b[voterID] = gov.Ballot{Choice: choice, Reason: clipReason(reason), CastAt: now.UTC()}
		r.SetBallots(b)
		return nil
	})
	if err != nil {
		return gov.Counts{}, mapStoreErr(err)
	}
	return rec.Counts(), nil
}

// SetReason updates the reason on voterID's existing ballot without changing
// the choice.
func (t *Tally) SetReason(ctx context.Context, pollID, voterID, reason string) (gov.Counts, error) {
	rec, err := t.store.Transaction(ctx, pollID, func(r *store.PollRecord) error {
		if err := acceptsVotes(r, t.now()); err != nil {
			return err
		}
		b := r.Ballots()
		cur, ok := b[voterID]
		if !ok {
			return ErrNoBallot
		}
		cur.Reason = clipReason(reason)
		b[voterID] = cur
		r.SetBallots(b)
		return nil
	})
	if err != nil {
		return gov.Counts{}, mapStoreErr(err)
	}
	return rec.Counts(), nil
}

// Counts reads the current tally.
func (t *Tally) Counts(ctx context.Context, pollID string) (gov.Counts, error) {
	rec, err := t.store.Get(ctx, pollID)
	if err != nil {
		return gov.Counts{}, mapStoreErr(err)
	}
	return rec.Counts(), nil
}

// acceptsVotes refuses closed polls and polls past their deadline that the
// scheduler has not swept yet.
func acceptsVotes(r *store.PollRecord, now time.Time) error {
	if r.State != gov.StateOpen || r.Closed {
		return ErrPollClosed
	}
	if !now.Before(r.ClosesAt) {
		return ErrPollClosed
	}
	return nil
}

func clipReason(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= MaxReasonRunes {
		return s
	}
	return string([]rune(s)[:MaxReasonRunes])
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrPollNotFound
	}
	return err
}
