package tally

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stake-plus/govsignal/src/data"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, eligible Eligibility) (*Tally, *store.Store, string) {
	t.Helper()
	db, err := data.ConnectSQLite("")
	require.NoError(t, err)
	s := store.New(db).WithClock(func() time.Time { return t0 })
	require.NoError(t, s.Migrate())

	rec := store.PollRecord{Title: "Fund the thing", CreatedBy: "u0", ClosesAt: t0.Add(96 * time.Hour)}
	require.NoError(t, s.Put(context.Background(), &rec))

	tl := New(s, eligible).WithClock(func() time.Time { return t0.Add(time.Hour) })
	return tl, s, rec.ID
}

func TestRecordVoteLastWriteWins(t *testing.T) {
	tl, s, id := setup(t, nil)
	ctx := context.Background()

	counts, err := tl.RecordVote(ctx, id, "A", gov.ChoiceFor, "looks good")
	require.NoError(t, err)
	assert.Equal(t, gov.Counts{For: 1}, counts)

	counts, err = tl.RecordVote(ctx, id, "A", gov.ChoiceAgainst, "")
	require.NoError(t, err)
	assert.Equal(t, gov.Counts{Against: 1}, counts)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Ballots(), 1)
	assert.Equal(t, gov.ChoiceAgainst, rec.Ballots()["A"].Choice)
	assert.Empty(t, rec.Ballots()["A"].Reason, "a vote without reason clears the old one")
}

func TestRecordVoteCountsMatchBallots(t *testing.T) {
	tl, s, id := setup(t, nil)
	ctx := context.Background()

	for voter, c := range map[string]gov.Choice{"A": gov.ChoiceFor, "B": gov.ChoiceFor, "C": gov.ChoiceAgainst, "D": gov.ChoiceAbstain} {
		_, err := tl.RecordVote(ctx, id, voter, c, "")
		require.NoError(t, err)
	}
	counts, err := tl.Counts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, gov.Counts{For: 2, Against: 1, Abstain: 1}, counts)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec.Ballots().Count(), counts)
}

func TestRecordVoteRejections(t *testing.T) {
	tl, _, id := setup(t, func(_ context.Context, voter string) (bool, error) {
		return voter != "outsider", nil
	})
	ctx := context.Background()

	_, err := tl.RecordVote(ctx, "missing", "A", gov.ChoiceFor, "")
	assert.ErrorIs(t, err, ErrPollNotFound)

	_, err = tl.RecordVote(ctx, id, "outsider", gov.ChoiceFor, "")
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = tl.RecordVote(ctx, id, "A", gov.Choice("maybe"), "")
	assert.ErrorIs(t, err, gov.ErrInvalidChoice)
}

func TestRecordVoteEligibilityError(t *testing.T) {
	boom := errors.New("members unavailable")
	tl, _, id := setup(t, func(context.Context, string) (bool, error) { return false, boom })
	_, err := tl.RecordVote(context.Background(), id, "A", gov.ChoiceFor, "")
	assert.ErrorIs(t, err, boom)
}

func TestClosedPollRejectsVotes(t *testing.T) {
	tl, s, id := setup(t, nil)
	ctx := context.Background()
	_, err := tl.RecordVote(ctx, id, "A", gov.ChoiceFor, "")
	require.NoError(t, err)

	// past the deadline but not swept yet
	tl.WithClock(func() time.Time { return t0.Add(96 * time.Hour) })
	_, err = tl.RecordVote(ctx, id, "B", gov.ChoiceFor, "")
	assert.ErrorIs(t, err, ErrPollClosed)

	_, err = s.Transaction(ctx, id, func(r *store.PollRecord) error {
		return r.Advance(gov.StateClosed, t0.Add(96*time.Hour))
	})
	require.NoError(t, err)

	// even a clock that lags behind cannot reopen it
	tl.WithClock(func() time.Time { return t0 })
	_, err = tl.RecordVote(ctx, id, "B", gov.ChoiceFor, "")
	assert.ErrorIs(t, err, ErrPollClosed)
	_, err = tl.SetReason(ctx, id, "A", "late")
	assert.ErrorIs(t, err, ErrPollClosed)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Closed)
	assert.Len(t, rec.Ballots(), 1)
}

func TestSetReason(t *testing.T) {
	tl, s, id := setup(t, nil)
	ctx := context.Background()

	_, err := tl.SetReason(ctx, id, "A", "why")
	assert.ErrorIs(t, err, ErrNoBallot)

	_, err = tl.RecordVote(ctx, id, "A", gov.ChoiceAbstain, "")
	require.NoError(t, err)
	counts, err := tl.SetReason(ctx, id, "A", "  conflicted  ")
	require.NoError(t, err)
	assert.Equal(t, gov.Counts{Abstain: 1}, counts)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "conflicted", rec.Ballots()["A"].Reason)
	assert.Equal(t, gov.ChoiceAbstain, rec.Ballots()["A"].Choice)
}
