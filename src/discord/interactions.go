package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/gate"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/metrics"
	"github.com/stake-plus/govsignal/src/store"
	"github.com/stake-plus/govsignal/src/tally"
)

// ButtonClick is an inbound vote button press.
type ButtonClick struct {
	MessageID string
	UserID    string
	ChoiceID  string
}

// ModalSubmit is an inbound reason form submission.
type ModalSubmit struct {
	MessageID string
	UserID    string
	FreeText  string
}

// Poster renders polls and keeps their messages current.
type Poster interface {
	Announce(ctx context.Context, rec *store.PollRecord) error
	Refresh(ctx context.Context, pollID string) error
}

// Resolver applies operator decisions to submission intents.
type Resolver interface {
	Resolve(ctx context.Context, pid gov.ProposalID, outcome gate.Outcome) (*store.SubmissionIntent, error)
}

// MemberLister returns the user ids holding a role.
type MemberLister func(ctx context.Context, roleID string) ([]string, error)

// Handler holds the platform-independent interaction logic. Every method
// returns the text shown to the caller only; internals are logged, not shown.
type Handler struct {
	Store        *store.Store
	Tally        *tally.Tally
	Poster       Poster
	Resolver     Resolver
	Members      MemberLister
	RoleID       string
	ChannelID    string
	PollDuration time.Duration
	Metrics      *metrics.Metrics
	Now          func() time.Time

	logOnce sync.Once
	log     zerolog.Logger
}

const genericFailure = "Something went wrong, please try again in a moment."

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) logger() zerolog.Logger {
	h.logOnce.Do(func() { h.log = logging.For("discord") })
	return h.log
}

// Vote records a button press.
func (h *Handler) Vote(ctx context.Context, ev ButtonClick) string {
	choice, err := gov.ParseChoice(ev.ChoiceID)
	if err != nil {
		h.Metrics.Vote("invalid")
		return "Unknown choice."
	}
	rec, err := h.Store.FindByMessage(ctx, ev.MessageID)
	if err != nil {
		h.Metrics.Vote("unknown_poll")
		return h.failure(err, "This poll no longer exists.")
	}
	counts, err := h.Tally.RecordVote(ctx, rec.ID, ev.UserID, choice, "")
	if err != nil {
		h.Metrics.Vote(rejection(err))
		return h.failure(err, "")
	}
	h.Metrics.Vote("accepted")
	h.refresh(ctx, rec.ID)
	return fmt.Sprintf("Recorded **%s**. Current tally: %s", choice.Label(), formatCounts(counts))
}

// Reason stores the free-text reason on the caller's existing ballot.
func (h *Handler) Reason(ctx context.Context, ev ModalSubmit) string {
	text := strings.TrimSpace(ev.FreeText)
	if text == "" {
		return "The reason cannot be empty."
	}
	rec, err := h.Store.FindByMessage(ctx, ev.MessageID)
	if err != nil {
		return h.failure(err, "This poll no longer exists.")
	}
	if _, err := h.Tally.SetReason(ctx, rec.ID, ev.UserID, text); err != nil {
		return h.failure(err, "")
	}
	return "Your reason was saved."
}

// CreatePoll opens a manual poll and announces it.
func (h *Handler) CreatePoll(ctx context.Context, userID, title, description string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "A title is required."
	}
	duration := h.PollDuration
	if duration <= 0 {
		duration = 96 * time.Hour
	}
	now := h.now()
	rec := &store.PollRecord{
		Title:       Truncate(title, 200),
		Description: strings.TrimSpace(description),
		CreatedBy:   userID,
		ChannelID:   h.ChannelID,
		CreatedAt:   now,
		ClosesAt:    now.Add(duration).Truncate(time.Second),
	}
	if err := h.Store.Put(ctx, rec); err != nil {
		return h.failure(err, "")
	}
	log := h.logger()
	log.Info().Str("poll", rec.ID).Str("user", userID).Msg("manual poll created")
	if h.Poster != nil {
		if err := h.Poster.Announce(ctx, rec); err != nil {
			logging.Err(h.logger().With().Str("poll", rec.ID).Logger(), err, "announce of manual poll failed")
			return "Poll created; it will be posted shortly."
		}
	}
	return fmt.Sprintf("Poll created. It closes <t:%d:F>.", rec.ClosesAt.Unix())
}

// PollStatus describes one proposal's poll, or every open poll when pid is nil.
func (h *Handler) PollStatus(ctx context.Context, pid *gov.ProposalID) string {
	var recs []store.PollRecord
	if pid != nil {
		rec, err := h.Store.FindByProposal(ctx, *pid)
		if err != nil {
			return h.failure(err, fmt.Sprintf("No poll for proposal %d.", *pid))
		}
		recs = []store.PollRecord{*rec}
	} else {
		open, err := h.Store.ListByState(ctx, gov.StateOpen)
		if err != nil {
			return h.failure(err, "")
		}
		if len(open) == 0 {
			return "No polls are open."
		}
		recs = open
	}

	eligible := -1
	if h.Members != nil && h.RoleID != "" {
		if ids, err := h.Members(ctx, h.RoleID); err == nil {
			eligible = len(ids)
		} else {
			logging.Err(h.logger(), err, "member list failed")
		}
	}

	var b strings.Builder
	for i := range recs {
		rec := &recs[i]
		counts := rec.Counts()
		fmt.Fprintf(&b, "**%s** (%s)\n%s", rec.Title, rec.State, formatCounts(counts))
		if eligible >= 0 {
			fmt.Fprintf(&b, " | %d of %d voted", counts.Total(), eligible)
		}
		if rec.State == gov.StateOpen {
			fmt.Fprintf(&b, " | closes <t:%d:R>", rec.ClosesAt.Unix())
		} else {
			fmt.Fprintf(&b, " | result %s", rec.Winner.Label())
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Reconcile applies an operator decision to an ambiguous submission.
func (h *Handler) Reconcile(ctx context.Context, userID string, pid gov.ProposalID, outcome string) string {
	if h.Resolver == nil {
		return "Submission is not enabled."
	}
	in, err := h.Resolver.Resolve(ctx, pid, gate.Outcome(outcome))
	switch {
	case errors.Is(err, gate.ErrUnknownOutcome):
		return "Outcome must be confirmed or retry."
	case errors.Is(err, store.ErrIntentNotFound):
		return fmt.Sprintf("No submission recorded for proposal %d.", pid)
	case err != nil:
		return h.failure(err, "")
	}
	log := h.logger()
	log.Info().Str("user", userID).Uint64("proposal", uint64(pid)).Str("outcome", outcome).Msg("intent resolved from discord")
	return fmt.Sprintf("Proposal %d submission is now %s.", pid, strings.ReplaceAll(string(in.Status), "_", " "))
}

func (h *Handler) refresh(ctx context.Context, pollID string) {
	if h.Poster == nil {
		return
	}
	if err := h.Poster.Refresh(ctx, pollID); err != nil {
		log := h.logger()
		log.Warn().Err(err).Str("poll", pollID).Msg("poll message refresh failed")
	}
}

// failure maps known errors to user text and logs the rest.
func (h *Handler) failure(err error, notFound string) string {
	switch {
	case errors.Is(err, tally.ErrPollClosed):
		return "This poll is closed."
	case errors.Is(err, tally.ErrNotEligible):
		return "You don't have the role required to vote."
	case errors.Is(err, tally.ErrNoBallot):
		return "Vote first, then add a reason."
	case errors.Is(err, tally.ErrPollNotFound), errors.Is(err, store.ErrNotFound):
		if notFound != "" {
			return notFound
		}
		return "This poll no longer exists."
	}
	logging.Err(h.logger(), err, "interaction failed")
	return genericFailure
}

func rejection(err error) string {
	switch {
	case errors.Is(err, tally.ErrPollClosed):
		return "closed"
	case errors.Is(err, tally.ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, tally.ErrPollNotFound):
		return "unknown_poll"
	default:
		return "error"
	}
}

func formatCounts(c gov.Counts) string {
	return fmt.Sprintf("For %d | Against %d | Abstain %d", c.For, c.Against, c.Abstain)
}
