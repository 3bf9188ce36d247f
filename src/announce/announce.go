package announce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/store"
)

// Message is what the announcer asks the platform to render. Voting attaches
// the choice buttons and the reason button.
type Message struct {
	Content string
	Voting  bool
}

// Messenger is the outbound side of the chat platform.
type Messenger interface {
	SendMessage(ctx context.Context, channelID string, msg Message) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, msg Message) error
	CreateThread(ctx context.Context, channelID, messageID, name string) (string, error)
	DeleteMessage(ctx context.Context, channelID, messageID string) error
}

// Options configures rendering.
type Options struct {
	ChannelID string
	RoleID    string
}

const (
	maxThreadName  = 100
	maxDescription = 1200
)

// errAnnounced means another pass stored a message id first.
var errAnnounced = errors.New("poll already announced")

// Announcer publishes polls to the channel and keeps their messages current.
type Announcer struct {
	store *store.Store
	msgr  Messenger
	opts  Options
	log   zerolog.Logger
}

func New(s *store.Store, m Messenger, opts Options) *Announcer {
	return &Announcer{store: s, msgr: m, opts: opts, log: logging.For("announce")}
}

// AnnouncePending renders every open poll that has no message yet. A failed
// send leaves the record unannounced for the next run.
func (a *Announcer) AnnouncePending(ctx context.Context) (int, error) {
	recs, err := a.store.ListUnannounced(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing unannounced polls: %w", err)
	}
	sent := 0
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		posted, err := a.announce(ctx, &recs[i])
		if err != nil {
			logging.Err(a.log.With().Str("poll", recs[i].ID).Logger(), err, "announce failed")
			continue
		}
		if posted {
			sent++
		}
	}
	return sent, nil
}

// Announce sends the poll message, stores its id, then opens the discussion
// thread. rec is refreshed from the store first; if another pass stores a
// message id while the send is in flight, this pass deletes its own message
// and keeps the stored one.
func (a *Announcer) Announce(ctx context.Context, rec *store.PollRecord) error {
	_, err := a.announce(ctx, rec)
	return err
}

// announce reports whether this call's message is the stored one.
func (a *Announcer) announce(ctx context.Context, rec *store.PollRecord) (bool, error) {
	current, err := a.store.Get(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	*rec = *current
	if rec.Message() != "" {
		return false, nil
	}
	channel := lo.Ternary(rec.ChannelID != "", rec.ChannelID, a.opts.ChannelID)
	if channel == "" {
		return false, logging.Errorf(logging.PermanentConfig, "announce", "no channel for poll %s", rec.ID)
	}

	msgID, err := a.msgr.SendMessage(ctx, channel, Message{Content: Render(rec, a.opts.RoleID), Voting: true})
	if err != nil {
		return false, fmt.Errorf("sending poll message: %w", err)
	}
	l := a.log.With().Str("poll", rec.ID).Str("channel", channel).Str("message", msgID).Logger()
	l.Info().Msg("poll message sent")

	updated, err := a.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
		if r.MessageID != nil {
			return errAnnounced
		}
		r.ChannelID = channel
		r.MessageID = &msgID
		return nil
	})
	if err != nil {
		a.discard(ctx, l, channel, msgID)
		if !errors.Is(err, errAnnounced) {
			return false, fmt.Errorf("storing message id: %w", err)
		}
		if latest, gerr := a.store.Get(ctx, rec.ID); gerr == nil {
			*rec = *latest
		}
		l.Info().Str("kept", rec.Message()).Msg("poll was announced concurrently, duplicate removed")
		return false, nil
	}
	*rec = *updated

	threadID, err := a.msgr.CreateThread(ctx, channel, msgID, ThreadName(rec.Title))
	if err != nil {
		// the poll still works without a thread
		l.Warn().Err(err).Msg("thread creation failed")
	} else {
		updated, err = a.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
			r.ThreadID = threadID
			return nil
		})
		if err != nil {
			l.Warn().Err(err).Str("thread", threadID).Msg("storing thread id failed")
		} else {
			*rec = *updated
		}
	}
	l.Debug().Str("thread", rec.ThreadID).Msg("poll announced")
	return true, nil
}

// discard deletes a poll message that lost the write-back. A message that
// cannot be deleted is logged so an operator can remove it.
func (a *Announcer) discard(ctx context.Context, l zerolog.Logger, channel, msgID string) {
	if err := a.msgr.DeleteMessage(ctx, channel, msgID); err != nil {
		l.Error().Err(err).Msg("orphaned poll message, remove it manually")
	}
}

// Refresh re-renders the poll message with the current tally.
func (a *Announcer) Refresh(ctx context.Context, pollID string) error {
	rec, err := a.store.Get(ctx, pollID)
	if err != nil {
		return err
	}
	if rec.Message() == "" {
		return nil
	}
	return a.msgr.EditMessage(ctx, rec.ChannelID, rec.Message(), Message{
		Content: Render(rec, a.opts.RoleID),
		Voting:  rec.State == gov.StateOpen,
	})
}

// PollClosed removes the voting controls and posts the final breakdown in the
// poll thread.
func (a *Announcer) PollClosed(ctx context.Context, rec *store.PollRecord) error {
	if rec.Message() == "" {
		return nil
	}
	var errs []error
	if err := a.msgr.EditMessage(ctx, rec.ChannelID, rec.Message(), Message{Content: Render(rec, a.opts.RoleID)}); err != nil {
		errs = append(errs, fmt.Errorf("editing poll message: %w", err))
	}
	if rec.ThreadID != "" {
		if _, err := a.msgr.SendMessage(ctx, rec.ThreadID, Message{Content: Summary(rec)}); err != nil {
			errs = append(errs, fmt.Errorf("posting summary: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Render is the poll message body.
func Render(rec *store.PollRecord, roleID string) string {
	var b strings.Builder
	counts := rec.Counts()

	if roleID != "" && rec.State == gov.StateOpen {
		fmt.Fprintf(&b, "<@&%s> ", roleID)
	}
	if _, ok := rec.Proposal(); ok {
		b.WriteString("New signal poll\n")
	} else {
		b.WriteString("Signal poll\n")
	}
	fmt.Fprintf(&b, "**%s**\n", strings.TrimSpace(rec.Title))
	if rec.ProposalURL != "" {
		fmt.Fprintf(&b, "%s\n", rec.ProposalURL)
	}
	if d := Excerpt(rec.Title, rec.Description); d != "" {
		fmt.Fprintf(&b, "\n%s\n\n", d)
	}

	if rec.State == gov.StateOpen {
		fmt.Fprintf(&b, "Closes <t:%d:F> (<t:%d:R>)\n", rec.ClosesAt.Unix(), rec.ClosesAt.Unix())
	} else {
		fmt.Fprintf(&b, "Closed. Result: **%s** (%s)\n", rec.Winner.Label(), rec.State)
	}
	fmt.Fprintf(&b, "For: %d | Against: %d | Abstain: %d | Total: %d",
		counts.For, counts.Against, counts.Abstain, counts.Total())
	return b.String()
}

// Summary lists every voter's choice and reason, sorted by voter id.
func Summary(rec *store.PollRecord) string {
	var b strings.Builder
	counts := rec.Counts()
	fmt.Fprintf(&b, "**Final result: %s** (%d for, %d against, %d abstain)\n",
		rec.Winner.Label(), counts.For, counts.Against, counts.Abstain)

	ballots := rec.Ballots()
	if len(ballots) == 0 {
		b.WriteString("\nNo votes were cast.")
		return b.String()
	}
	voters := lo.Keys(ballots)
	sort.Strings(voters)
	for _, v := range voters {
		bl := ballots[v]
		fmt.Fprintf(&b, "\n<@%s>: %s", v, bl.Choice.Label())
		if bl.Reason != "" {
			fmt.Fprintf(&b, " - %s", strings.Join(strings.Fields(bl.Reason), " "))
		}
	}
	return b.String()
}

// Excerpt trims a poll description for the poll message. A leading line that
// only repeats the title is dropped.
func Excerpt(title, description string) string {
	lines := strings.Split(strings.TrimSpace(description), "\n")
	if len(lines) > 0 && strings.TrimSpace(strings.TrimLeft(lines[0], "# ")) == strings.TrimSpace(title) {
		lines = lines[1:]
	}
	d := strings.TrimSpace(strings.Join(lines, "\n"))
	if utf8.RuneCountInString(d) > maxDescription {
		d = strings.TrimSpace(string([]rune(d)[:maxDescription-1])) + "…"
	}
	return d
}

// ThreadName fits the poll title into the platform's thread name limit.
func ThreadName(title string) string {
	name := strings.Join(strings.Fields(title), " ")
	if name == "" {
		return "Poll discussion"
	}
	if utf8.RuneCountInString(name) > maxThreadName {
		name = string([]rune(name)[:maxThreadName-1]) + "…"
	}
	return name
}
