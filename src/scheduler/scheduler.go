package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/events"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/metrics"
	"github.com/stake-plus/govsignal/src/store"
)

// Exporter writes the permanent snapshot of a closed poll.
type Exporter interface {
	Export(ctx context.Context, rec *store.PollRecord) (string, error)
}

// Notifier tells voters a poll closed, typically by editing the poll message.
type Notifier interface {
	PollClosed(ctx context.Context, rec *store.PollRecord) error
}

// Report summarizes one tick.
type Report struct {
	Closed   int
	Exported int
	Failed   int
}

var errSkip = errors.New("skip")

// Scheduler is the only component that closes polls.
type Scheduler struct {
	store    *store.Store
	exporter Exporter
	notifier Notifier
	events   events.Publisher
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func New(s *store.Store, exporter Exporter, notifier Notifier, pub events.Publisher, m *metrics.Metrics) *Scheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Scheduler{
		store:    s,
		exporter: exporter,
		notifier: notifier,
		events:   pub,
		metrics:  m,
		log:      logging.For("scheduler"),
	}
}

// Tick exports closed polls left behind by an earlier run, closes every open
// poll whose deadline passed, exports them and notifies. Re-running Tick is a
// no-op for polls already handled. Per-poll failures are logged and the
// sweep continues; only store listing failures abort it.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Report, error) {
	var rep Report

	leftovers, err := s.store.ListUnexported(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing unexported polls: %w", err)
	}
	for i := range leftovers {
		if err := s.export(ctx, &leftovers[i], now); err != nil {
			rep.Failed++
			logging.Err(s.log, err, "export of closed poll failed")
			continue
		}
		rep.Exported++
	}

	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("listing due polls: %w", err)
	}
	for _, rec := range due {
		closed, err := s.closePoll(ctx, rec.ID, now)
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			rep.Failed++
			s.log.Error().Err(err).Str("poll", rec.ID).Msg("close failed")
			continue
		}
		rep.Closed++
		s.metrics.PollClosed(string(closed.Winner))
		s.publish(ctx, events.PollClosed, closed, string(closed.Winner))
		s.log.Info().Str("poll", closed.ID).Str("state", string(closed.State)).
			Str("winner", string(closed.Winner)).Msg("poll closed")

		if err := s.export(ctx, closed, now); err != nil {
			// picked up as a leftover on the next tick
			rep.Failed++
			logging.Err(s.log, err, "export after close failed")
		} else {
			rep.Exported++
		}

		if s.notifier != nil {
			if err := s.notifier.PollClosed(ctx, closed); err != nil {
				logging.Err(s.log.With().Str("poll", closed.ID).Logger(), err, "close notification failed")
			}
		}
	}
	return rep, nil
}

// closePoll moves an open poll to passed or failed in one transaction. The
// winner is computed from the ballots under the record lock.
func (s *Scheduler) closePoll(ctx context.Context, id string, now time.Time) (*store.PollRecord, error) {
	return s.store.Transaction(ctx, id, func(r *store.PollRecord) error {
		if r.State != gov.StateOpen {
			return errSkip
		}
		if err := r.Advance(gov.StateClosed, now); err != nil {
			if errors.Is(err, store.ErrNotDue) {
				return errSkip
			}
			return err
		}
		r.Winner = r.Counts().Winner()
		if r.Winner == gov.ChoiceFor {
			return r.Advance(gov.StatePassed, now)
		}
		return r.Advance(gov.StateFailed, now)
	})
}

// export writes the snapshot and then flags the record. A crash between the
// two leaves the record unexported and the next tick rewrites the same file.
func (s *Scheduler) export(ctx context.Context, rec *store.PollRecord, now time.Time) error {
	if rec.Exported {
		return nil
	}
	path, err := s.exporter.Export(ctx, rec)
	if err != nil {
		return fmt.Errorf("poll %s: %w", rec.ID, err)
	}
	updated, err := s.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
		if r.Exported {
			return errSkip
		}
		return r.MarkExported(now)
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll %s: marking exported: %w", rec.ID, err)
	}
	*rec = *updated
	s.metrics.PollExported()
	s.publish(ctx, events.PollExported, updated, path)
	s.log.Debug().Str("poll", rec.ID).Str("path", path).Msg("poll exported")
	return nil
}

func (s *Scheduler) publish(ctx context.Context, typ string, rec *store.PollRecord, detail string) {
	err := s.events.Publish(ctx, events.Event{Type: typ, PollID: rec.ID, ProposalID: rec.ProposalID, Detail: detail})
	if err != nil {
		s.log.Warn().Err(err).Str("event", typ).Msg("event publish failed")
	}
}
