package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/events"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/metrics"
	"github.com/stake-plus/govsignal/src/store"
)

// ChainReader is the read side of the chain client used by the scanner.
type ChainReader interface {
	BlockHeight(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context, number uint64) (time.Time, error)
	ProposalsCreated(ctx context.Context, from, to uint64) ([]gov.Proposal, error)
	ProposalState(ctx context.Context, id gov.ProposalID) (gov.ProposalState, error)
}

// Options tunes the scan. Zero values fall back to the defaults below.
type Options struct {
	Checkpoint string
	// StartBlock pins the first scan. When zero the first scan starts
	// LookbackBlocks below the head.
	StartBlock     uint64
	LookbackBlocks uint64
	WindowBlocks   uint64
	BlockTime      time.Duration
	LeadWindow     time.Duration
	MinDuration    time.Duration
	// URLTemplate takes the proposal id, e.g. https://nouncil.club/proposal/%d.
	URLTemplate string
	ChannelID   string
}

const (
	DefaultCheckpoint = "governor"
	DefaultWindow     = 2000
	// DefaultLookback is roughly one Nouns voting period at 12s blocks.
	DefaultLookback = 28800
)

// ScanResult is the outcome of one Scan. Nothing is persisted by Scan.
type ScanResult struct {
	New        []store.PollRecord
	Checkpoint uint64
	Windows    int
	Skipped    int
}

// Scanner discovers new proposals incrementally from a persisted checkpoint.
type Scanner struct {
	chain   ChainReader
	store   *store.Store
	opts    Options
	events  events.Publisher
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func New(c ChainReader, s *store.Store, opts Options, pub events.Publisher, m *metrics.Metrics) *Scanner {
	if opts.Checkpoint == "" {
		opts.Checkpoint = DefaultCheckpoint
	}
	if opts.WindowBlocks == 0 {
		opts.WindowBlocks = DefaultWindow
	}
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = DefaultLookback
	}
	if opts.BlockTime <= 0 {
		opts.BlockTime = 12 * time.Second
	}
	if opts.MinDuration <= 0 {
		opts.MinDuration = time.Hour
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Scanner{
		chain:   c,
		store:   s,
		opts:    opts,
		events:  pub,
		metrics: m,
		log:     logging.For("scanner"),
		now:     time.Now,
	}
}

// WithClock replaces the time source.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Scan reads ProposalCreated events in (checkpoint, height] in bounded
// windows and returns the proposals that have no poll yet. Proposals whose
// voting ends before a poll could close are skipped; the checkpoint still
// moves past them. On any error the returned checkpoint is the input
// checkpoint.
func (s *Scanner) Scan(ctx context.Context, checkpoint, height uint64) (ScanResult, error) {
	res := ScanResult{Checkpoint: checkpoint}
	if height <= checkpoint {
		return res, nil
	}

	var found []gov.Proposal
	for from := checkpoint + 1; from <= height; {
		end := from + s.opts.WindowBlocks - 1
		if end > height || end < from {
			end = height
		}
		props, err := s.chain.ProposalsCreated(ctx, from, end)
		if err != nil {
			return ScanResult{Checkpoint: checkpoint}, fmt.Errorf("scanning blocks %d-%d: %w", from, end, err)
		}
		found = append(found, props...)
		res.Windows++
		if end == height {
			break
		}
		from = end + 1
	}

	var (
		seen   = make(map[gov.ProposalID]bool, len(found))
		headTS time.Time
	)
	for _, p := range found {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		if p.EndBlock <= height {
			res.Skipped++
			s.log.Debug().Uint64("proposal", uint64(p.ID)).Uint64("end_block", p.EndBlock).
				Msg("voting already ended, not mirrored")
			continue
		}

		_, err := s.store.FindByProposal(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return ScanResult{Checkpoint: checkpoint}, err
		}
		if headTS.IsZero() {
			if headTS, err = s.chain.BlockTimestamp(ctx, height); err != nil {
				return ScanResult{Checkpoint: checkpoint}, err
			}
		}
		rec, ok := s.record(p, height, headTS)
		if !ok {
			res.Skipped++
			s.log.Info().Uint64("proposal", uint64(p.ID)).Uint64("end_block", p.EndBlock).
				Msg("voting ends too soon for a poll, not mirrored")
			continue
		}
		res.New = append(res.New, rec)
	}
	res.Checkpoint = height
	return res, nil
}

func (s *Scanner) record(p gov.Proposal, height uint64, headTS time.Time) (store.PollRecord, bool) {
	closesAt, ok := s.ClosesAt(p.EndBlock, height, headTS)
	if !ok {
		return store.PollRecord{}, false
	}
	id := uint64(p.ID)
	title := p.Title()
	if title == "" {
		title = fmt.Sprintf("Proposal %d", p.ID)
	}
	url := ""
	if s.opts.URLTemplate != "" {
		url = fmt.Sprintf(s.opts.URLTemplate, p.ID)
	}
	return store.PollRecord{
		ProposalID:     &id,
		Title:          title,
		Description:    strings.TrimSpace(p.Description),
		ProposalURL:    url,
		CreatedBy:      "scanner",
		ChannelID:      s.opts.ChannelID,
		ClosesAt:       closesAt,
		VotingEndBlock: p.EndBlock,
	}, true
}

// ClosesAt estimates the on-chain voting end from the head block and closes
// the poll LeadWindow earlier, but never sooner than MinDuration from now.
// It reports false when that floor does not land before the voting end.
func (s *Scanner) ClosesAt(endBlock, height uint64, headTS time.Time) (time.Time, bool) {
	if endBlock <= height {
		return time.Time{}, false
	}
	end := headTS.Add(time.Duration(endBlock-height) * s.opts.BlockTime)
	closes := end.Add(-s.opts.LeadWindow)
	if floor := s.now().Add(s.opts.MinDuration); closes.Before(floor) {
		closes = floor
	}
	if !closes.Before(end) {
		return time.Time{}, false
	}
	return closes.UTC().Truncate(time.Second), true
}

// RunOnce scans from the stored checkpoint to the current height and stores
// the new polls together with the advanced checkpoint.
func (s *Scanner) RunOnce(ctx context.Context) ([]store.PollRecord, error) {
	started := time.Now()
	defer s.metrics.ObserveJob("scan", started)

	cp, ok, err := s.store.Checkpoint(ctx, s.opts.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	height, err := s.chain.BlockHeight(ctx)
	if err != nil {
		s.metrics.ScanFailed()
		return nil, err
	}
	if !ok {
		cp = s.firstCheckpoint(height)
	}

	res, err := s.Scan(ctx, cp, height)
	if err != nil {
		s.metrics.ScanFailed()
		return nil, err
	}
	if res.Checkpoint == cp && ok {
		return nil, nil
	}

	created, err := s.store.CreateProposals(ctx, s.opts.Checkpoint, res.New, res.Checkpoint)
	if err != nil {
		s.metrics.ScanFailed()
		return nil, fmt.Errorf("storing scan results: %w", err)
	}
	s.metrics.Checkpoint(res.Checkpoint)
	s.metrics.ProposalsDiscovered(len(created))

	for i := range created {
		rec := &created[i]
		if err := s.events.Publish(ctx, events.Event{Type: events.PollCreated, PollID: rec.ID, ProposalID: rec.ProposalID}); err != nil {
			s.log.Warn().Err(err).Msg("event publish failed")
		}
		s.log.Info().Str("poll", rec.ID).Uint64("proposal", *rec.ProposalID).
			Time("closes_at", rec.ClosesAt).Msg("proposal mirrored")
	}
	s.log.Debug().Uint64("from", cp).Uint64("to", res.Checkpoint).Int("windows", res.Windows).
		Int("new", len(created)).Int("skipped", res.Skipped).Msg("scan complete")
	return created, nil
}

// firstCheckpoint is where a scan with no stored checkpoint begins.
func (s *Scanner) firstCheckpoint(height uint64) uint64 {
	if s.opts.StartBlock > 0 {
		return s.opts.StartBlock - 1
	}
	if height > s.opts.LookbackBlocks {
		return height - s.opts.LookbackBlocks
	}
	return 0
}

// RefreshStates records the governor's current state on open and passed
// proposal polls. One failing proposal does not stop the others.
func (s *Scanner) RefreshStates(ctx context.Context) (int, error) {
	recs, err := s.store.ListByState(ctx, gov.StateOpen, gov.StatePassed)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, rec := range recs {
		pid, ok := rec.Proposal()
		if !ok {
			continue
		}
		st, err := s.chain.ProposalState(ctx, pid)
		if err != nil {
			logging.Err(s.log.With().Uint64("proposal", uint64(pid)).Logger(), err, "state refresh failed")
			continue
		}
		if rec.ChainState == st.String() {
			continue
		}
		_, err = s.store.Transaction(ctx, rec.ID, func(r *store.PollRecord) error {
			r.ChainState = st.String()
			return nil
		})
		if err != nil {
			s.log.Error().Err(err).Str("poll", rec.ID).Msg("state refresh write failed")
			continue
		}
		changed++
	}
	return changed, nil
}
