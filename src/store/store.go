package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stake-plus/govsignal/src/gov"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound          = errors.New("poll not found")
	ErrDuplicateProposal = errors.New("poll already exists for proposal")
	ErrNotDue            = errors.New("poll is not due to close")
	ErrNotClosed         = errors.New("poll is not closed")
	ErrImmutableField    = errors.New("immutable poll field changed")
)

// Store is the durable poll store. Every mutation is a read-modify-write
// through Transaction, serialized per record in process and row-locked in the
// database. Callers must not hold a Transaction open across network calls.
type Store struct {
	db    *gorm.DB
	locks *keyedMutex
	now   func() time.Time
}

// New wraps db. Call Migrate before first use.
func New(db *gorm.DB) *Store {
	return &Store{db: db, locks: newKeyedMutex(), now: time.Now}
}

// WithClock replaces the time source used for creation stamps and intent
// expiry.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// DB exposes the underlying handle for settings and health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or updates the store tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(MigrateModels...)
}

// forUpdate adds a row lock where the dialect supports one. SQLite has a
// single writer and rejects FOR UPDATE.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "mysql" {
		return tx.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	return tx
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*PollRecord, error) {
	var rec PollRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Put creates a new record. It never overwrites: an existing proposal id
// returns ErrDuplicateProposal.
func (s *Store) Put(ctx context.Context, rec *PollRecord) error {
	prepareNew(rec, s.now())
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateProposal
	}
	return nil
}

func prepareNew(rec *PollRecord, now time.Time) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	// stored times are compared as text by SQLite
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ClosesAt = rec.ClosesAt.UTC()
	if rec.State == "" {
		rec.State = gov.StateOpen
	}
	if rec.Votes.Data() == nil {
		rec.SetBallots(gov.Ballots{})
	}
	rec.syncFlags()
}

// All returns every record, oldest first.
func (s *Store) All(ctx context.Context) ([]PollRecord, error) {
	var recs []PollRecord
	err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&recs).Error
	return recs, err
}

// Transaction applies fn to the current version of record id and persists the
// result atomically. A mutator error rolls back and is returned as is.
func (s *Store) Transaction(ctx context.Context, id string, fn func(*PollRecord) error) (*PollRecord, error) {
	unlock := s.locks.Lock("poll:" + id)
	defer unlock()

	var out PollRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec PollRecord
		if err := forUpdate(tx).First(&rec, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		before := rec

		if err := fn(&rec); err != nil {
			return err
		}
		if err := checkMutation(&before, &rec); err != nil {
			return err
		}
		rec.syncFlags()
		rec.Version = before.Version + 1

		res := tx.Model(&rec).
			Where("version = ?", before.Version).
			Select("*").
			Omit("id", "created_at", "closes_at", "proposal_id").
			Updates(&rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("poll %s: concurrent modification", id)
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func checkMutation(before, after *PollRecord) error {
	if after.ID != before.ID || !after.ClosesAt.Equal(before.ClosesAt) || !after.CreatedAt.Equal(before.CreatedAt) {
		return ErrImmutableField
	}
	if (before.ProposalID == nil) != (after.ProposalID == nil) ||
		(before.ProposalID != nil && *before.ProposalID != *after.ProposalID) {
		return ErrImmutableField
	}
	if after.State != before.State && !gov.Reachable(before.State, after.State) {
		return fmt.Errorf("%w: %s -> %s", gov.ErrInvalidTransition, before.State, after.State)
	}
	if before.State == gov.StateOpen && after.State != gov.StateOpen {
		if after.ClosedAt == nil || after.ClosedAt.Before(after.ClosesAt) {
			return ErrNotDue
		}
	}
	if before.Exported && !after.Exported {
		return ErrImmutableField
	}
	if after.Exported && !after.State.Closed() {
		return ErrNotClosed
	}
	return nil
}

// FindByProposal returns the record mirroring a proposal.
func (s *Store) FindByProposal(ctx context.Context, id gov.ProposalID) (*PollRecord, error) {
	return s.findOne(ctx, "proposal_id = ?", uint64(id))
}

// FindByMessage resolves a rendered message back to its poll.
func (s *Store) FindByMessage(ctx context.Context, messageID string) (*PollRecord, error) {
	return s.findOne(ctx, "message_id = ?", messageID)
}

func (s *Store) findOne(ctx context.Context, query string, args ...any) (*PollRecord, error) {
	var rec PollRecord
	if err := s.db.WithContext(ctx).Where(query, args...).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// ListDue returns open polls whose closesAt has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]PollRecord, error) {
	var recs []PollRecord
	err := s.db.WithContext(ctx).
		Where("state = ? AND closes_at <= ?", gov.StateOpen, now.UTC()).
		Order("closes_at ASC").Find(&recs).Error
	return recs, err
}

// ListUnexported returns closed polls without a written snapshot.
func (s *Store) ListUnexported(ctx context.Context) ([]PollRecord, error) {
	var recs []PollRecord
	err := s.db.WithContext(ctx).
		Where("closed = ? AND exported = ?", true, false).
		Order("closes_at ASC").Find(&recs).Error
	return recs, err
}

// ListByState returns records in any of states.
func (s *Store) ListByState(ctx context.Context, states ...gov.State) ([]PollRecord, error) {
	var recs []PollRecord
	err := s.db.WithContext(ctx).
		Where("state IN ?", states).
		Order("created_at ASC").Find(&recs).Error
	return recs, err
}

// ListUnannounced returns open polls that have no rendered message yet.
func (s *Store) ListUnannounced(ctx context.Context) ([]PollRecord, error) {
	var recs []PollRecord
	err := s.db.WithContext(ctx).
		Where("message_id IS NULL AND state = ?", gov.StateOpen).
		Order("created_at ASC").Find(&recs).Error
	return recs, err
}
