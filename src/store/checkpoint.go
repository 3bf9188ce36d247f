package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrCheckpointRegression = errors.New("checkpoint cannot move backwards")

// Checkpoint returns the last scanned block for name and whether one exists.
func (s *Store) Checkpoint(ctx context.Context, name string) (uint64, bool, error) {
	var cp Checkpoint
	err := s.db.WithContext(ctx).First(&cp, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cp.Block, true, nil
}

// AdvanceCheckpoint moves the checkpoint forward. Equal values are a no-op.
func (s *Store) AdvanceCheckpoint(ctx context.Context, name string, block uint64) error {
	unlock := s.locks.Lock("checkpoint:" + name)
	defer unlock()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return advanceCheckpoint(tx, name, block)
	})
}

func advanceCheckpoint(tx *gorm.DB, name string, block uint64) error {
	var cp Checkpoint
	err := forUpdate(tx).First(&cp, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tx.Create(&Checkpoint{Name: name, Block: block}).Error
	}
	if err != nil {
		return err
	}
	if block < cp.Block {
		return fmt.Errorf("%w: %s %d -> %d", ErrCheckpointRegression, name, cp.Block, block)
	}
	if block == cp.Block {
		return nil
	}
	return tx.Model(&cp).Update("block", block).Error
}

// CreateProposals inserts newly discovered proposal polls and advances the
// checkpoint in one transaction. Records whose proposal already has a poll
// are skipped; the inserted ones are returned.
func (s *Store) CreateProposals(ctx context.Context, checkpoint string, recs []PollRecord, block uint64) ([]PollRecord, error) {
	unlock := s.locks.Lock("checkpoint:" + checkpoint)
	defer unlock()

	now := s.now()
	var created []PollRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created = created[:0]
		for i := range recs {
			rec := recs[i]
			if rec.ProposalID == nil {
				return fmt.Errorf("create proposals: record %q has no proposal id", rec.Title)
			}
			prepareNew(&rec, now)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				created = append(created, rec)
			}
		}
		return advanceCheckpoint(tx, checkpoint, block)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}
