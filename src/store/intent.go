package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stake-plus/govsignal/src/gov"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrIntentNotFound = errors.New("submission intent not found")
	ErrAttemptChanged = errors.New("submission attempt superseded")
)

// Claim is the outcome of AcquireIntent. When Acquired is false, Intent holds
// the existing marker that blocked the attempt.
type Claim struct {
	Intent   SubmissionIntent
	Acquired bool
	// Expired is set when an in-flight marker outlived its ttl. The caller must
	// reconcile it before anything is resubmitted.
	Expired bool
}

// AcquireIntent writes an in-flight marker for proposal before an irreversible
// call. Only a missing or retryable marker can be acquired.
func (s *Store) AcquireIntent(ctx context.Context, proposal gov.ProposalID, pollID string, ttl time.Duration) (Claim, error) {
	key := intentKey(proposal)
	unlock := s.locks.Lock(key)
	defer unlock()

	now := s.now()
	var claim Claim
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var in SubmissionIntent
		err := forUpdate(tx).First(&in, "proposal_id = ?", uint64(proposal)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			in = SubmissionIntent{
				ProposalID: uint64(proposal),
				PollID:     pollID,
				AttemptID:  uuid.NewString(),
				Status:     IntentInFlight,
				Attempts:   1,
				ExpiresAt:  now.Add(ttl),
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&in)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				// another writer won the insert
				if err := tx.First(&in, "proposal_id = ?", uint64(proposal)).Error; err != nil {
					return err
				}
				claim = Claim{Intent: in}
				return nil
			}
			claim = Claim{Intent: in, Acquired: true}
			return nil
		}
		if err != nil {
			return err
		}

		switch in.Status {
		case IntentRetryable:
			prev := in.AttemptID
			in.AttemptID = uuid.NewString()
			in.Status = IntentInFlight
			in.Attempts++
			in.ExpiresAt = now.Add(ttl)
			res := tx.Model(&SubmissionIntent{}).
				Where("id = ? AND status = ? AND attempt_id = ?", in.ID, IntentRetryable, prev).
				Updates(map[string]any{
					"attempt_id": in.AttemptID,
					"status":     in.Status,
					"attempts":   in.Attempts,
					"expires_at": in.ExpiresAt,
				})
			if res.Error != nil {
				return res.Error
			}
			claim = Claim{Intent: in, Acquired: res.RowsAffected == 1}
		case IntentInFlight:
			claim = Claim{Intent: in, Expired: !now.Before(in.ExpiresAt)}
		default:
			claim = Claim{Intent: in}
		}
		return nil
	})
	return claim, err
}

// RecordIntentTx stores the transaction hash and nonce of the current attempt.
// It must succeed before the transaction is sent.
func (s *Store) RecordIntentTx(ctx context.Context, proposal gov.ProposalID, attemptID, safeTxHash string, nonce uint64) error {
	res := s.db.WithContext(ctx).Model(&SubmissionIntent{}).
		Where("proposal_id = ? AND attempt_id = ? AND status = ?", uint64(proposal), attemptID, IntentInFlight).
		Updates(map[string]any{"safe_tx_hash": safeTxHash, "safe_nonce": nonce})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAttemptChanged
	}
	return nil
}

// ResolveIntent moves the marker to status. A non-empty attemptID must match
// the current attempt; operators pass "" to resolve whatever is there.
func (s *Store) ResolveIntent(ctx context.Context, proposal gov.ProposalID, attemptID string, status IntentStatus, lastErr string) (*SubmissionIntent, error) {
	key := intentKey(proposal)
	unlock := s.locks.Lock(key)
	defer unlock()

	var out SubmissionIntent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := forUpdate(tx).First(&out, "proposal_id = ?", uint64(proposal)).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrIntentNotFound
			}
			return err
		}
		if attemptID != "" && out.AttemptID != attemptID {
			return ErrAttemptChanged
		}
		if out.Status == IntentConfirmed && status != IntentConfirmed {
			return fmt.Errorf("intent for proposal %d already confirmed", proposal)
		}
		out.Status = status
		out.LastError = lastErr
		return tx.Model(&out).Updates(map[string]any{"status": status, "last_error": lastErr}).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Intent loads the marker for proposal.
func (s *Store) Intent(ctx context.Context, proposal gov.ProposalID) (*SubmissionIntent, error) {
	var in SubmissionIntent
	if err := s.db.WithContext(ctx).First(&in, "proposal_id = ?", uint64(proposal)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return &in, nil
}

// ListIntents returns markers in any of statuses, or all when none are given.
func (s *Store) ListIntents(ctx context.Context, statuses ...IntentStatus) ([]SubmissionIntent, error) {
	q := s.db.WithContext(ctx).Order("proposal_id ASC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var out []SubmissionIntent
	err := q.Find(&out).Error
	return out, err
}

func intentKey(p gov.ProposalID) string {
	return "intent:" + strconv.FormatUint(uint64(p), 10)
}
