package store

import (
	"time"

	"github.com/stake-plus/govsignal/src/gov"
	"gorm.io/datatypes"
)

// PollRecord is the permanent record of one signaling poll. Records are never
// deleted. The boolean flags mirror State and are rewritten by the store on
// every transaction, so they cannot drift from it.
type PollRecord struct {
	ID             string                          `gorm:"primaryKey;size:36" json:"id"`
	ProposalID     *uint64                         `gorm:"uniqueIndex" json:"proposalId,omitempty"`
	Title          string                          `gorm:"size:256;not null" json:"title"`
	Description    string                          `gorm:"type:text" json:"description"`
	ProposalURL    string                          `gorm:"size:512" json:"proposalUrl,omitempty"`
	CreatedBy      string                          `gorm:"size:64" json:"createdBy"`
	ChannelID      string                          `gorm:"size:64" json:"channelId,omitempty"`
	MessageID      *string                         `gorm:"size:64;uniqueIndex" json:"messageId,omitempty"`
	ThreadID       string                          `gorm:"size:64" json:"threadId,omitempty"`
	CreatedAt      time.Time                       `gorm:"<-:create;not null" json:"createdAt"`
	ClosesAt       time.Time                       `gorm:"<-:create;index;not null" json:"closesAt"`
	VotingEndBlock uint64                          `json:"votingEndBlock,omitempty"`
	Votes          datatypes.JSONType[gov.Ballots] `json:"votes"`
	State          gov.State                       `gorm:"size:16;index;not null" json:"state"`
	Winner         gov.Choice                      `gorm:"size:16" json:"winner,omitempty"`
	Closed         bool                            `gorm:"index;not null;default:false" json:"closed"`
	Exported       bool                            `gorm:"index;not null;default:false" json:"exported"`
	Submitted      bool                            `gorm:"not null;default:false" json:"submitted"`
	Queued         bool                            `gorm:"not null;default:false" json:"queued"`
	ChainState     string                          `gorm:"size:24" json:"chainState,omitempty"`
	ClosedAt       *time.Time                      `json:"closedAt,omitempty"`
	ExportedAt     *time.Time                      `json:"exportedAt,omitempty"`
	SubmittedAt    *time.Time                      `json:"submittedAt,omitempty"`
	Version        uint64                          `gorm:"not null;default:0" json:"version"`
	UpdatedAt      time.Time                       `json:"updatedAt"`
}

// Ballots returns the votes mapping, never nil.
func (r *PollRecord) Ballots() gov.Ballots {
	b := r.Votes.Data()
	if b == nil {
		b = gov.Ballots{}
	}
	return b
}

// SetBallots replaces the votes mapping.
func (r *PollRecord) SetBallots(b gov.Ballots) {
	r.Votes = datatypes.NewJSONType(b)
}

// Counts derives the tally from the votes mapping.
func (r *PollRecord) Counts() gov.Counts {
	return r.Ballots().Count()
}

// Proposal returns the proposal id and whether the poll is proposal-backed.
func (r *PollRecord) Proposal() (gov.ProposalID, bool) {
	if r.ProposalID == nil {
		return 0, false
	}
	return gov.ProposalID(*r.ProposalID), true
}

// Message returns the rendered message id, or "" before announcement.
func (r *PollRecord) Message() string {
	if r.MessageID == nil {
		return ""
	}
	return *r.MessageID
}

// Advance moves the record one step through the transitions table. Leaving
// open requires now >= ClosesAt.
func (r *PollRecord) Advance(to gov.State, now time.Time) error {
	if err := gov.Transition(r.State, to); err != nil {
		return err
	}
	switch to {
	case gov.StateClosed:
		if now.Before(r.ClosesAt) {
			return ErrNotDue
		}
		r.ClosedAt = &now
	case gov.StateQueued:
		r.SubmittedAt = &now
	}
	r.State = to
	r.syncFlags()
	return nil
}

// MarkExported records a written snapshot. Only closed polls can be exported.
func (r *PollRecord) MarkExported(now time.Time) error {
	if !r.State.Closed() {
		return ErrNotClosed
	}
	r.Exported = true
	r.ExportedAt = &now
	return nil
}

func (r *PollRecord) syncFlags() {
	r.Closed = r.State.Closed()
	r.Submitted = r.State.Submitted()
	r.Queued = r.Submitted
}

// Checkpoint is the last fully scanned block for a named scanner.
type Checkpoint struct {
	Name      string `gorm:"primaryKey;size:64"`
	Block     uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

// IntentStatus is the state of a submission intent marker.
type IntentStatus string

const (
	IntentInFlight            IntentStatus = "in_flight"
	IntentRetryable           IntentStatus = "retryable"
	IntentConfirmed           IntentStatus = "confirmed"
	IntentNeedsReconciliation IntentStatus = "needs_reconciliation"
)

// SubmissionIntent is written before the irreversible multisig submission and
// resolved after it. One row per proposal.
type SubmissionIntent struct {
	ID         uint64       `gorm:"primaryKey;autoIncrement" json:"id"`
	ProposalID uint64       `gorm:"uniqueIndex;not null" json:"proposalId"`
	PollID     string       `gorm:"size:36;index;not null" json:"pollId"`
	AttemptID  string       `gorm:"size:36;not null" json:"attemptId"`
	Status     IntentStatus `gorm:"size:24;index;not null" json:"status"`
	SafeTxHash string       `gorm:"size:66" json:"safeTxHash,omitempty"`
	SafeNonce  uint64       `json:"safeNonce"`
	Attempts   int          `gorm:"not null;default:0" json:"attempts"`
	LastError  string       `gorm:"type:text" json:"lastError,omitempty"`
	ExpiresAt  time.Time    `gorm:"not null" json:"expiresAt"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// MigrateModels lists every table owned by the store.
var MigrateModels = []any{
	&PollRecord{},
	&Checkpoint{},
	&SubmissionIntent{},
}
