package gov

import (
	"strings"
	"unicode/utf8"
)

// ProposalState mirrors the governor's state(uint256) enum. Values 0-7 are
// Governor Bravo; 8-10 are the Nouns DAO V3 additions.
type ProposalState uint8

const (
	ProposalPending ProposalState = iota
	ProposalActive
	ProposalCanceled
	ProposalDefeated
	ProposalSucceeded
	ProposalQueued
	ProposalExpired
	ProposalExecuted
	ProposalVetoed
	ProposalObjectionPeriod
	ProposalUpdatable
)

var proposalStateNames = []string{
	"Pending", "Active", "Canceled", "Defeated", "Succeeded", "Queued",
	"Expired", "Executed", "Vetoed", "ObjectionPeriod", "Updatable",
}

func (s ProposalState) String() string {
	if int(s) < len(proposalStateNames) {
		return proposalStateNames[s]
	}
	return "Unknown"
}

// AlreadyHandled: someone already queued or executed the proposal.
func (s ProposalState) AlreadyHandled() bool {
	return s == ProposalQueued || s == ProposalExecuted
}

// Dead: the proposal can no longer be acted on.
func (s ProposalState) Dead() bool {
	switch s {
	case ProposalCanceled, ProposalDefeated, ProposalExpired, ProposalVetoed:
		return true
	}
	return false
}

// VotingOver: the voting window closed without the proposal dying yet.
// castVoteWithReason reverts from here on.
func (s ProposalState) VotingOver() bool {
	return s == ProposalSucceeded
}

// Upcoming: voting has not opened yet.
func (s ProposalState) Upcoming() bool {
	return s == ProposalPending || s == ProposalUpdatable
}

// EligibleToQueue: the governor accepts castVoteWithReason right now.
func (s ProposalState) EligibleToQueue() bool {
	return s == ProposalActive || s == ProposalObjectionPeriod
}

// Proposal is a decoded ProposalCreated event.
type Proposal struct {
	ID          ProposalID
	Proposer    string
	StartBlock  uint64
	EndBlock    uint64
	Description string
	BlockNumber uint64
	TxHash      string
}

const maxTitleRunes = 200

// Title derives a display title from the first non-empty description line.
func (p Proposal) Title() string {
	for _, line := range strings.Split(p.Description, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleRunes {
			runes := []rune(line)
			line = string(runes[:maxTitleRunes-1]) + "…"
		}
		return line
	}
	return ""
}
