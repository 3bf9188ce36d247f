package gov

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ProposalID is the governor-assigned proposal number. Never reused.
type ProposalID uint64

// Choice is one signaling option.
type Choice string

const (
	ChoiceFor     Choice = "for"
	ChoiceAgainst Choice = "against"
	ChoiceAbstain Choice = "abstain"
)

// Choices lists the options in their fixed comparison order.
var Choices = []Choice{ChoiceFor, ChoiceAgainst, ChoiceAbstain}

var ErrInvalidChoice = errors.New("invalid choice")

// ParseChoice accepts the button custom ids and their labels.
func ParseChoice(s string) (Choice, error) {
	c := Choice(strings.ToLower(strings.TrimSpace(s)))
	if !lo.Contains(Choices, c) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChoice, s)
	}
	return c, nil
}

// Label is the display form.
func (c Choice) Label() string {
	switch c {
	case ChoiceFor:
		return "For"
	case ChoiceAgainst:
		return "Against"
	case ChoiceAbstain:
		return "Abstain"
	}
	return string(c)
}

// Support is the Governor Bravo support value for castVote.
func (c Choice) Support() uint8 {
	switch c {
	case ChoiceAgainst:
		return 0
	case ChoiceFor:
		return 1
	default:
		return 2
	}
}

func (c Choice) Value() (driver.Value, error) { return string(c), nil }

func (c *Choice) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		*c = ""
	case string:
		*c = Choice(t)
	case []byte:
		*c = Choice(t)
	default:
		return fmt.Errorf("choice: unsupported type %T", v)
	}
	return nil
}

// Ballot is one voter's live choice.
type Ballot struct {
	Choice Choice    `json:"choice"`
	Reason string    `json:"reason,omitempty"`
	CastAt time.Time `json:"castAt"`
}

// Ballots maps voter id to ballot. One live ballot per voter.
type Ballots map[string]Ballot

// Counts is always derived from Ballots; nothing stores it separately.
type Counts struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
}

func (c Counts) Total() int { return c.For + c.Against + c.Abstain }

// Count tallies ballots by choice.
func (b Ballots) Count() Counts {
	votes := lo.Values(b)
	return Counts{
		For:     lo.CountBy(votes, func(v Ballot) bool { return v.Choice == ChoiceFor }),
		Against: lo.CountBy(votes, func(v Ballot) bool { return v.Choice == ChoiceAgainst }),
		Abstain: lo.CountBy(votes, func(v Ballot) bool { return v.Choice == ChoiceAbstain }),
	}
}

// Winner requires a strict plurality. For and against are checked in that
// order; anything else, including every tie and an empty poll, is abstain.
func (c Counts) Winner() Choice {
	switch {
	case c.For > c.Against && c.For > c.Abstain:
		return ChoiceFor
	case c.Against > c.For && c.Against > c.Abstain:
		return ChoiceAgainst
	default:
		return ChoiceAbstain
	}
}
