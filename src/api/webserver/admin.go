package webserver

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/stake-plus/govsignal/src/gate"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/store"
)

// Resolver applies operator decisions to submission intents.
type Resolver interface {
	Resolve(ctx context.Context, pid gov.ProposalID, outcome gate.Outcome) (*store.SubmissionIntent, error)
}

type Admin struct {
	store    *store.Store
	resolver Resolver
}

func NewAdmin(s *store.Store, res Resolver) Admin {
	return Admin{store: s, resolver: res}
}

// Intents lists submission intents, filtered by ?status= when given.
func (a Admin) Intents(c *gin.Context) {
	var statuses []store.IntentStatus
	if raw := c.Query("status"); raw != "" {
		statuses = append(statuses, store.IntentStatus(raw))
	}
	out, err := a.store.ListIntents(c.Request.Context(), statuses...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "listing intents failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (a Admin) Resolve(c *gin.Context) {
	var req struct {
		Outcome string `json:"outcome" binding:"required,oneof=confirmed retry"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "outcome must be confirmed or retry"})
		return
	}
	pid, err := strconv.ParseUint(c.Param("proposalId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "invalid proposal id"})
		return
	}
	if a.resolver == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"err": "submission is not enabled"})
		return
	}

	in, err := a.resolver.Resolve(c.Request.Context(), gov.ProposalID(pid), gate.Outcome(req.Outcome))
	switch {
	case errors.Is(err, store.ErrIntentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"err": "no intent for proposal"})
		return
	case errors.Is(err, gate.ErrUnknownOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	case err != nil && in == nil:
		log.Error().Err(err).Uint64("proposal", pid).Msg("api: resolve failed")
		c.JSON(http.StatusConflict, gin.H{"err": "intent could not be resolved"})
		return
	case err != nil:
		// the intent changed but the record follow-up failed; the gate retries it
		log.Warn().Err(err).Uint64("proposal", pid).Msg("api: resolve follow-up failed")
	}

	log.Info().Str("operator", c.GetString("operator")).Uint64("proposal", pid).
		Str("outcome", req.Outcome).Msg("api: intent resolved")
	c.JSON(http.StatusOK, in)
}
