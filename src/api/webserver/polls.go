package webserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stake-plus/govsignal/src/gov"
	"github.com/stake-plus/govsignal/src/store"
)

type Polls struct {
	store *store.Store
}

func NewPolls(s *store.Store) Polls {
	return Polls{store: s}
}

type pollView struct {
	*store.PollRecord
	Counts gov.Counts `json:"counts"`
}

func view(rec *store.PollRecord) pollView {
	return pollView{PollRecord: rec, Counts: rec.Counts()}
}

func (p Polls) Health(c *gin.Context) {
	sqlDB, err := p.store.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "err": "database unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// List returns every poll, or only those in ?state=.
func (p Polls) List(c *gin.Context) {
	var (
		recs []store.PollRecord
		err  error
	)
	if raw := c.Query("state"); raw != "" {
		st := gov.State(raw)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"err": "unknown state"})
			return
		}
		recs, err = p.store.ListByState(c.Request.Context(), st)
	} else {
		recs, err = p.store.All(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "listing polls failed"})
		return
	}
	out := make([]pollView, 0, len(recs))
	for i := range recs {
		out = append(out, view(&recs[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (p Polls) Get(c *gin.Context) {
	rec, err := p.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"err": "poll not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"err": "loading poll failed"})
		return
	}
	c.JSON(http.StatusOK, view(rec))
}
