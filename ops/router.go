package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/listashare/eventrelay/outbox"
)

const (
	defaultDeadLimit = 50
	maxDeadLimit     = 500
	checkTimeout     = 3 * time.Second
)

// OutboxReader is the read side of the outbox store used by the ops
// endpoints.
type OutboxReader interface {
	CountByStatus(ctx context.Context) (map[outbox.Status]int64, error)
	FindDead(ctx context.Context, limit int) ([]*outbox.OutboxRecord, error)
}

// Ticker runs one relay cycle on demand.
type Ticker interface {
	ProcessOnce(ctx context.Context) (outbox.CycleReport, error)
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Deps are the collaborators exposed by the router. Nil members disable the
// matching endpoints.
type Deps struct {
	Outbox  OutboxReader
	Relay   Ticker
	Checks  map[string]Check
	Metrics http.Handler
	Logger  outbox.Logger
}

type deadRecord struct {
	EventId       uuid.UUID  `json:"eventId"`
	EventType     string     `json:"eventType"`
	AggregateType string     `json:"aggregateType"`
	AggregateId   string     `json:"aggregateId"`
	OccurredOn    time.Time  `json:"occurredOn"`
	Attempts      int        `json:"attempts"`
	LastError     *string    `json:"lastError,omitempty"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`
}

type cycleReport struct {
	Claimed     int `json:"claimed"`
	Published   int `json:"published"`
	Failed      int `json:"failed"`
	Dead        int `json:"dead"`
	Released    int `json:"released"`
	Skipped     int `json:"skipped"`
	Undelivered int `json:"undelivered"`
}

// NewRouter builds the ops HTTP surface.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = &outbox.NopLogger{}
	}
	h := &handlers{deps: d}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", h.health)
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics))
	}
	if d.Outbox != nil {
		router.GET("/outbox/stats", h.stats)
		router.GET("/outbox/dead", h.dead)
	}
	if d.Relay != nil {
		router.POST("/outbox/relay/tick", h.tick)
	}
	return router
}

type handlers struct {
	deps Deps
}

func (h *handlers) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}

func (h *handlers) stats(c *gin.Context) {
	counts, err := h.deps.Outbox.CountByStatus(c.Request.Context())
	if err != nil {
		h.deps.Logger.Error("outbox stats failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := gin.H{}
	for _, s := range []outbox.Status{outbox.StatusPending, outbox.StatusPublished, outbox.StatusDead} {
		out[string(s)] = counts[s]
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) dead(c *gin.Context) {
	limit := defaultDeadLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxDeadLimit)
	}

	records, err := h.deps.Outbox.FindDead(c.Request.Context(), limit)
	if err != nil {
		h.deps.Logger.Error("listing dead records failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]deadRecord, 0, len(records))
	for _, r := range records {
		out = append(out, deadRecord{
			EventId:       r.EventId,
			EventType:     r.EventType,
			AggregateType: r.AggregateType,
			AggregateId:   r.AggregateId,
			OccurredOn:    r.OccurredOn,
			Attempts:      r.Attempts,
			LastError:     r.LastError,
			NextRetryAt:   r.NextRetryAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) tick(c *gin.Context) {
	r, err := h.deps.Relay.ProcessOnce(c.Request.Context())
	if err != nil {
		h.deps.Logger.Error("manual relay cycle failed", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cycleReport(r))
}
