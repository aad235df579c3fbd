package handlers

import (
	"errors"
	"net/http"
	"time"

	"rointe_sync/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	errFromInvalid = "invalid 'from' time; use RFC3339 or YYYY-MM-DD"
	errToInvalid   = "invalid 'to' time; use RFC3339 or YYYY-MM-DD"

	layoutDateTime = "2006-01-02 15:04:05"
	layoutDate     = "2006-01-02"
)

// commandQuery is the query string of the command history endpoint.
type commandQuery struct {
	From     string `form:"from"`
	To       string `form:"to"`
	DeviceID string `form:"device_id"`
	Type     string `form:"type"`
	Outcome  string `form:"outcome"`
	Limit    int    `form:"limit" binding:"omitempty,min=1"`
}

// @Summary      Command history
// @Description  Commands sent to the vendor, newest first. A date-only 'to' covers the whole day.
// @Tags         commands
// @Produce      json
// @Param        device_id  query  string  false  "Only commands for this device"  example(6062EC)
// @Param        type       query  string  false  "Command type"  Enums(SET_MODE,SET_TEMPERATURE,SET_SCHEDULE)
// @Param        outcome    query  string  false  "SENT, FAILED (vendor unreachable) or REJECTED (refused or invalid)"  Enums(SENT,FAILED,REJECTED)
// @Param        from       query  string  false  "Start of range (RFC3339, 'YYYY-MM-DD HH:MM:SS' or 'YYYY-MM-DD')"  example(2025-08-01)
// @Param        to         query  string  false  "End of range, inclusive"  example(2025-08-31)
// @Param        limit      query  int     false  "Page size, default 100, at most 1000"
// @Success      200  {object}  map[string]interface{}  "count, commands"
// @Failure      400  {object}  map[string]string
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/commands [get]
// @Security     BearerAuth
func (h *Handler) getCommands(c *gin.Context) {
	var q commandQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query: " + err.Error()})
		return
	}

	f := service.LogFilter{DeviceID: q.DeviceID, Type: q.Type, Outcome: q.Outcome, Limit: q.Limit}
	var err error
	if f.From, err = parseBound(q.From, false); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errFromInvalid})
		return
	}
	if f.To, err = parseBound(q.To, true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errToInvalid})
		return
	}

	records, err := h.services.CommandLog.List(c.Request.Context(), f)
	switch {
	case errors.Is(err, service.ErrInvalidFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		if h.log != nil {
			h.log.Errorw("commands_list_failed", "err", err, "device_id", f.DeviceID, "type", f.Type, "outcome", f.Outcome)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load commands"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":    len(records),
		"commands": records,
	})
}

// parseBound reads an optional range bound. A bare date as the upper bound
// stands for the last instant of that day.
func parseBound(s string, upper bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, layoutDateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	day, err := time.Parse(layoutDate, s)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		day = day.Add(24*time.Hour - time.Nanosecond)
	}
	return day, nil
}
