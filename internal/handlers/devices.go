package handlers

import (
	"net/http"

	"rointe_sync/internal/command"
	"rointe_sync/internal/models"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK          = "ok"
	statusLoggedIn    = "logged_in"
	statusLoggedOut   = "logged_out"
	statusModeSet     = "mode_set"
	statusTempSet     = "temperature_set"
	statusScheduleSet = "schedule_set"
	statusDiscovered  = "discovered"
	errDeviceNotFound = "device not found"

	errInvalidBodyPref = "invalid body: "
)

// Request DTO for setting mode. Exactly one field is set.
type modeRequest struct {
	// Vendor mode. Allowed: off, comfort, eco, ice
	Mode string `json:"mode,omitempty" example:"eco"`
	// Host HVAC mode. Allowed: off, heat
	HVACMode string `json:"hvac_mode,omitempty" example:"heat"`
}

// Request DTO for setting the target temperature.
type temperatureRequest struct {
	// Target in °C, validated against the range of the current mode
	Temperature *float64 `json:"temperature" binding:"required" example:"21"`
}

// Request DTO for switching between the weekly program and manual control.
type scheduleRequest struct {
	// true follows the device's weekly program, false is manual control
	Auto *bool `json:"auto" binding:"required" example:"true"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Installation tree
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, installations"
// @Router       /api/v1/installations [get]
// @Security     BearerAuth
func (h *Handler) getTree(c *gin.Context) {
	tree := h.services.Tree()
	c.JSON(http.StatusOK, gin.H{"count": len(tree), "installations": tree})
}

// @Summary      List devices
// @Tags         devices
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, devices"
// @Router       /api/v1/devices [get]
// @Security     BearerAuth
func (h *Handler) getDevices(c *gin.Context) {
	devices := h.services.Devices()
	c.JSON(http.StatusOK, gin.H{"count": len(devices), "devices": devices})
}

// @Summary      Get device
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Device id"
// @Success      200  {object}  models.Device
// @Failure      404  {object}  map[string]string
// @Router       /api/v1/devices/{id} [get]
// @Security     BearerAuth
func (h *Handler) getDevice(c *gin.Context) {
	dev, ok := h.services.Device(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": errDeviceNotFound})
		return
	}
	c.JSON(http.StatusOK, dev)
}

// respondWithDevice includes the device's current state next to the status (best-effort).
func (h *Handler) respondWithDevice(c *gin.Context, status, id string) {
	resp := gin.H{"status": status}
	if dev, ok := h.services.Device(id); ok {
		resp["device"] = dev
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary      Set mode
// @Description  Either a vendor mode or a host HVAC mode; heat resumes the last preset
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path      string       true  "Device id"
// @Param        body  body      modeRequest  true  "Mode payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      422   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/devices/{id}/mode [post]
// @Security     BearerAuth
func (h *Handler) setMode(c *gin.Context) {
	var req modeRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	if (req.Mode == "") == (req.HVACMode == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + "exactly one of mode or hvac_mode is required"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	var err error
	if req.Mode != "" {
		var m models.Mode
		if m, err = models.ParseMode(req.Mode); err != nil {
			err = &command.Error{Kind: command.OutOfRange, Err: err}
		} else {
			err = h.services.SetMode(ctx, id, m)
		}
	} else {
		var hm models.HVACMode
		if hm, err = models.ParseHVACMode(req.HVACMode); err != nil {
			err = &command.Error{Kind: command.OutOfRange, Err: err}
		} else {
			err = h.services.SetHVACMode(ctx, id, hm)
		}
	}
	if err != nil {
		h.logAndJSONError(c, err, "device_set_mode_failed", "device_id", id, "mode", req.Mode, "hvac_mode", req.HVACMode)
		return
	}
	h.respondWithDevice(c, statusModeSet, id)
}

// @Summary      Set target temperature
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path      string              true  "Device id"
// @Param        body  body      temperatureRequest  true  "Temperature payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      422   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/devices/{id}/temperature [post]
// @Security     BearerAuth
func (h *Handler) setTemperature(c *gin.Context) {
	var req temperatureRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	id := c.Param("id")
	if err := h.services.SetTemperature(c.Request.Context(), id, *req.Temperature); err != nil {
		h.logAndJSONError(c, err, "device_set_temperature_failed", "device_id", id, "temperature", *req.Temperature)
		return
	}
	h.respondWithDevice(c, statusTempSet, id)
}

// @Summary      Set schedule mode
// @Description  Enabling the weekly program also powers the unit on
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        id    path      string           true  "Device id"
// @Param        body  body      scheduleRequest  true  "Schedule payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      404   {object}  map[string]string
// @Failure      422   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/devices/{id}/schedule [post]
// @Security     BearerAuth
func (h *Handler) setSchedule(c *gin.Context) {
	var req scheduleRequest
	if ok := h.bindJSONOrBadRequest(c, &req); !ok {
		return
	}
	id := c.Param("id")
	if err := h.services.SetScheduleMode(c.Request.Context(), id, *req.Auto); err != nil {
		h.logAndJSONError(c, err, "device_set_schedule_failed", "device_id", id, "auto", *req.Auto)
		return
	}
	h.respondWithDevice(c, statusScheduleSet, id)
}

// @Summary      Re-run discovery
// @Description  On failure the current tree is kept and the sync status turns degraded
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/discover [post]
// @Security     BearerAuth
func (h *Handler) discover(c *gin.Context) {
	if err := h.services.Discover(c.Request.Context()); err != nil {
		h.logAndJSONError(c, err, "discover_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusDiscovered, "devices": len(h.services.Devices())})
}

// @Summary      Sync status
// @Tags         system
// @Produce      json
// @Success      200  {object}  service.SyncStatus
// @Router       /api/v1/sync [get]
// @Security     BearerAuth
func (h *Handler) getSync(c *gin.Context) {
	c.JSON(http.StatusOK, h.services.Status())
}
