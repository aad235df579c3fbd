package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Vendor account credentials. The password is passed through once and never stored.
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// bindJSONOrBadRequest tries to bind the request body into dst and writes a 400 JSON on failure.
// Returns false if the request was already handled (aborted), true otherwise.
func (h *Handler) bindJSONOrBadRequest(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		if h.log != nil {
			h.log.Infow("bad_request_body", "path", c.FullPath(), "err", err)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return false
	}
	return true
}

// @Summary      Log in to the vendor account
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        body  body      loginRequest  true  "Vendor credentials"
// @Success      200   {object}  map[string]string
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /auth/login [post]
// @Security     BearerAuth
func (h *Handler) login(c *gin.Context) {
	var input loginRequest
	if ok := h.bindJSONOrBadRequest(c, &input); !ok {
		return
	}

	if err := h.services.Login(c.Request.Context(), input.Email, input.Password); err != nil {
		h.logAndJSONError(c, err, "auth_login_failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": statusLoggedIn})
}

// @Summary      Log out and forget the stored session
// @Tags         auth
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /auth/logout [post]
// @Security     BearerAuth
func (h *Handler) logout(c *gin.Context) {
	if err := h.services.Logout(c.Request.Context()); err != nil {
		h.logAndJSONError(c, err, "auth_logout_failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": statusLoggedOut})
}
