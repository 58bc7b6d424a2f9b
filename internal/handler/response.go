package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"geoattend/internal/apperr"
)

// Envelope is the common response contract.
type Envelope struct {
	Data  any            `json:"data,omitempty"`
	Error *apperr.Error  `json:"error,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

func respond(c *gin.Context, status int, data any, meta map[string]any) {
	c.Header("Cache-Control", "no-store")
	c.JSON(status, Envelope{Data: data, Meta: meta})
}

func respondError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(appErr.Status, Envelope{Error: appErr})
}
