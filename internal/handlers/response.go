package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/govpress/docaudio-backend/internal/services"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// respondServiceError maps the conversion error taxonomy onto HTTP codes.
func respondServiceError(c *gin.Context, err error) {
	var ce *services.ConversionError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case services.KindNotFound:
			RespondError(c, http.StatusNotFound, "not_found", err)
			return
		case services.KindValidation:
			RespondError(c, http.StatusUnprocessableEntity, "validation", err)
			return
		}
	}
	RespondError(c, http.StatusInternalServerError, "internal", err)
}
