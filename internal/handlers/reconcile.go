package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/services"
)

type ReconcileHandler struct {
	log        *logger.Logger
	reconciler services.Reconciler
}

func NewReconcileHandler(log *logger.Logger, reconciler services.Reconciler) *ReconcileHandler {
	return &ReconcileHandler{
		log:        log.With("handler", "ReconcileHandler"),
		reconciler: reconciler,
	}
}

// GET /api/admin/reconcile
// Read-only report of stuck work.
func (h *ReconcileHandler) Scan(c *gin.Context) {
	report, err := h.reconciler.Scan(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, report)
}

// POST /api/admin/reconcile
// Resets stuck documents and clears stale reservations.
func (h *ReconcileHandler) Reconcile(c *gin.Context) {
	report, err := h.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, report)
}
