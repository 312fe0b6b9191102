package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cyruslayo/buildr/internal/auth"
	apperrors "github.com/cyruslayo/buildr/internal/errors"
	"github.com/cyruslayo/buildr/internal/models"
	"github.com/cyruslayo/buildr/internal/reconcile"
	"github.com/gin-gonic/gin"
)

type draftHandler struct {
	svc    *reconcile.Service
	logger *slog.Logger
}

// Sync is POST /api/drafts/sync.
func (h *draftHandler) Sync(c *gin.Context) {
	owner := auth.RequestUserID(c.Request.Context())

	var req models.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.SyncResponse{Error: "invalid request body"})
		return
	}

	resp, err := h.svc.UpdatePropertyDraft(c.Request.Context(), owner, req)
	if err != nil {
		status, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("draft sync failed",
				slog.String("owner", owner),
				slog.String("error", err.Error()),
			)
		}

		c.JSON(status, models.SyncResponse{Error: msg})

		return
	}

	if resp.Error == models.ErrorConflict {
		c.JSON(http.StatusConflict, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// List is GET /api/drafts.
func (h *draftHandler) List(c *gin.Context) {
	recs, err := h.svc.List(c.Request.Context(), auth.RequestUserID(c.Request.Context()))
	if err != nil {
		h.logger.Error("listing drafts", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})

		return
	}

	if recs == nil {
		recs = []models.Record{}
	}

	c.JSON(http.StatusOK, gin.H{"drafts": recs})
}

// Get is GET /api/drafts/:id.
func (h *draftHandler) Get(c *gin.Context) {
	rec, err := h.svc.Get(c.Request.Context(), auth.RequestUserID(c.Request.Context()), c.Param("id"))
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, gin.H{"error": msg})

		return
	}

	c.JSON(http.StatusOK, rec)
}

// errorStatus maps service errors to an HTTP status and a message safe
// to show the caller.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrForbidden):
		return http.StatusForbidden, apperrors.ErrForbidden.Error()
	case errors.Is(err, apperrors.ErrDraftNotFound):
		return http.StatusNotFound, apperrors.ErrDraftNotFound.Error()
	case errors.Is(err, apperrors.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
