package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/govpress/docaudio-backend/internal/services"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

const maxUploadBytes = 100 << 20

type DocumentHandler struct {
	log        *logger.Logger
	docService services.DocumentService
	logService services.ConversionLogService
}

func NewDocumentHandler(log *logger.Logger, docService services.DocumentService, logService services.ConversionLogService) *DocumentHandler {
	return &DocumentHandler{
		log:        log.With("handler", "DocumentHandler"),
		docService: docService,
		logService: logService,
	}
}

// POST /api/documents
// Multipart upload; creates the record and queues conversion.
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	if fileHeader.Size > maxUploadBytes {
		RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_file", err)
		return
	}
	defer file.Close()

	year, _ := strconv.Atoi(c.PostForm("year"))
	doc, err := h.docService.Create(c.Request.Context(), services.CreateDocumentInput{
		Title:            c.PostForm("title"),
		Type:             c.PostForm("type"),
		Year:             year,
		IndicatorRef:     c.PostForm("indicator_ref"),
		Description:      c.PostForm("description"),
		OriginalFilename: fileHeader.Filename,
		MimeType:         fileHeader.Header.Get("Content-Type"),
		FileSize:         fileHeader.Size,
		File:             file,
	})
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

// GET /api/documents
func (h *DocumentHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	docs, err := h.docService.List(c.Request.Context(), c.Query("status"), limit, offset)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"documents": docs})
}

// GET /api/documents/:id
func (h *DocumentHandler) Get(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	doc, err := h.docService.GetByExternalID(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if doc == nil {
		RespondError(c, http.StatusNotFound, "not_found", nil)
		return
	}
	RespondOK(c, doc)
}

// GET /api/documents/:id/status
// Coarse status plus the live progress snapshot when the cache has one.
func (h *DocumentHandler) Status(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	status, err := h.docService.Status(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, status)
}

// GET /api/documents/:id/logs
func (h *DocumentHandler) Logs(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	doc, err := h.docService.GetByExternalID(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if doc == nil {
		RespondError(c, http.StatusNotFound, "not_found", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	entries, err := h.logService.List(c.Request.Context(), doc.ID, limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"entries": entries})
}

// POST /api/documents/:id/reprocess
func (h *DocumentHandler) Reprocess(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	doc, err := h.docService.Reprocess(c.Request.Context(), id, c.GetHeader("X-Actor"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	RespondOK(c, doc)
}

// DELETE /api/documents/:id
func (h *DocumentHandler) Delete(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	actor := c.GetHeader("X-Actor")
	if c.Query("hard") == "true" {
		if err := h.docService.HardDelete(c.Request.Context(), id, actor); err != nil {
			respondServiceError(c, err)
			return
		}
	} else {
		if err := h.docService.SoftDelete(c.Request.Context(), id, actor, c.Query("reason")); err != nil {
			respondServiceError(c, err)
			return
		}
	}
	c.Status(http.StatusNoContent)
}

// POST /api/documents/:id/download
func (h *DocumentHandler) RecordDownload(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	if err := h.docService.RecordDownload(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/documents/:id/play
func (h *DocumentHandler) RecordPlay(c *gin.Context) {
	id, ok := h.externalID(c)
	if !ok {
		return
	}
	if err := h.docService.RecordPlay(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DocumentHandler) externalID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "bad_id", err)
		return uuid.Nil, false
	}
	return id, true
}
