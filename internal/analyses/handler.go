package analyses

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"powerquality-backend/internal/shared/server/respond"
	"powerquality-backend/internal/shared/telemetry"
)

// multipart overhead allowed on top of the dataset limit
const formOverheadBytes = 1 << 20

// Handler wires HTTP handlers to the analyses service.
type Handler struct {
	Svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{Svc: svc}
}

// RegisterRoutes attaches analysis routes to the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/analyses", h.create)
	rg.GET("/analyses", h.list)
	rg.GET("/analyses/:id", h.get)
	rg.GET("/analyses/:id/report", h.report)
	rg.POST("/analyses/:id/cancel", h.cancel)
	rg.POST("/analyses/:id/retry", h.retry)
	rg.POST("/analyses/:id/reprocess", h.reprocess)
	rg.DELETE("/analyses/:id", h.delete)
}

func (h *Handler) create(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.Svc.maxInputBytes()+formOverheadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds upload limit", nil)
			return
		}
		respond.Error(c, http.StatusBadRequest, "validation_error", "file is required", nil)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "validation_error", "unable to read file", nil)
		return
	}
	defer file.Close()

	contentType := fileHeader.Header.Get("Content-Type")
	rec, err := h.Svc.Create(requestContext(c), CreateInput{
		FileName:     fileHeader.Filename,
		ContentType:  contentType,
		LanguageCode: c.PostForm("languageCode"),
		Body:         file,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrMissingFile):
			respond.Error(c, http.StatusBadRequest, "validation_error", "a valid file is required", nil)
		case errors.Is(err, ErrFileTooLarge):
			respond.Error(c, http.StatusRequestEntityTooLarge, "file_too_large", "file exceeds upload limit", nil)
		default:
			respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to start analysis", nil)
		}
		return
	}

	c.Set("analysisId", rec.ID)
	c.Set("statusTransition", string(StatusUploading)+"->"+string(rec.Status))
	respond.JSON(c, http.StatusAccepted, gin.H{
		"analysisId": rec.ID,
		"status":     rec.Status,
	})
}

func (h *Handler) get(c *gin.Context) {
	rec, err := h.Svc.Get(requestContext(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "failed to fetch analysis")
		return
	}
	respond.JSON(c, http.StatusOK, rec)
}

func (h *Handler) list(c *gin.Context) {
	limit := 20
	offset := 0
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}
	if offset < 0 {
		offset = 0
	}

	records, err := h.Svc.List(requestContext(c), limit, offset)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to list analyses", nil)
		return
	}

	items := make([]gin.H, 0, len(records))
	for _, rec := range records {
		items = append(items, gin.H{
			"id":        rec.ID,
			"status":    rec.Status,
			"progress":  rec.Progress,
			"fileName":  rec.FileName,
			"createdAt": rec.CreatedAt,
			"updatedAt": rec.UpdatedAt,
		})
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) report(c *gin.Context) {
	body, rec, err := h.Svc.OpenReport(requestContext(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "failed to open report")
		return
	}
	defer body.Close()

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		telemetry.Warn("analysis.report.stream_failed", map[string]any{
			"analysis_id": rec.ID,
			"request_id":  c.GetString("requestId"),
			"error":       sanitizeError(err),
		})
	}
}

func (h *Handler) cancel(c *gin.Context) {
	rec, err := h.Svc.RequestCancel(requestContext(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "failed to cancel analysis")
		return
	}
	respond.JSON(c, http.StatusAccepted, gin.H{"analysisId": rec.ID, "status": rec.Status})
}

func (h *Handler) retry(c *gin.Context) {
	rec, err := h.Svc.Retry(requestContext(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "failed to retry analysis")
		return
	}
	c.Set("statusTransition", string(StatusError)+"->"+string(rec.Status))
	respond.JSON(c, http.StatusAccepted, gin.H{"analysisId": rec.ID, "status": rec.Status})
}

func (h *Handler) reprocess(c *gin.Context) {
	rec, err := h.Svc.Reprocess(requestContext(c), c.Param("id"))
	if err != nil {
		writeServiceError(c, err, "failed to reprocess analysis")
		return
	}
	c.Set("statusTransition", string(StatusCompleted)+"->"+string(rec.Status))
	respond.JSON(c, http.StatusAccepted, gin.H{"analysisId": rec.ID, "status": rec.Status})
}

func (h *Handler) delete(c *gin.Context) {
	if err := h.Svc.Delete(requestContext(c), c.Param("id")); err != nil {
		writeServiceError(c, err, "failed to delete analysis")
		return
	}
	c.Status(http.StatusNoContent)
}

func writeServiceError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respond.Error(c, http.StatusNotFound, "not_found", "analysis not found", nil)
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStatusConflict):
		respond.Error(c, http.StatusConflict, "invalid_state", "analysis is not in a state that allows this action", nil)
	case errors.Is(err, ErrReportNotReady):
		respond.Error(c, http.StatusConflict, "report_not_ready", "report is not available yet", nil)
	default:
		respond.Error(c, http.StatusInternalServerError, "internal_error", fallback, nil)
	}
}

func requestContext(c *gin.Context) context.Context {
	if id := c.Param("id"); id != "" {
		c.Set("analysisId", id)
	}
	return WithRequestID(c.Request.Context(), c.GetString("requestId"))
}
