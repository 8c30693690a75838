package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"studymate/internal/app"
	"studymate/internal/pkg/pdfextract"
	"studymate/internal/platform/rabbitmq"
	"studymate/internal/rag"
	"studymate/internal/repository"
	"studymate/internal/transport/http/middleware"
	"studymate/internal/transport/http/response"
)

// IngestQueue hands documents to background workers.
type IngestQueue interface {
	Publish(ctx context.Context, job rabbitmq.IngestJob) error
}

type RAGHandler struct {
	ragService *app.RAGService
	queue      IngestQueue
	maxUpload  int64
	logger     *zap.Logger
}

type CreateTextDocumentRequest struct {
	Name    string `json:"name" binding:"max=255"`
	Content string `json:"content" binding:"required"`
}

type AskRequest struct {
	Question    string         `json:"question" binding:"required"`
	DocumentIDs []string       `json:"document_ids"`
	TopK        int            `json:"top_k" binding:"min=0,max=50"`
	History     []rag.Exchange `json:"history"`
}

// NewRAGHandler builds the document and question endpoints. With a nil queue
// uploads are ingested inline.
func NewRAGHandler(ragService *app.RAGService, queue IngestQueue, maxUpload int64, logger *zap.Logger) *RAGHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGHandler{ragService: ragService, queue: queue, maxUpload: maxUpload, logger: logger}
}

// UploadDocument accepts a multipart form with a "file" field holding a PDF or
// plain text document.
func (h *RAGHandler) UploadDocument(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "file too large")
		return
	}
	switch strings.ToLower(filepath.Ext(file.Filename)) {
	case ".pdf", ".txt":
	default:
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "only PDF and TXT files are allowed")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}

	h.ingest(c, userID, filepath.Base(file.Filename), data)
}

// CreateTextDocument ingests raw text sent as JSON.
func (h *RAGHandler) CreateTextDocument(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateTextDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "untitled.txt"
	}
	h.ingest(c, userID, name, []byte(req.Content))
}

func (h *RAGHandler) ingest(c *gin.Context, userID uint, filename string, data []byte) {
	ctx := c.Request.Context()
	if h.queue == nil {
		result, err := h.ragService.Ingest(ctx, app.IngestInput{UserID: userID, Filename: filename, Data: data})
		if err != nil {
			h.ingestError(c, err)
			return
		}
		response.OK(c, result)
		return
	}

	doc, err := h.ragService.Register(ctx, userID, filename, int64(len(data)))
	if err != nil {
		h.ingestError(c, err)
		return
	}
	job := rabbitmq.IngestJob{DocumentID: doc.ID, UserID: userID, Filename: doc.Filename, Data: data}
	if err := h.queue.Publish(ctx, job); err != nil {
		h.logger.Error("enqueue ingest job failed", zap.String("document_id", doc.ID), zap.Error(err))
		// run it here rather than strand the document in uploaded
		result, err := h.ragService.Ingest(ctx, app.IngestInput{UserID: userID, DocumentID: doc.ID, Data: data})
		if err != nil {
			h.ingestError(c, err)
			return
		}
		response.OK(c, result)
		return
	}
	response.Accepted(c, doc)
}

func (h *RAGHandler) ingestError(c *gin.Context, err error) {
	var ingestErr *app.IngestError
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrDocumentNotFound):
		response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
	case errors.Is(err, repository.ErrInvalidTransition):
		response.Error(c, http.StatusConflict, response.CodeDocumentBusy, err.Error())
	case errors.Is(err, pdfextract.ErrUnreadableDocument):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeUnreadableDocument, err.Error())
	case errors.As(err, &ingestErr) && ingestErr.Retryable:
		response.Error(c, http.StatusServiceUnavailable, response.CodeIngestFailed, err.Error())
	case errors.As(err, &ingestErr):
		response.Error(c, http.StatusUnprocessableEntity, response.CodeIngestFailed, err.Error())
	default:
		h.logger.Error("ingest document failed", zap.Error(err))
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "ingest failed")
	}
}

func (h *RAGHandler) ListDocuments(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docs, err := h.ragService.ListDocuments(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "list documents failed")
		return
	}
	response.OK(c, docs)
}

func (h *RAGHandler) GetDocument(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	doc, err := h.ragService.GetDocument(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, app.ErrDocumentNotFound) {
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		} else {
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "get document failed")
		}
		return
	}
	response.OK(c, doc)
}

func (h *RAGHandler) DeleteDocument(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	docID := c.Param("id")
	if err := h.ragService.DeleteDocument(c.Request.Context(), userID, docID); err != nil {
		switch {
		case errors.Is(err, app.ErrDocumentNotFound):
			response.Error(c, http.StatusNotFound, response.CodeDocumentNotFound, err.Error())
		case errors.Is(err, app.ErrDocumentBusy):
			response.Error(c, http.StatusConflict, response.CodeDocumentBusy, err.Error())
		default:
			h.logger.Error("delete document failed", zap.String("document_id", docID), zap.Error(err))
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "delete document failed")
		}
		return
	}
	response.OK(c, gin.H{"deleted_document_id": docID})
}

// Ask always answers 200 with an Answer; provider failures are flagged inside it.
func (h *RAGHandler) Ask(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	answer := h.ragService.Query(c.Request.Context(), app.QueryInput{
		UserID:      userID,
		Question:    req.Question,
		TopK:        req.TopK,
		DocumentIDs: req.DocumentIDs,
		History:     req.History,
	})
	response.OK(c, answer)
}

func (h *RAGHandler) IndexStats(c *gin.Context) {
	stats, err := h.ragService.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "read index stats failed")
		return
	}
	response.OK(c, stats)
}

func (h *RAGHandler) RebuildIndex(c *gin.Context) {
	response.OK(c, h.ragService.RebuildIndex())
}
