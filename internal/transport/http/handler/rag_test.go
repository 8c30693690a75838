package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"studymate/internal/ai"
	"studymate/internal/app"
	"studymate/internal/chunker"
	"studymate/internal/model"
	"studymate/internal/platform/rabbitmq"
	"studymate/internal/rag"
	"studymate/internal/repository"
	"studymate/internal/transport/http/middleware"
	"studymate/internal/transport/http/response"
	"studymate/internal/vectorindex"
)

type echoGenerator struct{}

func (echoGenerator) Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResult, error) {
	return &ai.GenerateResult{Text: "answer from context"}, nil
}

type recordingQueue struct {
	jobs []rabbitmq.IngestJob
	err  error
}

func (q *recordingQueue) Publish(ctx context.Context, job rabbitmq.IngestJob) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newService(t *testing.T) *app.RAGService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.Document{}, &model.Chunk{}))

	docs := repository.NewDocumentRepository(db)
	chunks := repository.NewChunkRepository(db)
	index := vectorindex.New()
	embedder := ai.NewHashEmbedder(64)
	splitter, err := chunker.New(200, 20)
	require.NoError(t, err)

	retriever := rag.NewRetriever(embedder, index, chunks, nil, rag.WithSourceResolver(docs))
	assembler := rag.NewAssembler(echoGenerator{}, rag.AssemblerConfig{}, nil)
	return app.NewRAGService(docs, chunks, index, nil, embedder, splitter, retriever, assembler, app.RAGConfig{UserScoped: true}, nil)
}

// newRouter authenticates every request as user 1.
func newRouter(h *RAGHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserIDKey, uint(1))
		c.Next()
	})
	r.POST("/documents", h.UploadDocument)
	r.POST("/documents/text", h.CreateTextDocument)
	r.GET("/documents", h.ListDocuments)
	r.GET("/documents/:id", h.GetDocument)
	r.DELETE("/documents/:id", h.DeleteDocument)
	r.POST("/ask", h.Ask)
	r.GET("/index/stats", h.IndexStats)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func upload(t *testing.T, r http.Handler, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRAGHandler_DocumentLifecycle(t *testing.T) {
	r := newRouter(NewRAGHandler(newService(t), nil, 1<<20, nil))

	rec, body := do(t, r, http.MethodPost, "/documents/text", gin.H{"name": "bio.txt", "content": "Mitochondria produce ATP for the cell."})
	require.Equal(t, http.StatusOK, rec.Code)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(1), data["chunk_count"])
	docID := data["document"].(map[string]any)["id"].(string)

	rec, body = do(t, r, http.MethodGet, "/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"], 1)

	rec, body = do(t, r, http.MethodPost, "/ask", gin.H{"question": "What do mitochondria produce?"})
	require.Equal(t, http.StatusOK, rec.Code)
	answer := body["data"].(map[string]any)
	assert.Equal(t, "answer from context", answer["text"])
	assert.Equal(t, false, answer["error"])
	require.Len(t, answer["citations"], 1)

	rec, _ = do(t, r, http.MethodDelete, "/documents/"+docID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, r, http.MethodGet, "/documents/"+docID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, float64(response.CodeDocumentNotFound), body["code"])

	rec, body = do(t, r, http.MethodGet, "/index/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["data"].(map[string]any)["chunks"])
}

func TestRAGHandler_Upload(t *testing.T) {
	r := newRouter(NewRAGHandler(newService(t), nil, 1<<20, nil))

	rec := upload(t, r, "notes.txt", []byte("Osmosis moves water across membranes."))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = upload(t, r, "notes.docx", []byte("whatever"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = upload(t, r, "scan.pdf", []byte("%PDF-1.4 not really"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":42201`)
}

func TestRAGHandler_AsyncUpload(t *testing.T) {
	svc := newService(t)
	queue := &recordingQueue{}
	r := newRouter(NewRAGHandler(svc, queue, 1<<20, nil))

	rec := upload(t, r, "notes.txt", []byte("Osmosis moves water across membranes."))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, uint(1), queue.jobs[0].UserID)

	doc, err := svc.GetDocument(context.Background(), 1, queue.jobs[0].DocumentID)
	require.NoError(t, err)
	assert.Equal(t, model.DocumentUploaded, doc.Status)

	// a broker outage falls back to inline ingestion
	queue.err = errors.New("broker down")
	rec = upload(t, r, "more.txt", []byte("Diffusion spreads solutes."))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRAGHandler_BadRequests(t *testing.T) {
	r := newRouter(NewRAGHandler(newService(t), nil, 1<<20, nil))

	rec, _ := do(t, r, http.MethodPost, "/ask", gin.H{"top_k": 3})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, r, http.MethodPost, "/documents/text", gin.H{"name": "empty"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, r, http.MethodDelete, "/documents/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
