package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studymate/internal/app"
	"studymate/internal/platform/rabbitmq"
	"studymate/internal/repository"
)

type fakeIngester struct {
	got []app.IngestInput
	err error
}

func (f *fakeIngester) Ingest(ctx context.Context, input app.IngestInput) (*app.IngestResult, error) {
	f.got = append(f.got, input)
	if f.err != nil {
		return nil, f.err
	}
	return &app.IngestResult{ChunkCount: 2}, nil
}

func jobBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(rabbitmq.IngestJob{DocumentID: "doc-1", UserID: 3, Filename: "notes.pdf", Data: []byte("%PDF-1.4")})
	require.NoError(t, err)
	return body
}

func TestHandle_PassesJobThrough(t *testing.T) {
	ing := &fakeIngester{}
	w := NewIngestWorker(nil, ing, "rag.document.ingest", 2, nil)

	assert.Equal(t, outcomeAck, w.handle(context.Background(), jobBody(t), false))
	require.Len(t, ing.got, 1)
	assert.Equal(t, app.IngestInput{UserID: 3, DocumentID: "doc-1", Filename: "notes.pdf", Data: []byte("%PDF-1.4")}, ing.got[0])
}

func TestHandle_Outcomes(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		redelivered bool
		want        outcome
	}{
		{"ingest failure is recorded", &app.IngestError{DocumentID: "doc-1", Err: errors.New("boom")}, false, outcomeAck},
		{"already claimed", fmt.Errorf("%w: busy", repository.ErrInvalidTransition), false, outcomeAck},
		{"unknown document", app.ErrDocumentNotFound, false, outcomeDrop},
		{"bad input", app.ErrInvalidInput, false, outcomeDrop},
		{"transient", errors.New("db down"), false, outcomeRequeue},
		{"transient twice", errors.New("db down"), true, outcomeDrop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewIngestWorker(nil, &fakeIngester{err: tc.err}, "q", 1, nil)
			assert.Equal(t, tc.want, w.handle(context.Background(), jobBody(t), tc.redelivered))
		})
	}
}

func TestHandle_UndecodableJob(t *testing.T) {
	ing := &fakeIngester{}
	w := NewIngestWorker(nil, ing, "q", 1, nil)
	assert.Equal(t, outcomeDrop, w.handle(context.Background(), []byte("{not json"), false))
	assert.Empty(t, ing.got)
}
