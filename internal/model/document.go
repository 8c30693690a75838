package model

import "time"

type DocumentStatus string

const (
	DocumentUploaded   DocumentStatus = "uploaded"
	DocumentProcessing DocumentStatus = "processing"
	DocumentProcessed  DocumentStatus = "processed"
	DocumentFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DocumentStatus) Terminal() bool {
	return s == DocumentProcessed || s == DocumentFailed
}

// CanTransition reports whether a document may move from s to next.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	switch s {
	case DocumentUploaded:
		return next == DocumentProcessing || next == DocumentFailed
	case DocumentProcessing:
		return next == DocumentProcessed || next == DocumentFailed
	}
	return false
}

type Document struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	UserID      uint           `gorm:"not null;index" json:"user_id"`
	Filename    string         `gorm:"size:256;not null" json:"filename"`
	Title       string         `gorm:"size:256" json:"title"`
	SizeBytes   int64          `gorm:"not null" json:"size_bytes"`
	PageCount   int            `json:"page_count"`
	WordCount   int            `json:"word_count"`
	ChunkCount  int            `json:"chunk_count"`
	Fingerprint string         `gorm:"size:64;index" json:"fingerprint"`
	Status      DocumentStatus `gorm:"size:16;not null;index" json:"status"`
	FailReason  string         `gorm:"size:512" json:"fail_reason,omitempty"`
	Retryable   bool           `json:"retryable"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
