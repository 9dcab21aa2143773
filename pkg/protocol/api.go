// Package protocol defines the API request/response types.
package protocol

import (
	"github.com/liuyunc/mkviewer/pkg/models"
)

// DocumentListResponse is returned by GET /api/v1/documents
type DocumentListResponse struct {
	Documents []models.DocumentRef `json:"documents"`
}

// TreeResponse is returned by GET /api/v1/tree
type TreeResponse struct {
	Prefix string           `json:"prefix"`
	Root   *models.TreeNode `json:"root"`
	Dirs   int              `json:"dirs"`
	Files  int              `json:"files"`
}

// DocumentResponse is returned by GET /api/v1/documents/{key}
type DocumentResponse struct {
	Key         string         `json:"key"`
	Fingerprint string         `json:"etag"`
	Type        models.DocType `json:"doc_type"`
	Text        string         `json:"text"`
	HTML        string         `json:"html"`
}

// DownloadResponse is returned by GET /api/v1/download/{key}
type DownloadResponse struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

// SyncResponse is returned by POST /api/v1/sync
type SyncResponse struct {
	models.SyncOutcome
	Message string `json:"message"`
}

// SearchResponse is returned by GET /api/v1/search
type SearchResponse struct {
	Query string             `json:"query"`
	Hits  []models.SearchHit `json:"hits"`
}

// CacheClearResponse is returned by DELETE /api/v1/cache
type CacheClearResponse struct {
	Evicted int `json:"evicted"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// SyncEvent is published to SSE subscribers and the optional Kafka topic.
type SyncEvent struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	Updated   int    `json:"updated,omitempty"`
	Removed   int    `json:"removed,omitempty"`
	Errors    int    `json:"errors,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
