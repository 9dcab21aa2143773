// Package models contains the data types shared by the viewer engine,
// the HTTP API and the CLI.
package models

import (
	"fmt"
	"strings"
)

// DocType is the detected document format.
type DocType string

const (
	TypeMarkdown DocType = "markdown"
	TypeDocx     DocType = "docx"
	TypeDoc      DocType = "doc"
)

// DocumentRef describes one previewable object from a storage listing.
// It is rebuilt on every listing and never persisted.
type DocumentRef struct {
	Key         string  `json:"key"`
	Ext         string  `json:"ext"`
	Fingerprint string  `json:"etag"`
	Type        DocType `json:"doc_type"`
}

// Title returns the last path segment of the key.
func (d DocumentRef) Title() string {
	return TitleOf(d.Key)
}

// TitleOf returns the last path segment of a storage key.
func TitleOf(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[i+1:]
	}
	return key
}

// CacheEntry is a converted document held by the fingerprint cache.
// Render is the format-specific preview payload (HTML markup).
type CacheEntry struct {
	Key         string  `json:"key"`
	Fingerprint string  `json:"etag"`
	Type        DocType `json:"doc_type"`
	Text        string  `json:"text"`
	Render      string  `json:"html"`
}

// IndexRecord is the document stored in the search backend under ID.
type IndexRecord struct {
	ID          string `json:"-"`
	Path        string `json:"path"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	Fingerprint string `json:"etag"`
	Ext         string `json:"ext"` // document type: markdown, docx or doc
}

// ItemError records a per-document failure during reconciliation.
type ItemError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// SyncOutcome summarizes one reconciliation run.
type SyncOutcome struct {
	Updated int         `json:"updated"`
	Removed int         `json:"removed"`
	Skipped int         `json:"skipped"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// maxReportedErrors caps how many item errors Message spells out.
const maxReportedErrors = 5

// Message renders a one-line human readable status for the run.
func (o *SyncOutcome) Message() string {
	msg := fmt.Sprintf("index sync complete: updated %d, removed %d", o.Updated, o.Removed)
	if len(o.Errors) == 0 {
		return msg
	}
	n := len(o.Errors)
	if n > maxReportedErrors {
		n = maxReportedErrors
	}
	parts := make([]string, 0, n)
	for _, e := range o.Errors[:n] {
		parts = append(parts, e.Key+": "+e.Message)
	}
	msg += "; not indexed: " + strings.Join(parts, ", ")
	if len(o.Errors) > maxReportedErrors {
		msg += fmt.Sprintf(" and %d more", len(o.Errors)-maxReportedErrors)
	}
	return msg
}

// SearchHit is one ranked full-text search result.
type SearchHit struct {
	Key       string   `json:"key"`
	Title     string   `json:"title"`
	Score     float64  `json:"score"`
	Fragments []string `json:"fragments,omitempty"`
	Snippet   string   `json:"snippet,omitempty"`
}

// ObjectInfo is one object reported by the object store.
// Fingerprint is the store's ETag with surrounding quotes removed.
type ObjectInfo struct {
	Key         string `json:"key"`
	Fingerprint string `json:"etag"`
	Size        int64  `json:"size"`
}
