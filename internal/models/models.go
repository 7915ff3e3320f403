package models

import (
	"time"

	lexutil "github.com/bluesky-social/indigo/lex/util"
)

// MediaKind classifies a source media attachment.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaAnimated MediaKind = "animated" // GIF-style loops delivered as mp4
)

// VideoVariant is one encoding of a source video.
type VideoVariant struct {
	URL         string
	ContentType string
	Bitrate     int64 // bits per second, 0 when unknown
}

// MediaDescriptor describes one attachment of a source item. It is read-only input.
type MediaDescriptor struct {
	Kind     MediaKind
	URL      string // direct URL of the image, or the default video URL
	PageURL  string // source-platform page showing this attachment, if any
	AltText  string
	Width    int64
	Height   int64
	Duration time.Duration // 0 when the source does not report it
	Variants []VideoVariant
}

// Link pairs the link text as it appears in the source with its resolved target.
type Link struct {
	Short    string
	Resolved string
}

// QuotedItem is the item a source item quotes.
type QuotedItem struct {
	ID           string
	AuthorHandle string
	URL          string
	Text         string
}

// SourceItem is one unit of content fetched from the source feed.
// Items are fetched fresh each cycle and never persisted directly.
type SourceItem struct {
	ID              string
	AuthorHandle    string
	AuthorID        string
	URL             string // permalink on the source platform
	Text            string // plain text, HTML already removed by the fetcher
	CreatedAt       time.Time
	ReplyToID       string
	ReplyToAuthorID string
	Quote           *QuotedItem
	Media           []MediaDescriptor
	Links           []Link
}

// DeliveryStatus is the terminal classification of a source item.
type DeliveryStatus string

const (
	StatusMigrated DeliveryStatus = "migrated"
	StatusSkipped  DeliveryStatus = "skipped"
	StatusFailed   DeliveryStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusMigrated, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// PostRef identifies a destination post: its AT URI and content hash (CID).
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// IsZero reports whether the reference is empty.
func (r PostRef) IsZero() bool {
	return r.URI == "" || r.CID == ""
}

// DeliveryRecord is the durable outcome of handling one source item for one
// destination account. Corresponds to the 'deliveries' table.
type DeliveryRecord struct {
	SourceID           string         `json:"source_id"`
	DestinationAccount string         `json:"destination_account"`
	SourceHandle       string         `json:"source_handle"`
	Status             DeliveryStatus `json:"status"`
	Root               PostRef        `json:"root"`
	Head               PostRef        `json:"head"`
	SourceText         string         `json:"source_text,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// IsLinkable reports whether the record points at an accepted destination post
// that replies and quotes can attach to. Records that are not linkable are
// placeholders and count as absent during thread and quote resolution.
func (r *DeliveryRecord) IsLinkable() bool {
	return r != nil && r.Status == StatusMigrated && !r.Head.IsZero()
}

// ThreadRoot returns the root of the destination thread this record belongs to.
func (r *DeliveryRecord) ThreadRoot() PostRef {
	if r.Root.IsZero() {
		return r.Head
	}
	return r.Root
}

// MediaAsset is the working state of one attachment during processing.
// It is never persisted beyond the item it belongs to.
type MediaAsset struct {
	SourceURL   string
	Data        []byte
	ContentType string
	Ceiling     int64
	Blob        *lexutil.LexBlob
}

// PendingBackfill is a queued historical import. It lives only as long as the process.
type PendingBackfill struct {
	Account    string    `json:"account"`
	Limit      int       `json:"limit"`
	Sequence   uint64    `json:"sequence"`
	RequestID  string    `json:"request_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Session is a cached destination login. Corresponds to the 'sessions' table.
type Session struct {
	Identifier string
	DID        string
	Handle     string
	AccessJwt  string
	RefreshJwt string
	UpdatedAt  time.Time
}
