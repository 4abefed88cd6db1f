package models

import (
	"time"
)

// RawAd is one record as produced by an ad source. Either Text (long-format
// record body) or Ad is set; the text form is parsed on demand during
// conversion so a malformed record is skipped rather than failing the source.
type RawAd struct {
	Origin string // endpoint or file the record came from
	Text   string
	Ad     *Ad
	Err    error // cached parse error
}

// Document is the normalized, JSON-compatible form of an ad paired with its
// deterministic ID. The ID is the upsert key at every sink.
type Document struct {
	ID     string         `json:"_id"`
	Source map[string]any `json:"_source"`
}

// Cursor is an opaque checkpoint value, e.g. {"GlobalJobId": "..."}
type Cursor map[string]any

// Clone returns a shallow copy of the cursor
func (c Cursor) Clone() Cursor {
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Merge overlays partial onto c and returns the result
func (c Cursor) Merge(partial Cursor) Cursor {
	out := c.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// String returns the cursor value stored under key as a string
func (c Cursor) String(key string) string {
	if c == nil {
		return ""
	}
	s, _ := c[key].(string)
	return s
}

// Chunk is the unit of delivery and of checkpoint advancement
type Chunk struct {
	Seq       int
	Documents []Document
	Cursor    Cursor // cursor of the last record in the chunk, nil when unchecked
}

// Len returns the number of documents in the chunk
func (c Chunk) Len() int {
	return len(c.Documents)
}

// PostMetadata describes the context of a PostAds call
type PostMetadata struct {
	RunID    string
	Source   string
	Endpoint string
	Chunk    int
	PostedAt time.Time
}

// PostResult is the per-chunk outcome reported by a sink
type PostResult struct {
	Success int `json:"success"`
	Errors  int `json:"errors"`
}

// ProcessStats summarizes one ProcessAds invocation
type ProcessStats struct {
	Ads       int `json:"ads"`
	Malformed int `json:"malformed"`
	Chunks    int `json:"chunks"`
	Posted    int `json:"posted"`
	Errors    int `json:"errors"`
}
