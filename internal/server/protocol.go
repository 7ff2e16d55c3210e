// Package server implements the persistent daemon that keeps index readers
// warm and serves queries over a local socket, plus the client stub.
//
// The wire protocol frames every message as a 4-byte little-endian length
// followed by UTF-8 JSON. Each message carries a "type" tag with its
// remaining fields at the same level.
package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the largest accepted payload. Oversize frames close the
// connection.
const MaxFrameSize = 100 << 20

// ProtocolError reports a malformed frame or message.
type ProtocolError struct {
	Kind string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s", e.Kind)
}

// Request type tags.
const (
	TypeSearch        = "Search"
	TypeContentSearch = "ContentSearch"
	TypeStatus        = "Status"
	TypeReload        = "Reload"
	TypeShutdown      = "Shutdown"
	TypePing          = "Ping"
)

// Response type tags.
const (
	TypeReloaded     = "Reloaded"
	TypeShuttingDown = "ShuttingDown"
	TypePong         = "Pong"
	TypeError        = "Error"
)

// ContentSearchOptions mirrors the grep-style flags of a content search.
type ContentSearchOptions struct {
	ContextBefore   int  `json:"context_before"`
	ContextAfter    int  `json:"context_after"`
	CaseInsensitive bool `json:"case_insensitive"`
	FilesOnly       bool `json:"files_only"`
}

// Request is the decoded union of every request type; Type selects which
// fields are meaningful.
type Request struct {
	Type     string               `json:"type"`
	Query    string               `json:"query,omitempty"`
	Pattern  string               `json:"pattern,omitempty"`
	RootPath string               `json:"root_path,omitempty"`
	Limit    int                  `json:"limit,omitempty"`
	Options  ContentSearchOptions `json:"options,omitempty"`
}

// SearchMatch is one ranked result of a Search request.
type SearchMatch struct {
	DocID      uint32  `json:"doc_id"`
	Path       string  `json:"path"`
	LineNumber uint32  `json:"line_number"`
	Score      float64 `json:"score"`
}

// SearchResponse answers a Search request.
type SearchResponse struct {
	Type       string        `json:"type"`
	Matches    []SearchMatch `json:"matches"`
	DurationMS float64       `json:"duration_ms"`
	Cached     bool          `json:"cached"`
}

// ContextLine serializes as a [line_no, text] pair.
type ContextLine struct {
	LineNumber uint32
	Text       string
}

// MarshalJSON encodes the pair form.
func (c ContextLine) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{c.LineNumber, c.Text})
}

// UnmarshalJSON decodes the pair form.
func (c *ContextLine) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &c.LineNumber); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &c.Text)
}

// ContentMatch is one line hit of a content search.
type ContentMatch struct {
	Path          string        `json:"path"`
	LineNumber    uint32        `json:"line_number"`
	LineContent   string        `json:"line_content"`
	MatchStart    int           `json:"match_start"`
	MatchEnd      int           `json:"match_end"`
	ContextBefore []ContextLine `json:"context_before"`
	ContextAfter  []ContextLine `json:"context_after"`
}

// ContentSearchResponse answers a ContentSearch request.
type ContentSearchResponse struct {
	Type             string         `json:"type"`
	Matches          []ContentMatch `json:"matches"`
	DurationMS       float64        `json:"duration_ms"`
	FilesWithMatches int            `json:"files_with_matches"`
}

// StatusResponse answers a Status request.
type StatusResponse struct {
	Type          string   `json:"type"`
	UptimeSecs    uint64   `json:"uptime_secs"`
	IndexesLoaded int      `json:"indexes_loaded"`
	TotalDocs     uint32   `json:"total_docs"`
	QueriesServed uint64   `json:"queries_served"`
	CacheHitRate  float64  `json:"cache_hit_rate"`
	MemoryBytes   uint64   `json:"memory_bytes"`
	LoadedRoots   []string `json:"loaded_roots"`
}

// ReloadedResponse answers a Reload request.
type ReloadedResponse struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SimpleResponse covers Pong and ShuttingDown.
type SimpleResponse struct {
	Type string `json:"type"`
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WriteMessage frames and writes one JSON message.
func WriteMessage(w io.Writer, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return &ProtocolError{Kind: "encode: " + err.Error()}
	}
	if len(payload) > MaxFrameSize {
		return &ProtocolError{Kind: "oversize frame"}
	}
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed payload. Oversize frames yield a
// ProtocolError; the caller must close the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, &ProtocolError{Kind: "oversize frame"}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadRequest reads and decodes one request.
func ReadRequest(r io.Reader) (*Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &ProtocolError{Kind: "bad json: " + err.Error()}
	}
	if req.Type == "" {
		return nil, &ProtocolError{Kind: "missing type"}
	}
	return &req, nil
}

// ReadResponse reads one response frame, decoding it by its type tag into
// the matching concrete struct.
func ReadResponse(r io.Reader) (any, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &ProtocolError{Kind: "bad json: " + err.Error()}
	}

	decode := func(v any) (any, error) {
		if err := json.Unmarshal(payload, v); err != nil {
			return nil, &ProtocolError{Kind: "bad json: " + err.Error()}
		}
		return v, nil
	}

	switch envelope.Type {
	case TypeSearch:
		return decode(&SearchResponse{})
	case TypeContentSearch:
		return decode(&ContentSearchResponse{})
	case TypeStatus:
		return decode(&StatusResponse{})
	case TypeReloaded:
		return decode(&ReloadedResponse{})
	case TypePong, TypeShuttingDown:
		return decode(&SimpleResponse{})
	case TypeError:
		return decode(&ErrorResponse{})
	default:
		return nil, &ProtocolError{Kind: "unknown response type " + envelope.Type}
	}
}
