// Package api defines the JSON payloads of the HTTP and WebSocket surface.
package api

import (
	"time"

	"github.com/skobkin/perfsaver/internal/gcwatch"
	"github.com/skobkin/perfsaver/internal/notice"
	"github.com/skobkin/perfsaver/internal/throttle"
	"github.com/skobkin/perfsaver/internal/world"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type     string           `json:"type"`
	Features map[string]bool  `json:"features"`
	Status   *throttle.Status `json:"status,omitempty"`
	Recent   []notice.Notice  `json:"recent"`
}

// NewHelloMessage constructs a hello payload. status is nil when the
// controller is disabled.
func NewHelloMessage(features map[string]bool, status *throttle.Status, recent []notice.Notice) HelloMessage {
	if recent == nil {
		recent = []notice.Notice{}
	}
	return HelloMessage{
		Type:     "hello",
		Features: features,
		Status:   status,
		Recent:   recent,
	}
}

// NoticeMessage wraps a broadcast notice for transport.
type NoticeMessage struct {
	Type string `json:"type"`
	notice.Notice
}

// NewNoticeMessage constructs a notice payload.
func NewNoticeMessage(n notice.Notice) NoticeMessage {
	return NoticeMessage{
		Type:   "notice",
		Notice: n,
	}
}

// StatusMessage wraps a controller snapshot for transport.
type StatusMessage struct {
	Type string `json:"type"`
	throttle.Status
}

// NewStatusMessage constructs a status payload.
func NewStatusMessage(status throttle.Status) StatusMessage {
	return StatusMessage{
		Type:   "status",
		Status: status,
	}
}

// WorldsResponse lists the simulated worlds and the shared view radius.
type WorldsResponse struct {
	ViewRadius int          `json:"view_radius"`
	Worlds     []world.Info `json:"worlds"`
}

// PlayersResponse lists the players of one world.
type PlayersResponse struct {
	World   string         `json:"world"`
	Players []world.Player `json:"players"`
}

// JoinRequest places a player into a world.
type JoinRequest struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Z    float64 `json:"z"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

// GCRun is one observed collection.
type GCRun struct {
	Uptime     time.Duration `json:"uptime_ns"`
	BytesAfter uint64        `json:"bytes_after"`
	Occupancy  float64       `json:"occupancy,omitempty"`
}

// GCHistoryResponse lists the retained collections, oldest first.
type GCHistoryResponse struct {
	HeapLimitBytes uint64  `json:"heap_limit_bytes,omitempty"`
	Runs           []GCRun `json:"runs"`
}

// NewGCHistoryResponse converts observed runs. Occupancy is filled in when
// limit is non-zero.
func NewGCHistoryResponse(runs []gcwatch.Run, limit uint64) GCHistoryResponse {
	out := GCHistoryResponse{
		HeapLimitBytes: limit,
		Runs:           make([]GCRun, 0, len(runs)),
	}
	for _, run := range runs {
		view := GCRun{Uptime: run.Time, BytesAfter: run.BytesAfter}
		if limit > 0 {
			view.Occupancy = float64(run.BytesAfter) / float64(limit)
		}
		out.Runs = append(out.Runs, view)
	}
	return out
}
