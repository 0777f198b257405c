// Package api has type definitions for the chat message API
package api

import "fmt"

// Error is the JSON error envelope. RetryAfter is only present on 429
// answers and is in seconds.
type Error struct {
	Message    string  `json:"message"`
	Code       int     `json:"code"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	Global     bool    `json:"global,omitempty"`
	StatusCode int     `json:"-"`
}

// Error returns a string for the error and satisfies the error interface
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("discord error (%d/%d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("discord error (%d)", e.StatusCode)
}

// Attachment is one file attached to a message
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	ProxyURL    string `json:"proxy_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// Message is a channel message
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// PayloadAttachment describes one attachment in the payload_json of a
// multipart message create
type PayloadAttachment struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

// CreateMessagePayload is the payload_json part of a message create
type CreateMessagePayload struct {
	Content     string              `json:"content,omitempty"`
	Attachments []PayloadAttachment `json:"attachments"`
}

// Channel is the channel metadata probe
type Channel struct {
	ID   string `json:"id"`
	Type int    `json:"type"`
	Name string `json:"name,omitempty"`
}
