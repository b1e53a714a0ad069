/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package messages posts chat messages through the HandyLink messaging API.
// The calling package uses it as a fire-and-forget sink for call-summary
// lines after a call reaches a terminal state.
package messages

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
)

// Message represents a HandyLink chat message
type Message struct {
	ID         string     `json:"id,omitempty"`
	FromID     string     `json:"fromId,omitempty"`
	ToPersonID string     `json:"toPersonId,omitempty"`
	Text       string     `json:"text,omitempty"`
	Created    *time.Time `json:"created,omitempty"`
}

// Sink accepts call-summary messages. Posting is fire-and-forget from the
// caller's perspective; an error is logged by the caller, never fatal.
type Sink interface {
	PostSummary(ctx context.Context, fromID, toID, text string) error
}

// Config holds the configuration for the Messages plugin
type Config struct{}

// DefaultConfig returns the default configuration for the Messages plugin
func DefaultConfig() *Config {
	return &Config{}
}

// Client is the messages API client
type Client struct {
	core   *callkitsdk.Client
	config *Config
}

// New creates a new Messages plugin
func New(core *callkitsdk.Client, config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	return &Client{
		core:   core,
		config: config,
	}
}

// Create posts a new message to a person
func (c *Client) Create(ctx context.Context, message *Message) (*Message, error) {
	if message.ToPersonID == "" {
		return nil, fmt.Errorf("message must contain toPersonId")
	}

	resp, err := c.core.RequestWithRetry(ctx, http.MethodPost, "messages", nil, message)
	if err != nil {
		return nil, err
	}

	var result Message
	if err := callkitsdk.ParseResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PostSummary implements Sink on top of Create.
func (c *Client) PostSummary(ctx context.Context, fromID, toID, text string) error {
	_, err := c.Create(ctx, &Message{
		FromID:     fromID,
		ToPersonID: toID,
		Text:       text,
	})
	return err
}

// MemorySink is an in-memory Sink that records posted summaries. Used in
// tests and by the loopback example.
type MemorySink struct {
	mu     sync.Mutex
	posted []Message
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// PostSummary implements Sink.
func (m *MemorySink) PostSummary(_ context.Context, fromID, toID, text string) error {
	now := time.Now()
	m.mu.Lock()
	m.posted = append(m.posted, Message{
		FromID:     fromID,
		ToPersonID: toID,
		Text:       text,
		Created:    &now,
	})
	m.mu.Unlock()
	return nil
}

// Posted returns a copy of all summaries posted so far.
func (m *MemorySink) Posted() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.posted))
	copy(out, m.posted)
	return out
}
