/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package callkit is the top-level client for HandyLink peer-to-peer calling.
// It wires the core API client, a signaling channel, and the calling,
// messages, and history plugins together.
package callkit

import (
	"sync"

	"github.com/handylink/callkit-go-sdk/calling"
	"github.com/handylink/callkit-go-sdk/callkitsdk"
	"github.com/handylink/callkit-go-sdk/history"
	"github.com/handylink/callkit-go-sdk/messages"
	"github.com/handylink/callkit-go-sdk/signaling"
)

// Client is the top-level client for the HandyLink calling SDK
type Client struct {
	// Core client for the HandyLink API
	core *callkitsdk.Client

	// Signaling backend shared by all calls
	channel signaling.Channel

	// Plugins
	messagesClient *messages.Client
	callingClient  *calling.Client
	historyStore   *history.Store

	// Mutex for thread-safe lazy initialization of plugins
	mu sync.Mutex
}

// NewClient creates a new calling SDK client for the given local user. The
// signaling channel carries call records and ICE candidates between the two
// parties; see the signaling, wschannel, and redischannel packages for
// implementations.
func NewClient(accessToken, userID string, channel signaling.Channel, config *callkitsdk.Config) (*Client, error) {
	core, err := callkitsdk.NewClient(accessToken, userID, config)
	if err != nil {
		return nil, err
	}

	return &Client{
		core:    core,
		channel: channel,
	}, nil
}

// Messages returns the Messages plugin
func (c *Client) Messages() *messages.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.messagesClient == nil {
		c.messagesClient = messages.New(c.core, nil)
	}
	return c.messagesClient
}

// Calling returns the Calling plugin. Call summaries are posted through the
// Messages plugin, and finished calls are recorded to history when a store
// has been installed with SetHistoryStore.
func (c *Client) Calling() *calling.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callingClient == nil {
		c.callingClient = calling.New(c.core, c.channel, c.messagesUnlocked(), nil)
		if c.historyStore != nil {
			c.callingClient.SetHistory(c.historyStore)
		}
	}
	return c.callingClient
}

// SetHistoryStore installs the Postgres call-history store. Must be called
// before the first use of Calling.
func (c *Client) SetHistoryStore(store *history.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.historyStore = store
	if c.callingClient != nil {
		c.callingClient.SetHistory(store)
	}
}

// History returns the installed call-history store, or nil.
func (c *Client) History() *history.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyStore
}

// Channel returns the signaling channel the client was created with.
func (c *Client) Channel() signaling.Channel {
	return c.channel
}

// Core returns the core HandyLink API client
func (c *Client) Core() *callkitsdk.Client {
	return c.core
}

// messagesUnlocked returns the messages plugin; callers must hold c.mu.
func (c *Client) messagesUnlocked() *messages.Client {
	if c.messagesClient == nil {
		c.messagesClient = messages.New(c.core, nil)
	}
	return c.messagesClient
}
