/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// Package redischannel implements the signaling channel on Redis. Call
// records live as JSON strings, candidates as append-only lists, and watches
// ride on pub/sub. Deployments that already run Redis can use it instead of
// the websocket signal server.
//
// Keys:
//
//	callkit:call:<id>       call record, JSON
//	callkit:cands:<id>      candidate backlog, JSON list
//
// Pub/sub channels:
//
//	callkit:events:<id>       record updates, deletions, and candidates
//	callkit:incoming:<userId> newly created ringing calls for a user
package redischannel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/handylink/callkit-go-sdk/callkitsdk"
	"github.com/handylink/callkit-go-sdk/signaling"
)

const (
	callKeyPrefix      = "callkit:call:"
	candsKeyPrefix     = "callkit:cands:"
	eventsChanPrefix   = "callkit:events:"
	incomingChanPrefix = "callkit:incoming:"
)

// event is the pub/sub payload.
type event struct {
	Kind       string          `json:"kind"` // "call" | "deleted" | "candidate"
	Call       *signaling.Call `json:"call,omitempty"`
	FromUserID string          `json:"fromUserId,omitempty"`
	Candidate  string          `json:"candidate,omitempty"`
}

// Config holds the configuration for the Redis channel
type Config struct {
	// RecordTTL is the expiry applied to call records and candidate lists as
	// a safety net; explicit deletion normally wins.
	RecordTTL time.Duration
	Logger    callkitsdk.Logger
}

// DefaultConfig returns the default configuration for the Redis channel
func DefaultConfig() *Config {
	return &Config{
		RecordTTL: time.Hour,
	}
}

// Channel is a signaling.Channel backed by Redis.
type Channel struct {
	rdb    redis.UniversalClient
	config *Config
	logger callkitsdk.Logger
}

// New wraps an existing Redis client. A nil config uses defaults.
func New(rdb redis.UniversalClient, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = callkitsdk.DefaultLogger()
	}
	return &Channel{rdb: rdb, config: config, logger: logger}
}

// CreateCall implements signaling.Channel.
func (c *Channel) CreateCall(ctx context.Context, fields signaling.CallFields) (*signaling.Call, error) {
	call := &signaling.Call{
		ID:           uuid.New().String(),
		CallerID:     fields.CallerID,
		CallerName:   fields.CallerName,
		ReceiverID:   fields.ReceiverID,
		ReceiverName: fields.ReceiverName,
		Type:         fields.Type,
		Status:       signaling.CallStatusRinging,
		Offer:        fields.Offer,
		CreatedAt:    time.Now(),
	}

	raw, err := json.Marshal(call)
	if err != nil {
		return nil, err
	}
	if err := c.rdb.Set(ctx, callKeyPrefix+call.ID, raw, c.config.RecordTTL).Err(); err != nil {
		return nil, &callkitsdk.SignalingError{Op: "create call", Err: err}
	}

	c.publish(ctx, eventsChanPrefix+call.ID, event{Kind: "call", Call: call})
	c.publish(ctx, incomingChanPrefix+call.ReceiverID, event{Kind: "call", Call: call})
	return call, nil
}

// UpdateCall implements signaling.Channel. The read-modify-write runs inside
// an optimistic WATCH transaction so concurrent partial updates to different
// fields do not clobber each other.
func (c *Channel) UpdateCall(ctx context.Context, id string, update signaling.CallUpdate) error {
	key := callKeyPrefix + id
	var updated *signaling.Call

	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil // record already gone, nothing to update
		}
		if err != nil {
			return err
		}

		var call signaling.Call
		if err := json.Unmarshal([]byte(raw), &call); err != nil {
			return fmt.Errorf("corrupt call record %s: %w", id, err)
		}
		if update.Status != nil {
			call.Status = *update.Status
		}
		if update.Answer != nil {
			call.Answer = *update.Answer
		}
		if update.AnsweredAt != nil {
			t := *update.AnsweredAt
			call.AnsweredAt = &t
		}
		if update.EndedAt != nil {
			t := *update.EndedAt
			call.EndedAt = &t
		}

		out, err := json.Marshal(&call)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, c.config.RecordTTL)
			return nil
		})
		if err == nil {
			updated = &call
		}
		return err
	}, key)
	if err != nil {
		return &callkitsdk.SignalingError{Op: "update call", Err: err}
	}

	if updated != nil {
		c.publish(ctx, eventsChanPrefix+id, event{Kind: "call", Call: updated})
	}
	return nil
}

// WatchCall implements signaling.Channel. The current record state, if any,
// is delivered once before pub/sub events.
func (c *Channel) WatchCall(id string, fn signaling.CallHandler) (signaling.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.rdb.Subscribe(ctx, eventsChanPrefix+id)

	// Confirm the subscription before reading the current state, so no
	// update between the read and the subscribe is lost.
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, &callkitsdk.SignalingError{Op: "watch call", Err: err}
	}

	if current, err := c.getCall(ctx, id); err != nil {
		c.logger.Printf("redischannel: failed to read current call state: %v", err)
	} else if current != nil {
		fn(current)
	}

	go func() {
		for msg := range sub.Channel() {
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Printf("redischannel: skipping malformed event: %v", err)
				continue
			}
			switch ev.Kind {
			case "call":
				fn(ev.Call)
			case "deleted":
				fn(nil)
			}
		}
	}()

	return func() {
		cancel()
		sub.Close()
	}, nil
}

// WatchIncomingCalls implements signaling.Channel.
func (c *Channel) WatchIncomingCalls(userID string, fn signaling.CallHandler) (signaling.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.rdb.Subscribe(ctx, incomingChanPrefix+userID)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, &callkitsdk.SignalingError{Op: "watch incoming calls", Err: err}
	}

	go func() {
		for msg := range sub.Channel() {
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.Kind == "call" && ev.Call != nil && ev.Call.Status == signaling.CallStatusRinging {
				fn(ev.Call)
			}
		}
	}()

	return func() {
		cancel()
		sub.Close()
	}, nil
}

// AddIceCandidate implements signaling.Channel.
func (c *Channel) AddIceCandidate(ctx context.Context, callID, fromUserID, candidate string) error {
	entry, err := json.Marshal(signaling.IceCandidate{
		ID:         uuid.New().String(),
		CallID:     callID,
		FromUserID: fromUserID,
		Candidate:  candidate,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}

	key := candsKeyPrefix + callID
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, entry)
	pipe.Expire(ctx, key, c.config.RecordTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return &callkitsdk.SignalingError{Op: "add candidate", Err: err}
	}

	c.publish(ctx, eventsChanPrefix+callID, event{
		Kind:       "candidate",
		FromUserID: fromUserID,
		Candidate:  candidate,
	})
	return nil
}

// WatchIceCandidates implements signaling.Channel. Self-exclusion is applied
// here on the subscriber side, since Redis pub/sub fans out to everyone.
func (c *Channel) WatchIceCandidates(callID, excludeUserID string, fn signaling.CandidateHandler) (signaling.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := c.rdb.Subscribe(ctx, eventsChanPrefix+callID)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		sub.Close()
		return nil, &callkitsdk.SignalingError{Op: "watch candidates", Err: err}
	}

	go func() {
		for msg := range sub.Channel() {
			var ev event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if ev.Kind == "candidate" && ev.FromUserID != excludeUserID {
				fn(ev.Candidate)
			}
		}
	}()

	return func() {
		cancel()
		sub.Close()
	}, nil
}

// DeleteCall implements signaling.Channel.
func (c *Channel) DeleteCall(ctx context.Context, callID string) error {
	deleted, err := c.rdb.Del(ctx, callKeyPrefix+callID, candsKeyPrefix+callID).Result()
	if err != nil {
		return &callkitsdk.SignalingError{Op: "delete call", Err: err}
	}
	if deleted > 0 {
		c.publish(ctx, eventsChanPrefix+callID, event{Kind: "deleted"})
	}
	return nil
}

// getCall reads and decodes a call record, returning nil when it is absent.
func (c *Channel) getCall(ctx context.Context, id string) (*signaling.Call, error) {
	raw, err := c.rdb.Get(ctx, callKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var call signaling.Call
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// publish sends an event, logging failures; watches are best-effort delivery.
func (c *Channel) publish(ctx context.Context, channel string, ev event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		c.logger.Printf("redischannel: failed to marshal event: %v", err)
		return
	}
	if err := c.rdb.Publish(ctx, channel, raw).Err(); err != nil {
		c.logger.Printf("redischannel: failed to publish event: %v", err)
	}
}
