/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 HandyLink Technologies
 */

// signal-server is the reference HandyLink signaling fan-out server. It keeps
// call records and candidate streams in memory and serves the wschannel wire
// protocol to authenticated websocket clients. One instance is enough for
// development and small deployments; production setups typically use the
// Redis channel instead.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/handylink/callkit-go-sdk/signaling"
	"github.com/handylink/callkit-go-sdk/wschannel"
)

func main() {
	addr := flag.String("addr", ":8747", "listen address")
	key := flag.String("key", os.Getenv("CALLKIT_SIGNAL_KEY"), "HMAC key for signaling tokens")
	flag.Parse()

	if *key == "" {
		log.Fatal("signal-server: a signing key is required (-key or CALLKIT_SIGNAL_KEY)")
	}

	srv := &server{
		key:     []byte(*key),
		channel: signaling.NewMemoryChannel(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}

	http.HandleFunc("/ws", srv.handleWS)
	log.Printf("signal-server: listening on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

type server struct {
	key      []byte
	channel  *signaling.MemoryChannel
	upgrader websocket.Upgrader
}

// session is one authenticated websocket connection and its subscriptions.
type session struct {
	srv    *server
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex

	mu            sync.Mutex
	callWatches   map[string]signaling.Unsubscribe
	incomingWatch signaling.Unsubscribe
	candWatches   map[string]signaling.Unsubscribe
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing signaling token", http.StatusUnauthorized)
		return
	}
	userID, err := wschannel.VerifyToken(s.key, token)
	if err != nil {
		log.Printf("signal-server: rejected connection: %v", err)
		http.Error(w, "invalid signaling token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("signal-server: upgrade failed: %v", err)
		return
	}

	sess := &session{
		srv:         s,
		conn:        conn,
		userID:      userID,
		callWatches: make(map[string]signaling.Unsubscribe),
		candWatches: make(map[string]signaling.Unsubscribe),
	}
	log.Printf("signal-server: user %s connected", userID)
	sess.readLoop()
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (sess *session) readLoop() {
	defer sess.teardown()

	for {
		var env wschannel.Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("signal-server: user %s read error: %v", sess.userID, err)
			}
			return
		}
		sess.handle(&env)
	}
}

func (sess *session) handle(env *wschannel.Envelope) {
	ctx := context.Background()

	switch env.Type {
	case wschannel.TypeCreateCall:
		if env.Fields == nil {
			sess.sendError(env.ID, "create_call requires fields")
			return
		}
		// The authenticated user originates the call, whatever the client
		// claims.
		fields := *env.Fields
		fields.CallerID = sess.userID
		call, err := sess.srv.channel.CreateCall(ctx, fields)
		if err != nil {
			sess.sendError(env.ID, err.Error())
			return
		}
		sess.write(&wschannel.Envelope{Type: wschannel.TypeAck, ReplyTo: env.ID, Call: call})

	case wschannel.TypeUpdateCall:
		if env.Update == nil {
			sess.sendError(env.ID, "update_call requires an update")
			return
		}
		if err := sess.srv.channel.UpdateCall(ctx, env.CallID, *env.Update); err != nil {
			sess.sendError(env.ID, err.Error())
			return
		}
		sess.write(&wschannel.Envelope{Type: wschannel.TypeAck, ReplyTo: env.ID})

	case wschannel.TypeDeleteCall:
		if err := sess.srv.channel.DeleteCall(ctx, env.CallID); err != nil {
			sess.sendError(env.ID, err.Error())
			return
		}
		sess.write(&wschannel.Envelope{Type: wschannel.TypeAck, ReplyTo: env.ID})

	case wschannel.TypeWatchCall:
		callID := env.CallID
		sess.mu.Lock()
		_, exists := sess.callWatches[callID]
		sess.mu.Unlock()
		if exists {
			return
		}
		unsub, err := sess.srv.channel.WatchCall(callID, func(call *signaling.Call) {
			if call == nil {
				sess.write(&wschannel.Envelope{Type: wschannel.TypeCallEvent, CallID: callID, Deleted: true})
				return
			}
			sess.write(&wschannel.Envelope{Type: wschannel.TypeCallEvent, CallID: callID, Call: call})
		})
		if err != nil {
			log.Printf("signal-server: watch_call failed: %v", err)
			return
		}
		sess.mu.Lock()
		sess.callWatches[callID] = unsub
		sess.mu.Unlock()

	case wschannel.TypeUnwatchCall:
		sess.mu.Lock()
		unsub := sess.callWatches[env.CallID]
		delete(sess.callWatches, env.CallID)
		sess.mu.Unlock()
		if unsub != nil {
			unsub()
		}

	case wschannel.TypeWatchIncoming:
		// Users only watch their own incoming calls.
		sess.mu.Lock()
		exists := sess.incomingWatch != nil
		sess.mu.Unlock()
		if exists {
			return
		}
		unsub, err := sess.srv.channel.WatchIncomingCalls(sess.userID, func(call *signaling.Call) {
			sess.write(&wschannel.Envelope{Type: wschannel.TypeIncomingCall, Call: call})
		})
		if err != nil {
			log.Printf("signal-server: watch_incoming failed: %v", err)
			return
		}
		sess.mu.Lock()
		sess.incomingWatch = unsub
		sess.mu.Unlock()

	case wschannel.TypeUnwatchIncoming:
		sess.mu.Lock()
		unsub := sess.incomingWatch
		sess.incomingWatch = nil
		sess.mu.Unlock()
		if unsub != nil {
			unsub()
		}

	case wschannel.TypeAddCandidate:
		// Candidates are always attributed to the authenticated user.
		if err := sess.srv.channel.AddIceCandidate(ctx, env.CallID, sess.userID, env.Candidate); err != nil {
			log.Printf("signal-server: add_candidate failed: %v", err)
		}

	case wschannel.TypeWatchCands:
		callID := env.CallID
		sess.mu.Lock()
		_, exists := sess.candWatches[callID]
		sess.mu.Unlock()
		if exists {
			return
		}
		unsub, err := sess.srv.channel.WatchIceCandidates(callID, sess.userID, func(candidate string) {
			sess.write(&wschannel.Envelope{Type: wschannel.TypeCandidate, CallID: callID, Candidate: candidate})
		})
		if err != nil {
			log.Printf("signal-server: watch_candidates failed: %v", err)
			return
		}
		sess.mu.Lock()
		sess.candWatches[callID] = unsub
		sess.mu.Unlock()

	case wschannel.TypeUnwatchCands:
		sess.mu.Lock()
		unsub := sess.candWatches[env.CallID]
		delete(sess.candWatches, env.CallID)
		sess.mu.Unlock()
		if unsub != nil {
			unsub()
		}

	default:
		log.Printf("signal-server: user %s sent unknown message type %q", sess.userID, env.Type)
	}
}

// write serializes one envelope to the connection. Subscriptions fire from
// the channel's goroutines, so all writes go through one mutex.
func (sess *session) write(env *wschannel.Envelope) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteJSON(env); err != nil {
		log.Printf("signal-server: user %s write error: %v", sess.userID, err)
	}
}

func (sess *session) sendError(replyTo, msg string) {
	sess.write(&wschannel.Envelope{Type: wschannel.TypeError, ReplyTo: replyTo, Error: msg})
}

// teardown drops every subscription this connection holds.
func (sess *session) teardown() {
	sess.mu.Lock()
	unsubs := make([]signaling.Unsubscribe, 0, len(sess.callWatches)+len(sess.candWatches)+1)
	for _, u := range sess.callWatches {
		unsubs = append(unsubs, u)
	}
	for _, u := range sess.candWatches {
		unsubs = append(unsubs, u)
	}
	if sess.incomingWatch != nil {
		unsubs = append(unsubs, sess.incomingWatch)
	}
	sess.callWatches = make(map[string]signaling.Unsubscribe)
	sess.candWatches = make(map[string]signaling.Unsubscribe)
	sess.incomingWatch = nil
	sess.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	sess.conn.Close()
	log.Printf("signal-server: user %s disconnected", sess.userID)
}
