// Websocket clients and the notification feed
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"
)

const (
	wsReadLimit    = 512 * 1024
	wsPongTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// WSClient is one websocket connection.
type WSClient struct {
	id     string
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	return &WSClient{
		id:     uuid.NewV4().String(),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
}

// Send queues a message for the client. Pre-marshaled []byte frames
// are written as-is, anything else is JSON encoded. A client that
// cannot keep up loses messages rather than stalling the host.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		c.server.logger.Warn("dropping message to client %s (queue full)", c.id)
	}
}

// Close shuts the connection down once.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Warn("client %s read failed: %v", c.id, err)
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			var err error
			if frame, ok := msg.([]byte); ok {
				err = c.conn.WriteMessage(websocket.TextMessage, frame)
			} else {
				err = c.conn.WriteJSON(msg)
			}
			if err != nil {
				c.server.logger.Warn("client %s write failed: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleMessage dispatches one JSON-RPC request from the client.
func (c *WSClient) handleMessage(data []byte) {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: -32700, Message: "Parse error"}})
		return
	}
	result, err := c.server.invoke(req.Method, req.Params, c)
	if err != nil {
		c.Send(rpcResponse{JSONRPC: "2.0",
			Error: &rpcError{Code: rpcCodeFor(err), Message: err.Error()}, ID: req.ID})
		return
	}
	c.Send(rpcResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

// handleWebSocket upgrades the connection and runs the pumps. The
// current status is queued immediately so a new client never starts
// blind.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.Info("websocket client %s connected", client.id)

	if _, frame, err := s.statusNotification(); err == nil {
		client.Send(frame)
	}

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
	s.logger.Info("websocket client %s disconnected", client.id)
}
