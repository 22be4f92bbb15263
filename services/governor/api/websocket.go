// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// SnapshotMessage is one frame of the housekeeper stream.
type SnapshotMessage struct {
	Type     string      `json:"type"`
	Snapshot interface{} `json:"snapshot"`
}

// handleHousekeeperStream pushes every published snapshot to a websocket
// client.
//
// # Description
//
// The last snapshot, if any, is sent right after the upgrade. After that
// each tick produces one "snapshot" frame. A slow client skips
// intermediate snapshots rather than stalling the housekeeper. Client
// messages are read and discarded; they only serve to detect a close.
func (s *Server) handleHousekeeperStream(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	updates, unsubscribe := s.deps.Housekeeper.Subscribe()
	defer unsubscribe()
	s.logger.Info("housekeeper stream connected", "remote", c.ClientIP())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(4096)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap, ok := s.deps.Housekeeper.Snapshot(); ok {
		if err := s.writeFrame(ws, SnapshotMessage{Type: "snapshot", Snapshot: snap}); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			s.logger.Info("housekeeper stream disconnected", "remote", c.ClientIP())
			return
		case <-s.done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case snap := <-updates:
			if err := s.writeFrame(ws, SnapshotMessage{Type: "snapshot", Snapshot: snap}); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(v); err != nil {
		s.logger.Warn("failed to write websocket JSON", "error", err)
		return err
	}
	return nil
}
