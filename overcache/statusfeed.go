// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	statusFeedBuffer       = 16
	statusFeedWriteTimeout = 10 * time.Second
)

// StatusFeedHandler streams SyncStatus snapshots as JSON WebSocket messages.
// The current snapshot is sent on connect; later snapshots follow every
// Publish. Slow readers miss intermediate snapshots rather than block the
// publisher.
type StatusFeedHandler struct {
	publisher *StatusPublisher
	logger    *slog.Logger
	done      <-chan struct{}
	upgrader  websocket.Upgrader
}

func newStatusFeedHandler(ctx context.Context, publisher *StatusPublisher, logger *slog.Logger) *StatusFeedHandler {
	return &StatusFeedHandler{
		publisher: publisher,
		logger:    logger,
		done:      ctx.Done(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *StatusFeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Status feed upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	updates := make(chan SyncStatus, statusFeedBuffer)
	unsubscribe := h.publisher.Subscribe(func(st SyncStatus) {
		select {
		case updates <- st:
		default:
		}
	})
	defer unsubscribe()

	// The reader only detects the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	initial, err := h.publisher.Snapshot(r.Context())
	if err != nil {
		h.logger.Warn("Status feed snapshot incomplete", "error", err)
	}
	if err := h.write(conn, initial); err != nil {
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "service closed"),
				time.Now().Add(time.Second))
			return
		case st := <-updates:
			if err := h.write(conn, st); err != nil {
				h.logger.Debug("Status feed write failed", "error", err)
				return
			}
		}
	}
}

func (h *StatusFeedHandler) write(conn *websocket.Conn, st SyncStatus) error {
	if err := conn.SetWriteDeadline(time.Now().Add(statusFeedWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(st)
}
