package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"pkt.systems/bapd/internal/relay"
	"pkt.systems/pslog"
)

// Session frame actions originated by bapd itself.
const (
	actionSessionList    = "session.list"
	actionSessionMessage = "session.message"
)

const sessionReadLimit = 64 << 10

// handleSession upgrades to a websocket, registers the connection with the
// Coordinator and serves it until either side closes.
// @Summary      Open a relay session
// @Description  Websocket upgrade. Every relayed callback arrives as a JSON frame. Text commands: /name, /join, /list; other text is passed to every other session.
// @Tags         session
// @Success      101
// @Router       /ws [get]
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept has already written the response.
		h.requestLogger(r.Context()).Debug("session.accept.failed", "error", err)
		return nil
	}
	conn.SetReadLimit(sessionReadLimit)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	id := h.coord.NextID()
	logger := h.requestLogger(ctx).With("session_id", id)

	outbox := relay.NewOutbox(h.outboxSize, func(ctx context.Context, payload []byte) error {
		writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
		return conn.Write(writeCtx, websocket.MessageText, payload)
	}, logger)

	var hello []byte
	if h.relay.Mode() == relay.ModeTransaction {
		if frame, err := relay.HelloFrame(id, h.clock.Now()); err == nil {
			hello = frame
		}
	}
	// The outbox is only written by the Coordinator; this goroutine keeps it
	// for Done and Err.
	if err := h.coord.JoinWith(ctx, id, outbox, hello); err != nil {
		outbox.Close()
		_ = conn.Close(websocket.StatusTryAgainLater, "relay unavailable")
		logger.Warn("session.join.failed", "error", err)
		return nil
	}
	logger.Info("session.open", "remote_addr", r.RemoteAddr)

	go func() {
		select {
		case <-outbox.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if h.pingInterval > 0 {
		go h.heartbeat(ctx, cancel, conn, logger)
	}

	reason := h.readLoop(ctx, conn, id, outbox, logger)

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer leaveCancel()
	if err := h.coord.Leave(leaveCtx, id); err != nil {
		logger.Debug("session.leave.failed", "error", err)
	}
	outbox.Close()
	_ = conn.Close(websocket.StatusNormalClosure, "closed")
	logger.Info("session.close", "reason", reason)
	return nil
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, id uint64, outbox *relay.Outbox, logger pslog.Logger) string {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return status.String()
			}
			if errors.Is(err, context.Canceled) {
				if outErr := outbox.Err(); outErr != nil {
					return "write_failed"
				}
				return "retired"
			}
			return "read_failed"
		}
		if typ != websocket.MessageText {
			continue
		}
		h.handleClientText(ctx, id, strings.TrimSpace(string(data)), logger)
	}
}

// handleClientText applies a client command. "/name <n>" and "/join <room>"
// annotate the session, "/list" replies with the session list and any other
// text is passed to every other session.
func (h *Handler) handleClientText(ctx context.Context, id uint64, text string, logger pslog.Logger) {
	if text == "" {
		return
	}
	if !strings.HasPrefix(text, "/") {
		body, _ := json.Marshal(struct {
			From uint64 `json:"from"`
			Text string `json:"text"`
		}{id, text})
		frame, err := relay.NewFrame(actionSessionMessage, relay.RouteBroadcast, "", body, h.clock.Now()).Encode()
		if err == nil {
			h.coord.Broadcast(ctx, frame, id)
		}
		return
	}
	cmd, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/name":
		if arg != "" {
			_ = h.coord.Annotate(ctx, id, arg, "")
		}
	case "/join":
		if arg != "" {
			_ = h.coord.Annotate(ctx, id, "", arg)
		}
	case "/list":
		sessions, err := h.coord.Sessions(ctx)
		if err != nil {
			return
		}
		body, _ := json.Marshal(sessions)
		frame, err := relay.NewFrame(actionSessionList, relay.RouteSession, "", body, h.clock.Now()).Encode()
		if err == nil {
			h.coord.DeliverTo(ctx, id, frame)
		}
	default:
		logger.Debug("session.command.unknown", "command", cmd)
	}
}

func (h *Handler) heartbeat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, logger pslog.Logger) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.pingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				logger.Debug("session.heartbeat.failed", "error", err)
				cancel()
				return
			}
		}
	}
}
