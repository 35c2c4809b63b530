package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/narvanalabs/buildengine/internal/logs"
	"github.com/narvanalabs/buildengine/internal/models"
	"github.com/narvanalabs/buildengine/internal/store"
	"github.com/narvanalabs/buildengine/internal/validation"
)

// Stream message types.
const (
	MessageLog      = "log"
	MessagePing     = "ping"
	MessageComplete = "complete"
)

const (
	defaultPingInterval = 15 * time.Second
	writeWait           = 10 * time.Second
)

// BuildGetter looks up a build record.
type BuildGetter interface {
	Get(ctx context.Context, buildID string) (*models.Build, error)
}

// LogTailer returns the recent output of builds that are still running.
type LogTailer interface {
	Tail(buildID string, n int) ([]*models.LogEntry, bool)
}

// LogsResponse is the body of a log listing.
type LogsResponse struct {
	BuildID string             `json:"build_id"`
	Live    bool               `json:"live"`
	Entries []*models.LogEntry `json:"entries"`
}

// StreamMessage is one websocket frame of a log stream.
type StreamMessage struct {
	Type        string             `json:"type"`
	Entry       *models.LogEntry   `json:"entry,omitempty"`
	BuildStatus models.BuildStatus `json:"build_status,omitempty"`
	Time        time.Time          `json:"time"`
}

// LogHandler serves build output, both stored and live.
type LogHandler struct {
	builds       BuildGetter
	logs         store.LogStore
	tails        LogTailer
	broker       *logs.Broker
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	logger       *slog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(builds BuildGetter, logStore store.LogStore, tails LogTailer, broker *logs.Broker, logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{
		builds: builds,
		logs:   logStore,
		tails:  tails,
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingInterval: defaultPingInterval,
		logger:       logger,
	}
}

// Get handles GET /v1/builds/{buildID}/logs?limit=N&phase=P. Running builds
// are served from memory, finished ones from the log store.
func (h *LogHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	limit, err := intQuery(r, "limit")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	phase, err := phaseQuery(r)
	if err != nil {
		WriteErr(w, r, h.logger, "invalid log request", err)
		return
	}
	if _, err := h.builds.Get(r.Context(), id); err != nil {
		WriteErr(w, r, h.logger, "failed to get build", err)
		return
	}

	entries, live, err := h.backlog(r.Context(), id, limit)
	if err != nil {
		WriteErr(w, r, h.logger, "failed to list logs", err)
		return
	}
	resp := LogsResponse{BuildID: id, Live: live, Entries: []*models.LogEntry{}}
	for _, e := range entries {
		if phase == "" || e.Phase == phase {
			resp.Entries = append(resp.Entries, e)
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

// Stream handles GET /v1/builds/{buildID}/logs/stream. It upgrades to a
// websocket, replays the output so far and forwards new lines until the
// build completes or the client goes away.
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	phase, err := phaseQuery(r)
	if err != nil {
		WriteErr(w, r, h.logger, "invalid log request", err)
		return
	}
	if _, err := h.builds.Get(r.Context(), id); err != nil {
		WriteErr(w, r, h.logger, "failed to get build", err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err, "build_id", id)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	logger := h.logger.With("build_id", id)
	logger.Info("log stream started")

	// Subscribe before reading the backlog so no line falls in between.
	sub := h.broker.Subscribe(ctx, id, phase)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	backlog, live, err := h.backlog(ctx, id, 0)
	if err != nil {
		logger.Error("failed to read log backlog", "error", err)
		return
	}
	seen := make(map[string]struct{}, len(backlog))
	for _, e := range backlog {
		seen[e.ID] = struct{}{}
		if phase != "" && e.Phase != phase {
			continue
		}
		if err := h.send(conn, StreamMessage{Type: MessageLog, Entry: e}); err != nil {
			return
		}
	}
	if !live {
		h.complete(ctx, conn, id)
		return
	}

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("log stream closed by client")
			return
		case <-ping.C:
			if err := h.send(conn, StreamMessage{Type: MessagePing}); err != nil {
				return
			}
		case e, ok := <-sub.Ch:
			if !ok {
				h.complete(ctx, conn, id)
				return
			}
			if _, dup := seen[e.ID]; dup {
				continue
			}
			if err := h.send(conn, StreamMessage{Type: MessageLog, Entry: e}); err != nil {
				return
			}
		}
	}
}

// backlog returns a build's output so far, oldest first, and whether the
// build is still producing output.
func (h *LogHandler) backlog(ctx context.Context, id string, limit int) ([]*models.LogEntry, bool, error) {
	if entries, live := h.tails.Tail(id, limit); live {
		return entries, true, nil
	}
	entries, err := h.logs.List(ctx, id, limit)
	return entries, false, err
}

func (h *LogHandler) complete(ctx context.Context, conn *websocket.Conn, id string) {
	msg := StreamMessage{Type: MessageComplete}
	if b, err := h.builds.Get(ctx, id); err == nil {
		msg.BuildStatus = b.BuildStatus
	}
	if err := h.send(conn, msg); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build complete"),
		time.Now().Add(writeWait))
}

func (h *LogHandler) send(conn *websocket.Conn, msg StreamMessage) error {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("failed to write log stream message", "error", err)
		return err
	}
	return nil
}

func phaseQuery(r *http.Request) (models.PhaseType, error) {
	p := models.PhaseType(r.URL.Query().Get("phase"))
	if p != "" && !p.Valid() {
		return "", validation.Errorf("phase", "unknown phase %q", p)
	}
	return p, nil
}
