package projection

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaytrail/internal/clock"
)

const DefaultStreamInterval = 5 * time.Second

type ServerConfig struct {
	// Token, when set, is required as a bearer token on /v1 routes.
	Token          string
	StreamInterval time.Duration
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Server struct {
	source  *Source
	cfg     ServerConfig
	metrics http.Handler
	clock   clock.Clock
	logger  *slog.Logger
}

func NewServer(source *Source, cfg ServerConfig) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = DefaultStreamInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{source: source, cfg: cfg, clock: clock.OrReal(cfg.Clock), logger: cfg.Logger}
	if cfg.Gatherer != nil {
		s.metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "users" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", correlationID)
		return
	}
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}
	userID := parts[2]

	switch parts[3] {
	case "archive":
		s.handleArchive(w, r, userID, correlationID)
	case "status":
		s.handleStatus(w, r, userID, correlationID)
	case "stream":
		s.handleStream(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative unix millisecond timestamp", correlationID)
		return
	}
	view, err := s.source.Since(r.Context(), userID, since)
	if err != nil {
		s.logger.Error("archive view failed", "user", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load archive", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	status, err := s.source.Status(r.Context(), userID)
	if err != nil {
		s.logger.Error("status failed", "user", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load status", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleStream upgrades to a websocket and pushes a View whenever new
// items or snapshot activity appear. The first message carries everything
// after the requested since.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, userID string) {
	since, err := parseSince(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative unix millisecond timestamp", getCorrelationID(r))
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "user", userID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	ctx := conn.CloseRead(r.Context())
	err = s.stream(ctx, conn, userID, since)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
	default:
		s.logger.Warn("stream stopped", "user", userID, "err", err)
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, userID string, since int64) error {
	itemCursor := since
	snapshotCursor := since
	first := true
	for {
		view, err := s.source.Since(ctx, userID, itemCursor)
		if err != nil {
			return err
		}
		view.Snapshots, err = s.source.SnapshotsSince(ctx, userID, snapshotCursor)
		if err != nil {
			return err
		}
		if first || len(view.Items) > 0 || len(view.Snapshots) > 0 {
			if err := wsjson.Write(ctx, conn, view); err != nil {
				return err
			}
			first = false
		}
		itemCursor = view.Cursor
		for _, summary := range view.Snapshots {
			if summary.LastAt > snapshotCursor {
				snapshotCursor = summary.LastAt
			}
		}
		if err := s.clock.Sleep(ctx, s.cfg.StreamInterval); err != nil {
			return err
		}
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseSince(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if since < 0 {
		return 0, strconv.ErrRange
	}
	return since, nil
}
