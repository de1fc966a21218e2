package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/analyst/internal/models"
)

// Feed is the snapshot source behind the WebSocket endpoints.
type Feed interface {
	SubscribeProjects(ctx context.Context, fn func([]models.Project)) (*Subscription, error)
	SubscribeMessages(ctx context.Context, projectID string, fn func([]models.Message)) (*Subscription, error)
}

// Frame is the JSON envelope written to WebSocket clients.
type Frame struct {
	Type      string           `json:"type"`
	ProjectID string           `json:"projectId,omitempty"`
	Projects  []models.Project `json:"projects,omitempty"`
	Messages  []models.Message `json:"messages,omitempty"`
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WSServer streams project and message snapshots over WebSocket.
type WSServer struct {
	feed     Feed
	upgrader websocket.Upgrader
	auth     func(*http.Request) error
	logger   zerolog.Logger
}

// WSOption configures a WSServer.
type WSOption func(*WSServer)

// WithAuth rejects upgrade requests for which fn returns an error.
func WithAuth(fn func(*http.Request) error) WSOption {
	return func(s *WSServer) { s.auth = fn }
}

// WithOrigins restricts the allowed Origin headers. Empty allows any.
func WithOrigins(origins []string) WSOption {
	return func(s *WSServer) {
		if len(origins) == 0 {
			return
		}
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

// NewWSServer creates a WebSocket snapshot server.
func NewWSServer(feed Feed, logger zerolog.Logger, opts ...WSOption) *WSServer {
	s := &WSServer{
		feed: feed,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts the endpoints on mux.
func (s *WSServer) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/projects", s.handleProjects)
	mux.HandleFunc("GET /ws/projects/{id}/messages", s.handleMessages)
}

func (s *WSServer) handleProjects(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, func(ctx context.Context, send func(Frame)) (*Subscription, error) {
		return s.feed.SubscribeProjects(ctx, func(ps []models.Project) {
			send(Frame{Type: "projects", Projects: ps})
		})
	})
}

func (s *WSServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	s.serve(w, r, func(ctx context.Context, send func(Frame)) (*Subscription, error) {
		return s.feed.SubscribeMessages(ctx, projectID, func(ms []models.Message) {
			send(Frame{Type: "messages", ProjectID: projectID, Messages: ms})
		})
	})
}

func (s *WSServer) serve(w http.ResponseWriter, r *http.Request, open func(context.Context, func(Frame)) (*Subscription, error)) {
	if s.auth != nil {
		if err := s.auth(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writeMu sync.Mutex
	write := func(fn func() error) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return fn()
	}
	send := func(f Frame) {
		if err := write(func() error { return conn.WriteJSON(f) }); err != nil {
			cancel()
		}
	}

	sub, err := open(ctx, send)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("subscribe failed")
		write(func() error {
			return conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		})
		return
	}
	defer sub.Close()

	// Reader: only control frames are expected; any error ends the stream.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-ticker.C:
			if err := write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
				return
			}
		}
	}
}
