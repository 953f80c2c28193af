package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/taskchat/internal/config"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/server"
	"github.com/npezzotti/taskchat/internal/stats"
	"github.com/npezzotti/taskchat/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Hub is the real-time side of the gateway. Writes that produce room events
// run inside Exec so persistence order and event order agree.
type Hub interface {
	Exec(ctx context.Context, roomId uuid.UUID, fn func(server.RoomOps) error) error
	NotifyUser(userId uuid.UUID, event string, payload any)
	ServeClient(user types.User, conn *websocket.Conn)
}

type GoChatApp struct {
	log            zerolog.Logger
	db             database.Repository
	mux            *http.Server
	hub            Hub
	stats          *stats.StatsUpdater
	limiter        *rateLimiter
	signingKey     []byte
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger zerolog.Logger, hub Hub, db database.Repository, su *stats.StatsUpdater, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		hub:            hub,
		stats:          su,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)

	mux.Handle("GET /chat/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("POST /chat/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /chat/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.Handle("PUT /chat/rooms/{id}", s.authMiddleware(s.updateRoom))
	mux.Handle("DELETE /chat/rooms/{id}", s.authMiddleware(s.deleteRoom))
	mux.Handle("POST /chat/rooms/{id}/join", s.authMiddleware(s.joinRoom))
	mux.Handle("POST /chat/rooms/{id}/leave", s.authMiddleware(s.leaveRoom))
	mux.Handle("POST /chat/rooms/{id}/invite", s.authMiddleware(s.inviteUsers))
	mux.Handle("GET /chat/rooms/{id}/members", s.authMiddleware(s.listMembers))
	mux.Handle("DELETE /chat/rooms/{id}/members/{memberId}", s.authMiddleware(s.removeMember))
	mux.Handle("GET /chat/rooms/{id}/messages", s.authMiddleware(s.listMessages))
	mux.Handle("PUT /chat/rooms/{id}/messages/{messageId}", s.authMiddleware(s.updateMessage))
	mux.Handle("DELETE /chat/rooms/{id}/messages/{messageId}", s.authMiddleware(s.deleteMessage))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	var h http.Handler = mux
	if su != nil {
		h = su.Middleware(h)
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = newRateLimiter(rate.Limit(cfg.RateLimit), burst, 2*time.Minute)
		go s.limiter.gc(30 * time.Second)
		h = s.rateLimit(h)
	}

	h = handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(h)

	h = s.errorHandler(h)
	h = s.requestLogger(h)

	s.mux = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.mux.Addr).Msg("starting server")
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if s.limiter != nil {
		s.limiter.Stop()
	}

	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
