package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BioHazard786/meshcall/internal/roomid"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 5 * time.Second
	requestIDHeader = "X-Request-ID"
)

type Options struct {
	Listen         string
	Path           string
	AllowedOrigins []string
	Debug          bool
	Logger         *slog.Logger
}

// Server serves the relay websocket and its small HTTP API.
type Server struct {
	opts     Options
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Path = "/" + strings.Trim(opts.Path, "/")

	log := opts.Logger.With("component", "relay")
	return &Server{
		opts: opts,
		hub:  NewHub(log),
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			// Browsers and CLIs from any origin may signal; CORS guards the HTTP API.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the relay routes wrapped in CORS.
func (s *Server) Handler() http.Handler {
	if !s.opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "Signaling server is healthy.")
	})

	api := r.Group(s.opts.Path)
	api.GET("/id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": roomid.Generate()})
	})
	api.GET("/ws", s.serveWs)
	api.GET("/r/:room", func(c *gin.Context) {
		room := c.Param("room")
		if !roomid.Valid(room) {
			c.String(http.StatusBadRequest, "invalid room id")
			return
		}
		c.String(http.StatusOK, "Join this call with:\n\n  meshcall join %s\n", room)
	})

	var policy *cors.Cors
	if len(s.opts.AllowedOrigins) == 0 {
		policy = cors.Default()
	} else {
		policy = cors.New(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
		})
	}
	return policy.Handler(r)
}

func (s *Server) serveWs(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.String(http.StatusBadRequest, "missing id")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newClient(s.hub, conn, id)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// Run serves on opts.Listen until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.hub.Run(ctx)
	})
	g.Go(func() error {
		s.log.Info("relay listening", "addr", s.opts.Listen, "path", s.opts.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)

		c.Next()

		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"request_id", reqID,
		)
	}
}

func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
