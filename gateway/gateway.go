// Package gateway exposes the matchmaker over HTTP. Clients open a
// websocket, send one session request, and receive the feedback stream
// until a terminal event closes the connection.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/joeshaw/envdecode"
	"log/slog"

	"github.com/edgelobby/edgelobby/internal/logctx"
	"github.com/edgelobby/edgelobby/matchmaker"
)

// Config is the gateway's environment-driven configuration.
type Config struct {
	// ListenAddr is the ip:port to bind the HTTP listener to.
	ListenAddr string `env:"EDGELOBBY_HTTP_BIND,default=0.0.0.0:3000"`

	// FakeIP replaces the client IP when a request arrives from
	// localhost. Deployments triggered from localhost would otherwise
	// land in arbitrary locations; the default is near London.
	FakeIP string `env:"EDGELOBBY_FAKE_IP,default=81.128.157.100"`

	// AuthSecret, when set, requires every websocket upgrade to carry a
	// valid HMAC ticket (Authorization bearer header or ?ticket=).
	AuthSecret string `env:"EDGELOBBY_AUTH_SECRET"`

	// FirstMessageWait bounds how long a connected client may idle
	// before sending its session request.
	FirstMessageWait time.Duration `env:"EDGELOBBY_FIRST_MESSAGE_WAIT,default=10s"`
}

// NewConfigFromEnv loads Config from the environment.
func NewConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SessionProcessor handles one matchmaking request, streaming feedback
// into the sink. *matchmaker.Processor satisfies this.
type SessionProcessor interface {
	Process(ctx context.Context, payload []byte, sink matchmaker.FeedbackSink)
}

// Server is the HTTP surface in front of a SessionProcessor.
type Server struct {
	cfg       Config
	processor SessionProcessor
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the slog logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// NewServer builds a gateway over the given processor.
func NewServer(cfg Config, processor SessionProcessor, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		processor: processor,
		log:       slog.Default(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.cfg.FirstMessageWait <= 0 {
		s.cfg.FirstMessageWait = 10 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/matchmaker/ws", s.handleWS)
	return router
}

func (s *Server) handleWS(c *gin.Context) {
	if s.cfg.AuthSecret != "" {
		if err := verifyTicket(ticketFrom(c), s.cfg.AuthSecret); err != nil {
			s.log.WarnContext(c.Request.Context(), "gateway.auth.rejected",
				slog.String("err", err.Error()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid ticket"})
			return
		}
	}

	clientIP := s.resolveClientIP(c)
	ctx := logctx.WithRequestData(c.Request.Context(), &logctx.RequestData{
		RequestID: uuid.NewString(),
		ClientIP:  clientIP,
	})

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	ws.SetReadLimit(64 * 1024)

	payload, err := s.readRequest(ws, clientIP)
	if err != nil {
		s.log.WarnContext(ctx, "gateway.request.read_fail", slog.String("err", err.Error()))
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "request expected"), deadline)
		return
	}

	s.log.InfoContext(ctx, "gateway.request.received", slog.String("client_ip", clientIP))
	s.processor.Process(ctx, payload, &wsSink{conn: ws})
}

// readRequest waits for the client's single request message and
// rewrites its client_ip field with the server-resolved address. The
// client never gets to pick its own IP.
func (s *Server) readRequest(ws *websocket.Conn, clientIP string) ([]byte, error) {
	if err := ws.SetReadDeadline(time.Now().Add(s.cfg.FirstMessageWait)); err != nil {
		return nil, err
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	delete(fields, "client_ip")
	req := &matchmaker.SessionRequest{ClientIP: clientIP, Extra: fields}
	return req.Encode()
}

// resolveClientIP picks the address used for geo-placement:
// an explicit client_ip querystring beats the first X-Forwarded-For
// hop, which beats the peer address. Localhost is swapped for the
// configured fake IP.
func (s *Server) resolveClientIP(c *gin.Context) string {
	ip := ""
	if qs := c.Query("client_ip"); qs != "" {
		ip = qs
	} else if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		ip = strings.TrimSpace(strings.Split(fwd, ",")[0])
	} else if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		ip = host
	} else {
		ip = c.Request.RemoteAddr
	}
	if ip == "127.0.0.1" || ip == "::1" {
		return s.cfg.FakeIP
	}
	return ip
}

func ticketFrom(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if ticket, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return ticket
		}
	}
	return c.Query("ticket")
}

// wsSink streams feedback events as text frames. End-of-stream is an
// empty text frame followed by a normal close, matching what the game
// client plugins expect.
type wsSink struct {
	conn *websocket.Conn
}

const writeWait = 10 * time.Second

func (s *wsSink) Send(_ context.Context, fb matchmaker.Feedback) error {
	data, err := json.Marshal(fb)
	if err != nil {
		return err
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSink) Finish(_ context.Context) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, nil); err != nil {
		return err
	}
	deadline := time.Now().Add(time.Second)
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}
