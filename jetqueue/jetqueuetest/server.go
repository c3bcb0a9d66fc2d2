// Package jetqueuetest runs a fake jetqueue backend for tests: the job
// websocket plus the enqueue and cancel endpoints.
package jetqueuetest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/infigaming-com/go-jetqueue/jetqueue"
	"github.com/infigaming-com/go-jetqueue/util"
	"github.com/infigaming-com/go-jetqueue/web"
	"github.com/infigaming-com/go-jetqueue/web/middleware"
	"go.uber.org/zap"
)

// EnqueueRequest is one POST /jobs as the server received it.
type EnqueueRequest struct {
	Args          map[string]any `json:"args"`
	Options       map[string]any `json:"options"`
	CorrelationId string         `json:"-"`
}

type failure struct {
	status int
	body   string
}

type Server struct {
	*httptest.Server

	lg       *zap.Logger
	upgrader websocket.Upgrader
	autoPong atomic.Bool
	conns    chan *Conn

	mu            sync.Mutex
	nextID        int64
	enqueues      []EnqueueRequest
	cancels       []jetqueue.JobID
	open          []*Conn
	requestFail   *failure
	upgradeStatus int
}

type Option func(*Server)

func WithLogger(lg *zap.Logger) Option {
	return func(s *Server) {
		if lg != nil {
			s.lg = lg
		}
	}
}

// WithoutAutoPong stops the server from answering client pings.
func WithoutAutoPong() Option {
	return func(s *Server) {
		s.autoPong.Store(false)
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		lg: zap.NewNop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(chan *Conn, 256),
	}
	s.autoPong.Store(true)
	for _, opt := range opts {
		opt(s)
	}

	srv := web.NewServer(s.lg,
		web.WithMode(gin.TestMode),
		web.WithMiddleware(
			middleware.CorrelationIdMiddleware(),
			middleware.LoggingMiddleware(middleware.WithLogger(s.lg), middleware.WithExcludePaths("/websocket")),
		),
		web.WithRoute(http.MethodPost, "/jobs", s.handleEnqueue),
		web.WithRoute(http.MethodDelete, "/jobs/:id", s.handleCancel),
		web.WithRoute(http.MethodGet, "/websocket", s.handleWebsocket),
	)
	s.Server = httptest.NewServer(srv.Engine())
	return s
}

// Resolver resolves instance to this server.
func (s *Server) Resolver(instance string) jetqueue.StaticResolver {
	return jetqueue.StaticResolver{instance: s.URL}
}

func (s *Server) SetAutoPong(on bool) {
	s.autoPong.Store(on)
}

// FailRequests makes enqueue and cancel answer status with body. A zero
// status restores normal behaviour.
func (s *Server) FailRequests(status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		s.requestFail = nil
		return
	}
	s.requestFail = &failure{status: status, body: body}
}

// RejectUpgrades answers websocket handshakes with status. Zero accepts again.
func (s *Server) RejectUpgrades(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upgradeStatus = status
}

func (s *Server) Enqueued() []EnqueueRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EnqueueRequest(nil), s.enqueues...)
}

func (s *Server) Cancelled() []jetqueue.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jetqueue.JobID(nil), s.cancels...)
}

// WaitConn returns the next accepted websocket connection.
func (s *Server) WaitConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("jetqueuetest: no connection within %s", timeout)
	}
}

func (s *Server) injected() *failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestFail
}

func (s *Server) handleEnqueue(c *gin.Context) {
	if f := s.injected(); f != nil {
		c.String(f.status, f.body)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	var req EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return
	}
	req.CorrelationId, _ = util.CorrelationIdFromCtx(c.Request.Context())

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.enqueues = append(s.enqueues, req)
	s.mu.Unlock()

	c.JSON(http.StatusOK, jetqueue.EnqueueResponse{ID: jetqueue.JobID(id)})
}

func (s *Server) handleCancel(c *gin.Context) {
	if f := s.injected(); f != nil {
		c.String(f.status, f.body)
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.String(http.StatusBadRequest, "invalid job id")
		return
	}
	s.mu.Lock()
	s.cancels = append(s.cancels, jetqueue.JobID(id))
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{})
}

func (s *Server) handleWebsocket(c *gin.Context) {
	s.mu.Lock()
	status := s.upgradeStatus
	s.mu.Unlock()
	if status != 0 {
		c.String(status, "rejected")
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.lg.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := newConn(ws, c.Request.URL.Query(), s)
	s.mu.Lock()
	s.open = append(s.open, conn)
	s.mu.Unlock()
	s.conns <- conn
	conn.readLoop()
}

// Close drops every websocket connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	open := s.open
	s.open = nil
	s.mu.Unlock()
	for _, c := range open {
		c.Close()
	}
	s.Server.Close()
}

// Conn is the server side of one client connection.
type Conn struct {
	Query url.Values

	ws     *websocket.Conn
	server *Server

	writeMu sync.Mutex
	acks    chan jetqueue.AckMessage
	pings   atomic.Int32
	pongs   atomic.Int32
	done    chan struct{}
	once    sync.Once
}

func newConn(ws *websocket.Conn, query url.Values, s *Server) *Conn {
	return &Conn{
		Query:  query,
		ws:     ws,
		server: s,
		acks:   make(chan jetqueue.AckMessage, 1024),
		done:   make(chan struct{}),
	}
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch string(data) {
		case "ping":
			c.pings.Add(1)
			if c.server.autoPong.Load() {
				_ = c.SendRaw("pong")
			}
		case "pong":
			c.pongs.Add(1)
		default:
			var msg jetqueue.AckMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.server.lg.Warn("unexpected client frame", zap.ByteString("data", data))
				continue
			}
			c.acks <- msg
		}
	}
}

// SendJobs pushes one job message carrying jobs.
func (c *Conn) SendJobs(jobs ...jetqueue.Job) error {
	data, err := json.Marshal(jetqueue.JobsMessage{Type: "job", Payload: jobs})
	if err != nil {
		return err
	}
	return c.SendRaw(string(data))
}

func (c *Conn) SendRaw(frame string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// NextAck waits for the next ack message from the client.
func (c *Conn) NextAck(timeout time.Duration) (jetqueue.AckMessage, error) {
	select {
	case msg := <-c.acks:
		return msg, nil
	case <-time.After(timeout):
		return jetqueue.AckMessage{}, fmt.Errorf("jetqueuetest: no ack within %s", timeout)
	}
}

func (c *Conn) Pings() int {
	return int(c.pings.Load())
}

func (c *Conn) Pongs() int {
	return int(c.pongs.Load())
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// WaitClosed blocks until the client side went away or ctx is done.
func (c *Conn) WaitClosed(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() {
	c.once.Do(func() {
		_ = c.ws.Close()
		close(c.done)
	})
}
