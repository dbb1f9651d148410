package katcp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
	"github.com/UCBerkeleySETI/meerkat-backend-interface/metric"
)

// Version identifiers reported on connect and via version-list.
const (
	ProtocolVersion = "katcp-protocol 5.0-MI"
	LibraryVersion  = "bluse-katcp-library-1.0"
	DeviceVersion   = "bluse-katcp-interface-1.0"
)

// maxLineLen bounds a single protocol line; configure requests carry the
// full streams JSON in one argument.
const maxLineLen = 1 << 20

// Server is the control-protocol session server. It accepts concurrent
// client sessions, frames lines at the connection boundary and dispatches
// parsed requests through the handler registry.
type Server struct {
	addr     string
	registry *Registry
	sensors  *sensorSet
	metrics  *metric.Metrics
	log      *slog.Logger
	logLevel *slog.LevelVar

	mu       sync.Mutex
	listener net.Listener
	sessions map[*Session]struct{}

	haltOnce sync.Once
	haltCh   chan struct{}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithMetrics enables request metrics.
func WithMetrics(m *metric.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithLogLevelVar wires the process log level, adjustable via the
// log-level request.
func WithLogLevelVar(v *slog.LevelVar) ServerOption {
	return func(s *Server) { s.logLevel = v }
}

// NewServer creates a protocol server listening on addr once served. The
// registry carries the administrative defaults; lifecycle handlers are
// registered by the caller before Serve.
func NewServer(addr string, registry *Registry, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		registry: registry,
		sensors:  newSensorSet(),
		log:      slog.Default(),
		logLevel: new(slog.LevelVar),
		sessions: make(map[*Session]struct{}),
		haltCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sensors.add(NewSensor("device-status", "Health status of the backend interface", "", "ok"))
	s.sensors.add(NewSensor("local-time-synced", "Whether the backend clock is NTP synchronised", "", "1"))
	s.sensors.add(NewSensor("version", "Backend interface version", "", "1.0"))
	return s
}

// AddSensor exposes a process-local sensor over sensor-list/sensor-value.
func (s *Server) AddSensor(sensor *Sensor) {
	s.sensors.add(sensor)
}

// Registry returns the server's handler registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the bound listener address once Serve is running, or the
// configured address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Halt initiates server shutdown. Safe to call more than once; used by the
// halt request after its session's instances are deconfigured.
func (s *Server) Halt() {
	s.haltOnce.Do(func() { close(s.haltCh) })
}

// Serve listens on the server address and handles sessions until ctx is
// done or a halt request stops the server.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Serve", "listen on "+s.addr)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("control protocol server listening", "addr", ln.Addr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.haltCh:
			s.log.Warn("halt requested, stopping server")
		case <-done:
		}
		ln.Close()
		s.closeSessions()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			case <-s.haltCh:
				wg.Wait()
				return nil
			default:
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		sess := newSession(s, conn)
		s.trackSession(sess, true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.trackSession(sess, false)
			sess.serve(ctx)
		}()
	}
}

func (s *Server) trackSession(sess *Session, add bool) {
	s.mu.Lock()
	if add {
		s.sessions[sess] = struct{}{}
	} else {
		delete(s.sessions, sess)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(n))
	}
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// clientAddrs returns the remote addresses of connected sessions, sorted.
func (s *Server) clientAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.sessions))
	for sess := range s.sessions {
		addrs = append(addrs, sess.remote)
	}
	sort.Strings(addrs)
	return addrs
}

// Session is one client connection. Handlers reach the session to write
// informs and to track which subarray instances the session configured,
// so halt can tear down exactly those.
type Session struct {
	srv    *Server
	conn   net.Conn
	remote string

	wmu sync.Mutex
	w   *bufio.Writer

	ownedMu sync.Mutex
	owned   map[string]struct{}
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:    srv,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		w:      bufio.NewWriter(conn),
		owned:  make(map[string]struct{}),
	}
}

// Inform writes an inform message to the client ahead of the pending reply.
func (s *Session) Inform(m Message) error {
	m.Type = TypeInform
	return s.send(m)
}

func (s *Session) send(m Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.w.WriteString(m.String()); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Own records that this session configured the instance.
func (s *Session) Own(productID string) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	s.owned[productID] = struct{}{}
}

// Disown forgets an instance after deconfigure.
func (s *Session) Disown(productID string) {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	delete(s.owned, productID)
}

// OwnedInstances returns the instances configured through this session,
// sorted for deterministic teardown order.
func (s *Session) OwnedInstances() []string {
	s.ownedMu.Lock()
	defer s.ownedMu.Unlock()
	ids := make([]string, 0, len(s.owned))
	for id := range s.owned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Session) serve(ctx context.Context) {
	log := s.srv.log.With("client", s.remote)
	log.Info("client connected")
	defer func() {
		s.conn.Close()
		log.Info("client disconnected")
	}()

	for _, v := range []string{ProtocolVersion, LibraryVersion, DeviceVersion} {
		if err := s.Inform(NewInform("version-connect", v)); err != nil {
			log.Error("greeting failed", "error", err)
			return
		}
	}

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineLen)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			log.Warn("unparsable line", "error", err)
			continue
		}
		if msg.Type != TypeRequest {
			// Replies and informs from clients carry no meaning here.
			continue
		}
		s.handle(ctx, msg, log)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Debug("session read ended", "error", err)
	}
}

func (s *Session) handle(ctx context.Context, req Message, log *slog.Logger) {
	start := time.Now()
	reply := s.srv.registry.Dispatch(ctx, s, req)
	status := StatusFail
	if len(reply.Args) > 0 {
		status = reply.Args[0]
	}
	if s.srv.metrics != nil {
		s.srv.metrics.RecordRequest(req.Name, status, time.Since(start))
	}
	if status != StatusOK {
		log.Warn("request failed", "request", req.Name, "reply", reply.Args)
	}
	if err := s.send(reply); err != nil {
		log.Error("reply write failed", "request", req.Name, "error", err)
	}
}

// failReason renders an error as the human-readable reason of a fail reply.
func failReason(err error) string {
	return fmt.Sprintf("%v", err)
}
