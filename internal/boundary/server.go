package boundary

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"assay/internal/logging"
	"assay/internal/protocol"
)

// ErrUpstreamExit is delivered to workers whose request outlived the run.
var ErrUpstreamExit = errors.New("analysis server exited")

// SocketPath derives the per-run announce address under runtimeDir. The run
// id is truncated so the path stays within the unix sun_path limit.
func SocketPath(runtimeDir, runID string) string {
	id := runID
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(runtimeDir, "assay-"+id+".sock")
}

// Request pairs one incoming envelope with its pending reply slot. Exactly
// one of Reply or Fail must be called; later calls are ignored.
type Request struct {
	Envelope protocol.Envelope

	once    sync.Once
	outcome chan outcome
}

type outcome struct {
	value any
	err   error
}

func newRequest(env protocol.Envelope) *Request {
	return &Request{Envelope: env, outcome: make(chan outcome, 1)}
}

// Reply resolves the request with a reply value matching its kind.
func (r *Request) Reply(value any) {
	r.once.Do(func() { r.outcome <- outcome{value: value} })
}

// Fail resolves the request with an error surfaced to the worker.
func (r *Request) Fail(err error) {
	r.once.Do(func() { r.outcome <- outcome{err: err} })
}

// Server owns a run's announce socket and internal request queue.
type Server struct {
	path      string
	runID     string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server
	requests  chan *Request

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

// NewServer opens the announce socket for runID and starts accepting worker
// connections once Serve is called.
func NewServer(ctx context.Context, runtimeDir, runID string, logger *slog.Logger) (*Server, error) {
	if runID == "" {
		return nil, errors.New("boundary server requires a run id")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	path := SocketPath(runtimeDir, runID)
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	srv := &Server{
		path:      path,
		runID:     runID,
		logger:    logger,
		listener:  listener,
		rpcServer: rpc.NewServer(),
		requests:  make(chan *Request, 128),
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}

	if err := srv.rpcServer.RegisterName("Analysis", &service{server: srv}); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}
	return srv, nil
}

// Address returns the announce address workers are given.
func (s *Server) Address() string {
	return s.path
}

// Pop dequeues one request, waiting at most timeout. The boolean reports
// whether a request was dequeued.
func (s *Server) Pop(timeout time.Duration) (*Request, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-s.requests:
		return req, true
	case <-timer.C:
		return nil, false
	case <-s.ctx.Done():
		return nil, false
	}
}

// Serve starts accepting RPC connections until the server is closed.
func (s *Server) Serve() {
	s.logger.Debug("boundary listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.trackConn(conn)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.untrackConn(c)
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

func (s *Server) trackConn(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	_ = conn.Close()
}

// Close stops the server, drops every worker connection, releases every
// requester still awaiting a reply, and removes the socket file. Connections
// must be closed before the wait: the codec goroutines block in reads until
// their connection goes away.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err))
	}
}

// service implements the RPC surface workers call. One method per request
// kind keeps the wire protocol typed; every method funnels into dispatch.
type service struct {
	server *Server
}

func (s *service) dispatch(env protocol.Envelope) (any, error) {
	if env.RunID != s.server.runID {
		return nil, fmt.Errorf("request for run %q reached run %q", env.RunID, s.server.runID)
	}

	req := newRequest(env)
	select {
	case s.server.requests <- req:
	case <-s.server.ctx.Done():
		return nil, ErrUpstreamExit
	}

	select {
	case result := <-req.outcome:
		return result.value, result.err
	case <-s.server.ctx.Done():
		return nil, ErrUpstreamExit
	}
}

func assign[T any](value any, out *T) error {
	typed, ok := value.(T)
	if !ok {
		return fmt.Errorf("unexpected reply type %T", value)
	}
	*out = typed
	return nil
}

func (s *service) PipelinePreferences(env protocol.Envelope, reply *protocol.PipelinePreferencesReply) error {
	env.Kind = protocol.KindPipelinePreferences
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}

func (s *service) InitialMeasurements(env protocol.Envelope, reply *protocol.InitialMeasurementsReply) error {
	env.Kind = protocol.KindInitialMeasurements
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}

func (s *service) Work(env protocol.Envelope, reply *protocol.WorkReply) error {
	env.Kind = protocol.KindWork
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}

func (s *service) ImageSetSuccess(env protocol.Envelope, reply *protocol.Ack) error {
	env.Kind = protocol.KindImageSetSuccess
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}

func (s *service) SharedDictionary(env protocol.Envelope, reply *protocol.SharedDictionaryReply) error {
	env.Kind = protocol.KindSharedDictionary
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}

func (s *service) MeasurementsReport(env protocol.Envelope, reply *protocol.Ack) error {
	env.Kind = protocol.KindMeasurementsReport
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}

// Forward carries the interactive, display, exception, and debug kinds whose
// reply is owned by the event sink. The envelope's Kind must already be set.
func (s *service) Forward(env protocol.Envelope, reply *protocol.SinkReply) error {
	if !env.Kind.Forwarded() {
		return fmt.Errorf("kind %q is not forwardable", env.Kind)
	}
	value, err := s.dispatch(env)
	if err != nil {
		return err
	}
	return assign(value, reply)
}
