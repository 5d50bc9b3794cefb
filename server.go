package lockd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"pkt.systems/lockd/internal/clock"
	"pkt.systems/lockd/internal/connguard"
	"pkt.systems/lockd/internal/core"
	"pkt.systems/lockd/internal/correlation"
	"pkt.systems/lockd/internal/metrics"
	"pkt.systems/lockd/internal/protocol"
	"pkt.systems/pslog"
)

// Server accepts TCP connections, decodes wire frames, and submits the
// resulting commands to a single core.Engine (spec.md §5). There is exactly
// one Engine per Server; every accepted connection shares it.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	engine    *core.Engine
	guard     *connguard.ConnectionGuard
	telemetry *telemetryBundle
	rec       *metrics.Recorder

	listener net.Listener

	mu         sync.Mutex
	shutdown   bool
	readyOnce  sync.Once
	readyCh    chan struct{}
	engineStop context.CancelFunc
	engineDone chan struct{}

	conns   sync.WaitGroup
	connsMu sync.Mutex
	open    map[*core.Conn]net.Conn
}

// Option configures a Server at construction time.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
}

// WithLogger supplies a custom structured logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation, used in tests to drive
// deterministic timeout behavior via clock.Manual.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// NewServer constructs a lockd server according to cfg.
//
//	cfg := lockd.DefaultConfig()
//	srv, err := lockd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		mode := pslog.ModeStructured
		if cfg.LogMode == "console" {
			mode = pslog.ModeConsole
		}
		minLevel, _ := pslog.ParseLevel(cfg.LogLevel)
		logger = pslog.LoggerFromEnv(
			pslog.WithEnvPrefix("LOCKD_LOG_"),
			pslog.WithEnvOptions(pslog.Options{Mode: mode, MinLevel: minLevel}),
		)
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}

	guard := connguard.NewConnectionGuard(connguard.ConnectionGuardConfig{
		Enabled:          cfg.ConnGuardEnabled,
		FailureThreshold: cfg.ConnGuardFailureThreshold,
		FailureWindow:    cfg.ConnGuardFailureWindow,
		BlockDuration:    cfg.ConnGuardBlockDuration,
		ProbeTimeout:     cfg.ConnGuardProbeTimeout,
	}, logger.With("svc", "connguard"))

	return &Server{
		cfg:     cfg,
		logger:  logger.With("svc", "server"),
		clock:   serverClock,
		guard:   guard,
		readyCh: make(chan struct{}),
		open:    make(map[*core.Conn]net.Conn),
	}, nil
}

// Start begins serving connections and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	s.listener = s.guard.WrapListener(ln)

	telemetry, err := setupTelemetry(context.Background(), s.cfg.MetricsListen, s.cfg.PprofListen, s.logger)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("setup telemetry: %w", err)
	}
	s.telemetry = telemetry

	rec, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("build metrics recorder: %w", err)
	}
	s.rec = rec

	engineCtx, cancel := context.WithCancel(context.Background())
	s.engineStop = cancel
	s.engineDone = make(chan struct{})
	s.engine = core.NewEngine(s.cfg.GreedyReaders,
		core.WithEngineClock(s.clock),
		core.WithEngineLogger(s.logger.With("svc", "engine")),
		core.WithDefaultTimeout(s.cfg.DefaultTimeout),
		core.WithMetrics(s.rec),
	)
	go func() {
		defer close(s.engineDone)
		s.engine.Run(engineCtx)
	}()

	s.signalReady()
	s.logger.Info("lockd.listening", "address", s.listener.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutdown() {
				s.conns.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go s.serveConn(conn)
	}
}

// Shutdown closes the listener, waits for in-flight connections to drain,
// and stops the engine. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.closeOpenConns()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if s.engineStop != nil {
		s.engineStop()
		<-s.engineDone
	}
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the server listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// StartServer starts a lockd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down — useful when
// embedding lockd inside another process or an integration test.
//
//	srv, stop, err := lockd.StartServer(ctx, lockd.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}

	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}

// serveConn owns one accepted connection for its whole lifetime: a reader
// goroutine (this one) decoding frames and submitting them to the engine in
// order, and a writer goroutine draining this connection's outbound queue.
func (s *Server) serveConn(netConn net.Conn) {
	defer s.conns.Done()
	defer netConn.Close()

	remote := netConn.RemoteAddr().String()
	cid := correlation.Generate()
	connLogger := s.logger.With("remote", remote, "cid", cid)

	out := make(chan []byte, s.cfg.WriterBufferSize)
	writerDone := make(chan struct{})

	conn := core.NewConn(remote, func(msg core.OutMessage) {
		s.enqueue(out, protocol.Encode(msg), remote)
	})

	s.trackConn(conn, netConn)
	defer s.untrackConn(conn)

	go s.runWriter(netConn, out, writerDone)

	select {
	case out <- protocol.Banner():
	default:
	}

	connLogger.Debug("lockd.conn.accepted")
	s.readLoop(conn, netConn, cid, connLogger)
	connLogger.Debug("lockd.conn.closed")

	close(out)
	<-writerDone

	ctx := correlation.Set(context.Background(), cid)
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.engine.Disconnected(ctx, conn)
}

func (s *Server) readLoop(conn *core.Conn, netConn net.Conn, cid string, connLogger pslog.Logger) {
	scanner := bufio.NewScanner(netConn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	for scanner.Scan() {
		cmd := protocol.Decode(conn, scanner.Bytes())
		ctx := correlation.Set(context.Background(), cid)
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		s.engine.Submit(ctx, cmd)
		cancel()
		if cmd.Kind == core.CmdQuit {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		connLogger.Debug("lockd.conn.read_error", "error", err)
	}
}

func (s *Server) runWriter(netConn net.Conn, out <-chan []byte, done chan<- struct{}) {
	defer close(done)
	for frame := range out {
		if _, err := netConn.Write(frame); err != nil {
			return
		}
	}
}

// enqueue implements the bounded-queue, drop-oldest overflow policy: a slow
// reader must never stall the engine goroutine that calls Conn.emit
// (spec.md §5, "suspension points").
func (s *Server) enqueue(out chan []byte, frame []byte, remote string) {
	select {
	case out <- frame:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- frame:
	default:
	}
	s.logger.Warn("lockd.server.writer_overflow", "remote", remote)
}

func (s *Server) trackConn(conn *core.Conn, netConn net.Conn) {
	s.connsMu.Lock()
	s.open[conn] = netConn
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(conn *core.Conn) {
	s.connsMu.Lock()
	delete(s.open, conn)
	s.connsMu.Unlock()
}

func (s *Server) closeOpenConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for _, netConn := range s.open {
		_ = netConn.Close()
	}
}
