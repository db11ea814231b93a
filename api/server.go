package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	txarrow "github.com/VanDung-dev/TandS-Engine/arrow"
	"github.com/VanDung-dev/TandS-Engine/engine"
	"github.com/VanDung-dev/TandS-Engine/monitoring"
	"github.com/VanDung-dev/TandS-Engine/network"
)

// Version is the current version of the TandS Engine.
const Version = "0.1.0"

// Server lifecycle errors
var (
	ErrListen         = errors.New("failed to listen")
	ErrAlreadyRunning = errors.New("server is already running")
	ErrNotStarted     = errors.New("server is not started")
	ErrServerClosed   = errors.New("server closed")
)

// Server accepts client connections and turns work requests into
// transactions. A single event loop goroutine owns registration, sequence
// numbering and queueing; a fixed worker pool executes transactions and
// writes the replies.
type Server struct {
	config   *Config
	runID    string
	logger   *zap.Logger
	recorder *monitoring.Recorder
	metrics  *Metrics
	work     engine.WorkFunc

	// Core components
	queue    *engine.Queue
	registry *engine.Registry
	pool     *engine.WorkerPool
	feed     *network.Feed
	journal  *txarrow.Journal

	listener net.Listener
	connSem  *semaphore.Weighted
	nextConn uint64

	// conns is shared with workers, who look up reply targets
	conns  map[engine.ConnID]*clientConn
	connMu sync.RWMutex

	// seq is owned by the event loop
	seq int64

	accepted chan *clientConn
	events   chan event
	quit     chan struct{}
	wg       sync.WaitGroup

	// Control
	running  bool
	closed   bool
	stopOnce sync.Once
	mu       sync.Mutex
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRecorder sets the transaction record.
func WithRecorder(recorder *monitoring.Recorder) Option {
	return func(s *Server) { s.recorder = recorder }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) Option {
	return func(s *Server) { s.metrics = metrics }
}

// WithWorkFunc replaces the work routine executed for each transaction.
func WithWorkFunc(fn engine.WorkFunc) Option {
	return func(s *Server) { s.work = fn }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(s *Server) { s.runID = id }
}

// NewServer creates a server. Nothing is bound until Start.
func NewServer(config *Config, opts ...Option) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:   config,
		runID:    uuid.NewString(),
		logger:   zap.NewNop(),
		recorder: monitoring.NewRecorder(io.Discard, nil),
		work:     engine.Trans,
		queue:    engine.NewQueue(config.QueueCapacity),
		registry: engine.NewRegistry(),
		connSem:  semaphore.NewWeighted(int64(config.MaxConnections)),
		conns:    make(map[engine.ConnID]*clientConn),
		accepted: make(chan *clientConn),
		events:   make(chan event, 256),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics("tands")
	}
	s.logger = s.logger.With(zap.String("run_id", s.runID))

	return s, nil
}

// Start binds the listener, starts the worker pool and begins accepting
// connections. Call Run afterwards to process them.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.running {
		return ErrAlreadyRunning
	}

	address := s.config.Address()
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrListen, address, err)
	}

	if s.config.FeedAddress != "" {
		feed := network.NewFeed(s.config.FeedAddress, 0)
		if err := feed.Start(); err != nil {
			_ = lis.Close()
			return err
		}
		s.feed = feed
	}
	if s.config.JournalPath != "" {
		s.journal = txarrow.NewJournal(s.runID)
	}

	s.listener = lis
	s.pool = engine.NewWorkerPool("tands-workers", s.config.PoolSize, s.queue, s.handle)
	s.pool.SetErrorHandler(s.onWorkerError)
	s.running = true

	s.recorder.LogStart(s.port())
	s.logger.Info("server listening",
		zap.String("address", lis.Addr().String()),
		zap.Int("workers", s.config.PoolSize),
		zap.Int("queue_capacity", s.config.QueueCapacity),
		zap.Duration("idle_timeout", s.config.IdleTimeout),
	)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Run processes connections until the idle timeout fires, ctx is cancelled
// or Stop is called, then writes the summary and returns it.
func (s *Server) Run(ctx context.Context) (monitoring.Report, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return monitoring.Report{}, ErrNotStarted
	}

	reason := s.loop(ctx)
	s.logger.Info("event loop stopped", zap.String("reason", reason))

	return s.shutdown()
}

// ListenAndServe is Start followed by Run.
func (s *Server) ListenAndServe(ctx context.Context) (monitoring.Report, error) {
	if err := s.Start(); err != nil {
		return monitoring.Report{}, err
	}
	return s.Run(ctx)
}

// loop is the event loop. It returns the reason it stopped.
func (s *Server) loop(ctx context.Context) string {
	idle := time.NewTimer(s.config.IdleTimeout)
	defer idle.Stop()

	for {
		// Re-armed before every wait: the timeout counts from the last event.
		idle.Reset(s.config.IdleTimeout)

		select {
		case <-ctx.Done():
			return "context cancelled"
		case <-s.quit:
			return "stopped"
		case <-idle.C:
			return "idle timeout"
		case c := <-s.accepted:
			s.attach(c)
		case ev := <-s.events:
			s.dispatch(ev)
		}
	}
}

// shutdown stops intake, settles the workers and produces the summary.
func (s *Server) shutdown() (monitoring.Report, error) {
	s.stopAccepting()

	if d := s.config.DrainTimeout; d > 0 {
		if err := s.pool.ShutdownWithTimeout(d); err != nil {
			s.logger.Warn("workers still busy after drain timeout", zap.Duration("drain_timeout", d))
		}
	} else {
		s.pool.Stop()
	}

	// Replies still in flight fail from here on and are not counted
	s.closeConnections()
	report := s.recorder.Summary(s.registry.Snapshot())

	var errs error
	if err := s.recorder.WriteSummary(report); err != nil {
		errs = errors.Join(errs, err)
	}
	if s.journal != nil {
		if err := s.journal.WriteFile(s.config.JournalPath); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	s.logger.Info("summary",
		zap.Int("clients", len(report.Clients)),
		zap.Int64("received", report.Received),
		zap.Int64("completed", report.Completed),
		zap.Int64("dropped", report.Dropped),
		zap.Float64("transactions_per_second", report.Throughput),
	)

	if s.feed != nil {
		s.feed.Stop()
	}
	s.wg.Wait()

	return report, errs
}

// Stop aborts the server. A concurrent Run returns with its summary.
func (s *Server) Stop() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return
	}
	s.stopAccepting()
	s.pool.Stop()
}

// stopAccepting closes the listener and signals every goroutine to quit.
func (s *Server) stopAccepting() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		close(s.quit)
		if err := s.listener.Close(); err != nil {
			s.logger.Debug("listener close failed", zap.Error(err))
		}
	})
}

// acceptLoop accepts connections and hands them to the event loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.connSem.TryAcquire(1) {
			s.metrics.ConnectionsRejected.Inc()
			s.logger.Warn("connection limit reached, closing connection",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max_connections", s.config.MaxConnections),
			)
			_ = conn.Close()
			continue
		}

		c := newClientConn(engine.ConnID(atomic.AddUint64(&s.nextConn, 1)), conn)
		select {
		case s.accepted <- c:
		case <-s.quit:
			c.close()
			s.connSem.Release(1)
			return
		}
	}
}

// attach registers a new connection and starts its reader.
func (s *Server) attach(c *clientConn) {
	s.connMu.Lock()
	s.conns[c.id] = c
	s.connMu.Unlock()

	s.metrics.ConnectionsAccepted.Inc()
	s.metrics.ConnectionsOpen.Inc()
	s.logger.Debug("connection accepted", zap.Uint64("conn", uint64(c.id)), zap.String("remote", c.remote))

	s.wg.Add(1)
	go s.readLoop(c)
}

// readLoop frames lines from one connection and forwards them to the event
// loop. The final event reports why reading stopped.
func (s *Server) readLoop(c *clientConn) {
	defer s.wg.Done()

	scanner := NewFrameScanner(c.conn)
	for scanner.Scan() {
		select {
		case s.events <- event{kind: eventLine, conn: c, line: scanner.Text()}:
		case <-s.quit:
			return
		}
	}

	select {
	case s.events <- event{kind: eventClosed, conn: c, err: scanner.Err()}:
	case <-s.quit:
	}
}

// dispatch handles one reader event on the event loop.
func (s *Server) dispatch(ev event) {
	c := ev.conn

	switch ev.kind {
	case eventClosed:
		s.onClosed(c, ev.err)
	case eventLine:
		if c.closing {
			return
		}
		s.handleLine(c, ev.line)
	}
}

func (s *Server) handleLine(c *clientConn, line string) {
	msg, err := ParseMessage(line)
	if err != nil {
		s.protocolError(c, err)
		return
	}

	switch msg.Kind {
	case KindRegister:
		s.register(c, msg.Name)
	case KindWork:
		s.enqueue(c, msg.Work)
	default:
		s.protocolError(c, fmt.Errorf("%w: %s", ErrUnexpectedMessage, msg.Kind))
	}
}

func (s *Server) register(c *clientConn, name string) {
	id, err := s.registry.Register(c.id, name)
	if errors.Is(err, engine.ErrDuplicateRegistration) {
		s.logger.Debug("duplicate registration ignored",
			zap.Uint64("conn", uint64(c.id)),
			zap.String("client", s.registry.Name(id)),
			zap.String("requested", name),
		)
		return
	}
	if err != nil {
		s.protocolError(c, err)
		return
	}

	s.recorder.LogRegistration(name, c.id)
	s.metrics.ClientsRegistered.Inc()
	s.logger.Info("client registered",
		zap.Uint64("conn", uint64(c.id)),
		zap.Int("client_id", int(id)),
		zap.String("client", name),
	)
	s.publish(&network.Event{Type: network.EventRegistered, Client: name})
}

func (s *Server) enqueue(c *clientConn, work int) {
	client, ok := s.registry.Lookup(c.id)
	if !ok {
		s.protocolError(c, ErrNotRegistered)
		return
	}

	s.seq++
	tx := engine.NewTransaction(s.seq, c.id, client.ID, work)
	if err := tx.Validate(); err != nil {
		s.protocolError(c, err)
		return
	}

	s.recorder.LogReceived(tx, client.Name)
	s.metrics.TransactionsReceived.Inc()
	s.publish(&network.Event{Type: network.EventReceived, Seq: tx.Seq, Client: client.Name, Work: work})

	c.pending.Add(1)
	if err := s.queue.Offer(tx); err != nil {
		c.pending.Add(-1)
		s.recorder.LogDropped(tx, client.Name)
		s.metrics.TransactionsDropped.Inc()
		s.logger.Error("dropping transaction",
			zap.Int64("seq", tx.Seq),
			zap.String("client", client.Name),
			zap.Int("work", work),
			zap.Int("queue_capacity", s.queue.Cap()),
			zap.Error(err),
		)
		s.publish(&network.Event{Type: network.EventDropped, Seq: tx.Seq, Client: client.Name, Work: work})
		return
	}
	s.metrics.UpdateQueue(s.queue.Len())
}

func (s *Server) onClosed(c *clientConn, err error) {
	fields := []zap.Field{zap.Uint64("conn", uint64(c.id)), zap.String("remote", c.remote)}

	switch {
	case err == nil && !c.closing:
		// Half-closed: nothing more will be read, but replies for accepted
		// transactions still go out before the connection is released.
		c.closing = true
		c.readDone.Store(true)
		s.registry.Detach(c.id)
		pending := c.pending.Load()
		s.logger.Debug("client finished sending", append(fields, zap.Int64("pending", pending))...)
		if pending == 0 {
			s.release(c)
		}
		return
	case err == nil:
		s.logger.Debug("client disconnected", fields...)
	case errors.Is(err, ErrLineTooLong):
		s.metrics.RecordProtocolError(protocolErrorKind(err))
		s.logger.Warn("protocol error", append(fields, zap.Error(err))...)
	case c.closing && errors.Is(err, net.ErrClosed):
		s.logger.Debug("connection closed by server", fields...)
	default:
		s.logger.Warn("read failed", append(fields, zap.Error(err))...)
	}

	s.detach(c)
}

// protocolError logs err and drops the connection unless configured not to.
func (s *Server) protocolError(c *clientConn, err error) {
	s.metrics.RecordProtocolError(protocolErrorKind(err))
	s.logger.Warn("protocol error",
		zap.Uint64("conn", uint64(c.id)),
		zap.String("remote", c.remote),
		zap.Error(err),
	)

	if s.config.CloseOnProtocolError {
		s.detach(c)
	}
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrLineTooLong):
		return "line_too_long"
	case errors.Is(err, ErrUnknownMessage), errors.Is(err, ErrEmptyMessage):
		return "unknown_message"
	case errors.Is(err, ErrInvalidWork):
		return "invalid_work"
	case errors.Is(err, ErrEmptyName), errors.Is(err, engine.ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, engine.ErrInvalidTx):
		return "invalid_transaction"
	case errors.Is(err, ErrUnexpectedMessage), errors.Is(err, ErrInvalidSeq):
		return "unexpected_message"
	default:
		return "other"
	}
}

// detach closes c and forgets it. The client record stays in the registry.
func (s *Server) detach(c *clientConn) {
	c.closing = true
	s.release(c)
	s.registry.Detach(c.id)
}

// release closes c and frees its connection slot. Safe to call more than
// once and from workers.
func (s *Server) release(c *clientConn) {
	c.close()

	s.connMu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.connMu.Unlock()

	if ok {
		s.connSem.Release(1)
		s.metrics.ConnectionsOpen.Dec()
	}
}

// settle marks one transaction of c finished and releases a half-closed
// connection once nothing is outstanding.
func (s *Server) settle(c *clientConn) {
	if c.pending.Add(-1) == 0 && c.readDone.Load() {
		s.release(c)
	}
}

// closeConnections closes every open connection.
func (s *Server) closeConnections() {
	s.connMu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for id, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, id)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.close()
		s.connSem.Release(1)
		s.metrics.ConnectionsOpen.Dec()
	}
}

// handle executes one transaction on a worker and acknowledges it.
func (s *Server) handle(workerID int, tx engine.Transaction) error {
	s.metrics.WorkersActive.Inc()
	defer s.metrics.WorkersActive.Dec()
	s.metrics.UpdateQueue(s.queue.Len())

	c, ok := s.lookup(tx.Conn)
	if ok {
		defer s.settle(c)
	}

	s.work(tx.Work)

	if !ok {
		s.metrics.ReplyFailures.Inc()
		return fmt.Errorf("reply D%d: %w", tx.Seq, ErrConnClosed)
	}
	if err := c.reply(FormatDone(tx.Seq), s.config.WriteTimeout); err != nil {
		s.metrics.ReplyFailures.Inc()
		return fmt.Errorf("reply D%d: %w", tx.Seq, err)
	}
	completedAt := time.Now()

	name := s.registry.Name(tx.Client)
	if err := s.registry.RecordCompletion(tx.Client); err != nil {
		return err
	}
	s.recorder.LogCompleted(tx, name)
	s.metrics.RecordCompletion(completedAt.Sub(tx.ReceivedAt))

	if s.journal != nil {
		s.journal.Append(txarrow.Entry{
			Seq:         tx.Seq,
			Client:      name,
			Work:        tx.Work,
			Worker:      workerID,
			ReceivedAt:  tx.ReceivedAt,
			CompletedAt: completedAt,
		})
	}
	s.publish(&network.Event{Type: network.EventDone, Seq: tx.Seq, Client: name, Work: tx.Work, Worker: workerID})

	return nil
}

// lookup returns the open connection with the given id.
func (s *Server) lookup(id engine.ConnID) (*clientConn, bool) {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *Server) onWorkerError(workerID int, tx engine.Transaction, err error) {
	fields := []zap.Field{
		zap.Int("worker", workerID),
		zap.Int64("seq", tx.Seq),
		zap.String("client", s.registry.Name(tx.Client)),
		zap.Error(err),
	}

	if engine.IsPanic(err) {
		s.logger.Error("transaction panicked", fields...)
		return
	}

	select {
	case <-s.quit:
		s.logger.Debug("transaction not acknowledged after shutdown", fields...)
	default:
		s.logger.Warn("transaction not acknowledged", fields...)
	}
}

func (s *Server) publish(ev *network.Event) {
	if s.feed == nil {
		return
	}
	ev.RunID = s.runID
	s.feed.Publish(ev)
}

func (s *Server) port() int {
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return s.config.Port
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// RunID returns the identifier of this run.
func (s *Server) RunID() string {
	return s.runID
}

// ServerStats contains server statistics.
type ServerStats struct {
	RunID       string              `json:"run_id"`
	Connections int                 `json:"connections"`
	Clients     int                 `json:"clients"`
	Attached    int                 `json:"attached"`
	Queue       engine.QueueStats   `json:"queue"`
	Pool        engine.PoolStats    `json:"pool"`
	Counters    monitoring.Counters `json:"counters"`
}

// Stats returns current server statistics.
func (s *Server) Stats() ServerStats {
	s.connMu.RLock()
	connections := len(s.conns)
	s.connMu.RUnlock()

	stats := ServerStats{
		RunID:       s.runID,
		Connections: connections,
		Clients:     s.registry.Len(),
		Attached:    s.registry.Attached(),
		Queue:       s.queue.Stats(),
		Counters:    s.recorder.Counters(),
	}

	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool != nil {
		stats.Pool = pool.GetStats()
	}
	return stats
}
