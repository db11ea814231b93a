package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/TandS-Engine/api"
	"github.com/VanDung-dev/TandS-Engine/engine"
	"github.com/VanDung-dev/TandS-Engine/monitoring"
)

// Client command errors
var (
	ErrInvalidCommand  = errors.New("invalid command")
	ErrUnexpectedReply = errors.New("unexpected reply from server")
)

// MaxSleep is the largest accepted S<n> argument.
const MaxSleep = 100

// command is one parsed line of client input.
type command struct {
	kind byte // 'T' or 'S'
	n    int
}

// parseCommand parses T<n> (n >= 0) or S<n> (0 <= n <= MaxSleep).
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, fmt.Errorf("%w: empty line", ErrInvalidCommand)
	}

	kind := line[0]
	if kind != 'T' && kind != 'S' {
		return command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}

	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, line)
	}
	if n < 0 || (kind == 'S' && n > MaxSleep) {
		return command{}, fmt.Errorf("%w: %c%d out of range", ErrInvalidCommand, kind, n)
	}

	return command{kind: kind, n: n}, nil
}

// session drives one connection from a stream of commands.
type session struct {
	conn    net.Conn
	frames  *bufio.Scanner
	record  io.Writer
	logger  *zap.Logger
	sleep   engine.WorkFunc
	timeout time.Duration
	sent    int
}

func newSession(conn net.Conn, record io.Writer, logger *zap.Logger) *session {
	return &session{
		conn:    conn,
		frames:  api.NewFrameScanner(conn),
		record:  record,
		logger:  logger,
		sleep:   engine.Sleep,
		timeout: time.Minute,
	}
}

func stamp() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// register announces the client name.
func (s *session) register(name string) error {
	_, err := s.conn.Write(api.FormatRegister(name))
	return err
}

// run executes commands until input ends or a command is invalid.
func (s *session) run(input io.Reader) error {
	lines := bufio.NewScanner(input)
	for lines.Scan() {
		cmd, err := parseCommand(lines.Text())
		if err != nil {
			s.logger.Warn("stopping on invalid command", zap.Error(err))
			break
		}

		switch cmd.kind {
		case 'T':
			if err := s.transact(cmd.n); err != nil {
				return err
			}
		case 'S':
			fmt.Fprintf(s.record, "Sleep %d units\n", cmd.n)
			s.sleep(cmd.n)
		}
	}
	if err := lines.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	fmt.Fprintf(s.record, "Sent %d transactions\n", s.sent)
	return nil
}

// transact sends T<n> and waits for the D reply.
func (s *session) transact(n int) error {
	fmt.Fprintf(s.record, "%.2f Send (T%3d)\n", stamp(), n)
	if _, err := s.conn.Write(api.FormatWork(n)); err != nil {
		return fmt.Errorf("failed to send T%d: %w", n, err)
	}
	s.sent++

	if s.timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	if !s.frames.Scan() {
		if err := s.frames.Err(); err != nil {
			return fmt.Errorf("failed to read reply: %w", err)
		}
		return fmt.Errorf("%w: connection closed", ErrUnexpectedReply)
	}

	msg, err := api.ParseMessage(s.frames.Text())
	if err != nil || msg.Kind != api.KindDone {
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, s.frames.Text())
	}
	fmt.Fprintf(s.record, "%.2f Recv (D%3d)\n", stamp(), msg.Seq)
	s.logger.Debug("transaction acknowledged", zap.Int("work", n), zap.Int64("seq", msg.Seq))

	return nil
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <port> <address>\n", os.Args[0])
		os.Exit(2)
	}

	logger, err := monitoring.NewLogger(envOr("TANDS_LOG_LEVEL", "info"), false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(os.Args[1], os.Args[2], os.Stdin, logger); err != nil {
		logger.Fatal("client failed", zap.Error(err))
	}
}

func run(port, address string, input io.Reader, logger *zap.Logger) error {
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("%w: port %q", ErrInvalidCommand, port)
	}

	file, err := monitoring.OpenRunFile(".")
	if err != nil {
		return err
	}
	defer file.Close()

	name := monitoring.RunFileName()
	fmt.Fprintf(file, "Using port %s\n", port)
	fmt.Fprintf(file, "Using server address %s\n", address)
	fmt.Fprintf(file, "Host %s\n", name)

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, port), 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	logger.Info("connected", zap.String("server", conn.RemoteAddr().String()), zap.String("name", name))

	s := newSession(conn, file, logger)
	if err := s.register(name); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	if err := s.run(input); err != nil {
		return err
	}

	logger.Info("no more input, closing connection", zap.Int("sent", s.sent))
	return nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
