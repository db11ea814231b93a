package api

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/VanDung-dev/TandS-Engine/engine"
)

// MaxLineSize is the maximum allowed frame size, terminator excluded.
const MaxLineSize = 1024

// Protocol errors
var (
	ErrLineTooLong       = errors.New("line exceeds maximum allowed size")
	ErrEmptyMessage      = errors.New("empty message")
	ErrUnknownMessage    = errors.New("unknown message type")
	ErrInvalidWork       = errors.New("invalid work amount")
	ErrInvalidSeq        = errors.New("invalid sequence number")
	ErrEmptyName         = errors.New("empty client name")
	ErrNotRegistered     = errors.New("work requested before registration")
	ErrUnexpectedMessage = errors.New("message not accepted by server")
)

// Kind is the first byte of a protocol line.
type Kind byte

const (
	KindRegister Kind = 'N' // client -> server: N<name>
	KindWork     Kind = 'T' // client -> server: T<work>
	KindDone     Kind = 'D' // server -> client: D<seq>
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindWork:
		return "work"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

// Message is a parsed protocol line.
type Message struct {
	Kind Kind
	Name string
	Work int
	Seq  int64
}

// ScanFrames is a bufio.SplitFunc for protocol frames. A frame ends at '\n'
// or '\x00'; a trailing '\r' is dropped and empty frames are skipped, so
// "T5\n\x00" yields a single frame.
func ScanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for {
		if atEOF && len(data) == 0 {
			return advance, nil, nil
		}

		i := bytes.IndexAny(data, "\n\x00")
		if i < 0 {
			if len(data) > MaxLineSize {
				return 0, nil, ErrLineTooLong
			}
			if atEOF {
				if frame := dropCR(data); len(frame) > 0 {
					return advance + len(data), frame, nil
				}
				return advance + len(data), nil, nil
			}
			// Request more data.
			return advance, nil, nil
		}
		if i > MaxLineSize {
			return 0, nil, ErrLineTooLong
		}

		frame := dropCR(data[:i])
		advance += i + 1
		data = data[i+1:]
		if len(frame) > 0 {
			return advance, frame, nil
		}
	}
}

func dropCR(data []byte) []byte {
	return bytes.TrimRight(data, "\r")
}

// NewFrameScanner returns a scanner yielding protocol frames from r.
func NewFrameScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 4*MaxLineSize)
	scanner.Split(ScanFrames)
	return scanner
}

// ParseMessage parses one frame.
func ParseMessage(line string) (Message, error) {
	if line == "" {
		return Message{}, ErrEmptyMessage
	}

	kind := Kind(line[0])
	body := strings.TrimSpace(line[1:])

	switch kind {
	case KindRegister:
		if body == "" {
			return Message{}, ErrEmptyName
		}
		return Message{Kind: kind, Name: body}, nil

	case KindWork:
		n, err := strconv.Atoi(body)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %q", ErrInvalidWork, body)
		}
		if n < 0 || n > engine.MaxWork {
			return Message{}, fmt.Errorf("%w: %d outside [0, %d]", ErrInvalidWork, n, engine.MaxWork)
		}
		return Message{Kind: kind, Work: n}, nil

	case KindDone:
		seq, err := strconv.ParseInt(body, 10, 64)
		if err != nil || seq <= 0 {
			return Message{}, fmt.Errorf("%w: %q", ErrInvalidSeq, body)
		}
		return Message{Kind: kind, Seq: seq}, nil

	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, line[0])
	}
}

// FormatRegister encodes a registration frame.
func FormatRegister(name string) []byte {
	return frame(KindRegister, name)
}

// FormatWork encodes a work request frame.
func FormatWork(n int) []byte {
	return frame(KindWork, strconv.Itoa(n))
}

// FormatDone encodes a completion acknowledgement frame.
func FormatDone(seq int64) []byte {
	return frame(KindDone, strconv.FormatInt(seq, 10))
}

func frame(kind Kind, body string) []byte {
	buf := make([]byte, 0, len(body)+2)
	buf = append(buf, byte(kind))
	buf = append(buf, body...)
	return append(buf, 0)
}
