package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Mode is the transfer-mode tag written before each logical unit.
type Mode uint8

const (
	ModeFormula        Mode = 1
	ModeJobDescription Mode = 2
	ModeEndToken       Mode = 3
	ModeControl        Mode = 4
)

func (m Mode) String() string {
	switch m {
	case ModeFormula:
		return "formula"
	case ModeJobDescription:
		return "job"
	case ModeEndToken:
		return "end"
	case ModeControl:
		return "control"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

const (
	// chunkSize bounds a single read or write of formula bytes.
	chunkSize = 4096
	// maxMessageSize bounds job and control envelopes.
	maxMessageSize = 16 << 20
	// maxFormulaSize bounds a formula transfer.
	maxFormulaSize = 1 << 34
)

var (
	// ErrRejected is returned for a handshake with id 0, our own id or an
	// unexpected peer.
	ErrRejected = errors.New("transport: handshake rejected")

	// ErrUnknownMode is returned for an unknown transfer-mode tag.
	ErrUnknownMode = errors.New("transport: unknown transfer mode")

	// ErrTooLarge is returned for a length prefix above the limits.
	ErrTooLarge = errors.New("transport: transfer too large")

	// ErrClosed completes queued items of a connection that ended.
	ErrClosed = errors.New("transport: connection closed")

	// ErrUnreachable completes queued items of a peer past the retry
	// ceiling.
	ErrUnreachable = errors.New("transport: peer unreachable")
)

// Frame is one received logical unit.
type Frame struct {
	Mode       Mode
	Originator int64
	Payload    []byte
}

type phase uint8

const (
	awaitingHandshake phase = iota
	awaitingModeTag
	awaitingLength
	awaitingBody
	closed
)

func (p phase) String() string {
	return [...]string{"awaiting-handshake", "awaiting-mode-tag", "awaiting-length", "awaiting-body", "closed"}[p]
}

// reader decodes a stream one phase at a time.
type reader struct {
	r          io.Reader
	validate   func(id int64) error
	body       bytes.Buffer
	remaining  uint64
	peer       int64
	originator int64
	phase      phase
	mode       Mode
}

func newReader(r io.Reader, validate func(id int64) error) *reader {
	return &reader{r: r, validate: validate}
}

func (rd *reader) fail(err error) (*Frame, error) {
	rd.phase = closed
	return nil, err
}

// step advances the reader by one phase. It returns a frame when a unit
// completed, nil otherwise.
func (rd *reader) step() (*Frame, error) {
	switch rd.phase {
	case awaitingHandshake:
		var b [8]byte
		if _, err := io.ReadFull(rd.r, b[:]); err != nil {
			return rd.fail(fmt.Errorf("transport: reading handshake: %w", err))
		}
		id := int64(binary.BigEndian.Uint64(b[:]))
		if rd.validate != nil {
			if err := rd.validate(id); err != nil {
				return rd.fail(fmt.Errorf("%w: peer id %d: %v", ErrRejected, id, err))
			}
		}
		rd.peer = id
		rd.phase = awaitingModeTag
		return nil, nil

	case awaitingModeTag:
		var b [1]byte
		if _, err := io.ReadFull(rd.r, b[:]); err != nil {
			return rd.fail(err)
		}
		rd.mode = Mode(b[0])
		switch rd.mode {
		case ModeEndToken:
			rd.phase = closed
			return &Frame{Mode: ModeEndToken}, nil
		case ModeFormula, ModeJobDescription, ModeControl:
			rd.phase = awaitingLength
			return nil, nil
		}
		return rd.fail(fmt.Errorf("%w: %d", ErrUnknownMode, b[0]))

	case awaitingLength:
		var length uint64
		if rd.mode == ModeFormula {
			var b [16]byte
			if _, err := io.ReadFull(rd.r, b[:]); err != nil {
				return rd.fail(fmt.Errorf("transport: reading formula header: %w", err))
			}
			rd.originator = int64(binary.BigEndian.Uint64(b[:8]))
			length = binary.BigEndian.Uint64(b[8:])
			if length > maxFormulaSize {
				return rd.fail(fmt.Errorf("%w: formula of %d bytes", ErrTooLarge, length))
			}
		} else {
			var b [4]byte
			if _, err := io.ReadFull(rd.r, b[:]); err != nil {
				return rd.fail(fmt.Errorf("transport: reading length: %w", err))
			}
			rd.originator = 0
			length = uint64(binary.BigEndian.Uint32(b[:]))
			if length > maxMessageSize {
				return rd.fail(fmt.Errorf("%w: message of %d bytes", ErrTooLarge, length))
			}
		}
		rd.remaining = length
		rd.body.Reset()
		rd.phase = awaitingBody
		return nil, nil

	case awaitingBody:
		if rd.remaining > 0 {
			n := rd.remaining
			if n > chunkSize {
				n = chunkSize
			}
			if _, err := io.CopyN(&rd.body, rd.r, int64(n)); err != nil {
				if errors.Is(err, io.EOF) {
					err = io.ErrUnexpectedEOF
				}
				return rd.fail(fmt.Errorf("transport: reading %s body: %w", rd.mode, err))
			}
			rd.remaining -= n
			if rd.remaining > 0 {
				return nil, nil
			}
		}
		f := &Frame{Mode: rd.mode, Originator: rd.originator, Payload: bytes.Clone(rd.body.Bytes())}
		rd.body.Reset()
		rd.phase = awaitingModeTag
		return f, nil
	}
	return nil, io.EOF
}

// next steps until a frame is complete.
func (rd *reader) next() (Frame, error) {
	for {
		f, err := rd.step()
		if err != nil {
			return Frame{}, err
		}
		if f != nil {
			return *f, nil
		}
	}
}

// readHandshake reads only the peer id.
func (rd *reader) readHandshake() (int64, error) {
	if _, err := rd.step(); err != nil {
		return 0, err
	}
	return rd.peer, nil
}

func writeHandshake(w io.Writer, id int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	_, err := w.Write(b[:])
	return err
}

// writeItem encodes one queued unit and flushes it.
func writeItem(w *bufio.Writer, it *item) error {
	if err := w.WriteByte(byte(it.mode)); err != nil {
		return err
	}
	switch it.mode {
	case ModeEndToken:
	case ModeFormula:
		var b [16]byte
		binary.BigEndian.PutUint64(b[:8], uint64(it.originator))
		binary.BigEndian.PutUint64(b[8:], uint64(len(it.payload)))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
		for rest := it.payload; len(rest) > 0; {
			n := len(rest)
			if n > chunkSize {
				n = chunkSize
			}
			if _, err := w.Write(rest[:n]); err != nil {
				return err
			}
			rest = rest[n:]
		}
	default:
		if len(it.payload) > maxMessageSize {
			return fmt.Errorf("%w: message of %d bytes", ErrTooLarge, len(it.payload))
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(it.payload)))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
		if _, err := w.Write(it.payload); err != nil {
			return err
		}
	}
	return w.Flush()
}
