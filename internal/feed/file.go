package feed

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/roach88/txlife/internal/event"
)

const (
	maxLineSize = 1 << 20

	// oversizedPrefix is how much of an oversized line is kept as its body.
	oversizedPrefix = 256
)

// File is a Source reading one message per line from a JSON-lines stream.
// Blank lines are skipped. Acks are no-ops: a file cannot be re-read.
//
// A line longer than the size limit is delivered as a malformed message,
// with only its first bytes as body, and reading continues on the next line.
type File struct {
	mu      sync.Mutex
	reader  *bufio.Reader
	closer  io.Closer
	line    int
	maxLine int
	eof     bool
}

// OpenFile opens a JSON-lines file as a Source. Close releases it.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed file: %w", err)
	}
	src := NewReader(f)
	src.closer = f
	return src, nil
}

// NewReader reads messages from r.
func NewReader(r io.Reader) *File {
	return &File{reader: bufio.NewReaderSize(r, 64*1024), maxLine: maxLineSize}
}

// Receive implements Source.
func (f *File) Receive(ctx context.Context) (Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		if f.eof {
			return Delivery{}, ErrClosed
		}
		raw, size, err := f.readLine()
		if err != nil {
			return Delivery{}, fmt.Errorf("read feed line %d: %w", f.line+1, err)
		}
		if size == 0 && f.eof {
			return Delivery{}, ErrClosed
		}
		f.line++
		id := strconv.Itoa(f.line)

		if size > f.maxLine {
			return Delivery{
				ID:   id,
				Body: raw,
				Err:  fmt.Errorf("%w: line %d is %d bytes, limit is %d", event.ErrInvalidEvent, f.line, size, f.maxLine),
			}, nil
		}
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		return newDelivery(id, line, nil), nil
	}
}

// readLine reads up to the next newline and returns the line, or its first
// oversizedPrefix bytes when it exceeds maxLine, together with its full size.
func (f *File) readLine() ([]byte, int, error) {
	var (
		buf  []byte
		size int
	)
	for {
		chunk, err := f.reader.ReadSlice('\n')
		size += len(chunk)
		if size <= f.maxLine {
			buf = append(buf, chunk...)
		} else if len(buf) < oversizedPrefix {
			buf = append(buf, chunk[:min(len(chunk), oversizedPrefix-len(buf))]...)
		} else if len(buf) > oversizedPrefix {
			buf = bytes.Clone(buf[:oversizedPrefix])
		}

		switch {
		case err == nil:
			return buf, size, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			f.eof = true
			return buf, size, nil
		default:
			return nil, 0, err
		}
	}
}

// Close releases the underlying file, if any.
func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
