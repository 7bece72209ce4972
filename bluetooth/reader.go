package bluetooth

import (
	"bytes"
	"io"
	"strings"
)

// ChunkReader splits a serial byte stream into text chunks. With a
// delimiter each chunk is one delimited message; without one every read is
// a chunk. It does not try to repair readings split across reads.
type ChunkReader struct {
	r         io.Reader
	delimiter []byte
	pending   []byte
}

func NewChunkReader(r io.Reader, delimiter string) *ChunkReader {
	return &ChunkReader{r: r, delimiter: []byte(delimiter)}
}

// Run reads until the underlying reader fails and returns that error
// (io.EOF on a clean close). Zero-byte reads from a timed-out serial port
// are skipped. A partial message left at the end is emitted before Run
// returns.
func (cr *ChunkReader) Run(emit func(string)) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := cr.r.Read(buf)
		if n > 0 {
			cr.feed(buf[:n], emit)
		}
		if err != nil {
			cr.flush(emit)
			return err
		}
	}
}

func (cr *ChunkReader) feed(data []byte, emit func(string)) {
	if len(cr.delimiter) == 0 {
		emit(string(data))
		return
	}

	cr.pending = append(cr.pending, data...)
	for {
		idx := bytes.Index(cr.pending, cr.delimiter)
		if idx < 0 {
			break
		}
		emitLine(cr.pending[:idx], emit)
		cr.pending = cr.pending[idx+len(cr.delimiter):]
	}

	if len(cr.pending) > maxPendingBytes {
		cr.flush(emit)
	}
}

func (cr *ChunkReader) flush(emit func(string)) {
	if len(cr.pending) > 0 {
		emitLine(cr.pending, emit)
	}
	cr.pending = nil
}

func emitLine(line []byte, emit func(string)) {
	text := strings.TrimRight(string(line), "\r")
	if strings.TrimSpace(text) == "" {
		return
	}
	emit(text)
}
