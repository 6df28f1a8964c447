package backends

import (
	"bytes"
	"io"
)

// LineScanner yields complete newline-terminated lines from an incremental
// transport. The transport may split a logical line across two deliveries,
// so the scanner buffers a trailing partial line and only hands out lines it
// has seen the terminator for. At stream end a non-empty remainder is
// flushed as a final line.
type LineScanner struct {
	r       io.Reader
	buf     []byte
	rest    []byte
	pending [][]byte
	err     error
}

func NewLineScanner(r io.Reader) *LineScanner {
	return &LineScanner{
		r:   r,
		buf: make([]byte, 4096),
	}
}

// Next returns the next complete line with the terminator and any trailing
// carriage return stripped. It returns io.EOF once the transport is
// exhausted and the remainder has been flushed.
func (s *LineScanner) Next() ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			line := s.pending[0]
			s.pending = s.pending[1:]
			return line, nil
		}

		if s.err != nil {
			if len(s.rest) > 0 {
				line := s.rest
				s.rest = nil
				return trimLine(line), nil
			}
			return nil, s.err
		}

		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.feed(s.buf[:n])
		}
		if err != nil {
			s.err = err
		}
	}
}

func (s *LineScanner) feed(chunk []byte) {
	data := append(s.rest, chunk...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := trimLine(data[:idx])
		// copy, the backing array is reused across reads
		s.pending = append(s.pending, append([]byte(nil), line...))
		data = data[idx+1:]
	}
	s.rest = append([]byte(nil), data...)
}

func trimLine(line []byte) []byte {
	return bytes.TrimSuffix(line, []byte("\r"))
}
