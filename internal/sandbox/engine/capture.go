package engine

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

const readChunkSize = 32 * 1024

// cappedBuffer collects at most limit bytes from one stream.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated atomic.Bool
	overflow  func()
}

func newCappedBuffer(limit int64, overflow func()) *cappedBuffer {
	return &cappedBuffer{limit: limit, overflow: overflow}
}

// readFrom copies r until EOF, a read error or the cap is exceeded.
// Exceeding the cap stops reading immediately so the writer blocks or fails.
func (c *cappedBuffer) readFrom(r io.Reader) error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			remaining := c.limit - int64(c.buf.Len())
			if int64(n) > remaining {
				c.buf.Write(chunk[:remaining])
				c.truncated.Store(true)
				if c.overflow != nil {
					c.overflow()
				}
				return nil
			}
			c.buf.Write(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	return c.truncated.Load()
}

// signalOnce closes ch the first time it is called.
func signalOnce(ch chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() { close(ch) })
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed)
}
