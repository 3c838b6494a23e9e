package xed

import (
	"encoding/binary"
	"fmt"
	"io"
)

// cursor is a positioned reader over a seekable source of known size.
// Every multi-byte read names its byte order explicitly.
type cursor struct {
	r    io.ReadSeeker
	size int64
	pos  int64
	buf  [8]byte
}

func newCursor(r io.ReadSeeker, size int64) *cursor {
	return &cursor{r: r, size: size, pos: -1}
}

// Pos returns the absolute position of the next read.
func (c *cursor) Pos() int64 {
	return c.pos
}

// Size returns the size of the underlying source.
func (c *cursor) Size() int64 {
	return c.size
}

// SeekTo moves to an absolute offset. Offsets past the end of the source
// fail with ErrTruncated.
func (c *cursor) SeekTo(off int64) error {
	if off < 0 || off > c.size {
		return fmt.Errorf("seek to %d of %d: %w", off, c.size, ErrTruncated)
	}
	if off == c.pos {
		return nil
	}
	if _, err := c.r.Seek(off, io.SeekStart); err != nil {
		c.pos = -1
		return fmt.Errorf("seek to %d: %w", off, err)
	}
	c.pos = off
	return nil
}

// Skip advances n bytes without reading them.
func (c *cursor) Skip(n int64) error {
	if n == 0 {
		return nil
	}
	if err := c.ensurePos(); err != nil {
		return err
	}
	return c.SeekTo(c.pos + n)
}

// ReadFull fills p or fails with ErrTruncated.
func (c *cursor) ReadFull(p []byte) error {
	if err := c.ensurePos(); err != nil {
		return err
	}
	if c.pos+int64(len(p)) > c.size {
		return fmt.Errorf("read %d bytes at %d of %d: %w", len(p), c.pos, c.size, ErrTruncated)
	}
	n, err := io.ReadFull(c.r, p)
	c.pos += int64(n)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("read %d bytes at %d: %w", len(p), c.pos-int64(n), ErrTruncated)
	}
	if err != nil {
		start := c.pos - int64(n)
		c.pos = -1
		return fmt.Errorf("read at %d: %w", start, err)
	}
	return nil
}

// Uint16 reads a 16-bit value in the given byte order.
func (c *cursor) Uint16(order binary.ByteOrder) (uint16, error) {
	if err := c.ReadFull(c.buf[:2]); err != nil {
		return 0, err
	}
	return order.Uint16(c.buf[:2]), nil
}

// Uint32 reads a 32-bit value in the given byte order.
func (c *cursor) Uint32(order binary.ByteOrder) (uint32, error) {
	if err := c.ReadFull(c.buf[:4]); err != nil {
		return 0, err
	}
	return order.Uint32(c.buf[:4]), nil
}

// Uint64 reads a 64-bit value in the given byte order.
func (c *cursor) Uint64(order binary.ByteOrder) (uint64, error) {
	if err := c.ReadFull(c.buf[:8]); err != nil {
		return 0, err
	}
	return order.Uint64(c.buf[:8]), nil
}

// ensurePos recovers the position after a failed seek or read.
func (c *cursor) ensurePos() error {
	if c.pos >= 0 {
		return nil
	}
	pos, err := c.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}
	c.pos = pos
	return nil
}
