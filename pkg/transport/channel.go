// Package transport provides the blocking, in-order framed channel the
// protocol dialogue runs over, with byte accounting for the statistics
// report.
//
// Every message is self-describing: scalars are fixed-width little-endian,
// variable-length payloads carry a 64-bit length prefix. For every send on
// one side there is a matching receive of the same type on the other; any
// framing violation is fatal for the session.
package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opaque/fpsi/go/pkg/okvs"
)

// MaxFrameSize bounds a single length-prefixed payload. Larger prefixes
// are treated as protocol-frame corruption rather than allocated.
const MaxFrameSize = 1 << 30

// Conn is a framed channel over a reliable byte stream. It is not safe
// for concurrent use; the protocol is strictly sequential per party.
type Conn struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader
	w   *bufio.Writer

	sent     uint64
	received uint64

	scratch [8]byte
}

// NewConn wraps a byte stream into a framed channel.
func NewConn(rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		rwc: rwc,
		r:   bufio.NewReaderSize(rwc, 1<<16),
		w:   bufio.NewWriterSize(rwc, 1<<16),
	}
}

// Flush writes out any buffered data.
func (c *Conn) Flush() error {
	return c.w.Flush()
}

// Close flushes and closes the underlying stream.
func (c *Conn) Close() error {
	if err := c.w.Flush(); err != nil {
		c.rwc.Close()
		return err
	}
	return c.rwc.Close()
}

// BytesSent returns the cumulative bytes written to the channel.
func (c *Conn) BytesSent() uint64 { return c.sent }

// BytesReceived returns the cumulative bytes read from the channel.
func (c *Conn) BytesReceived() uint64 { return c.received }

func (c *Conn) write(p []byte) error {
	if _, err := c.w.Write(p); err != nil {
		return fmt.Errorf("channel write: %w", err)
	}
	c.sent += uint64(len(p))
	return nil
}

// read fills p, flushing pending writes first so that a strictly
// alternating dialogue can never deadlock on buffered output.
func (c *Conn) read(p []byte) error {
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("channel flush: %w", err)
	}
	if _, err := io.ReadFull(c.r, p); err != nil {
		return fmt.Errorf("channel read: %w", err)
	}
	c.received += uint64(len(p))
	return nil
}

// SendRaw writes a fixed-width payload with no framing.
func (c *Conn) SendRaw(p []byte) error { return c.write(p) }

// RecvRaw fills p with the peer's matching fixed-width payload.
func (c *Conn) RecvRaw(p []byte) error { return c.read(p) }

// SendUint64 sends a little-endian 64-bit value.
func (c *Conn) SendUint64(v uint64) error {
	binary.LittleEndian.PutUint64(c.scratch[:8], v)
	return c.write(c.scratch[:8])
}

// RecvUint64 receives a little-endian 64-bit value.
func (c *Conn) RecvUint64() (uint64, error) {
	if err := c.read(c.scratch[:8]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(c.scratch[:8]), nil
}

// SendInt32 sends a little-endian 32-bit value.
func (c *Conn) SendInt32(v int) error {
	binary.LittleEndian.PutUint32(c.scratch[:4], uint32(int32(v)))
	return c.write(c.scratch[:4])
}

// RecvInt32 receives a little-endian 32-bit value.
func (c *Conn) RecvInt32() (int, error) {
	if err := c.read(c.scratch[:4]); err != nil {
		return 0, err
	}
	return int(int32(binary.LittleEndian.Uint32(c.scratch[:4]))), nil
}

// SendByte sends a single byte.
func (c *Conn) SendByte(b byte) error {
	c.scratch[0] = b
	return c.write(c.scratch[:1])
}

// RecvByte receives a single byte.
func (c *Conn) RecvByte() (byte, error) {
	if err := c.read(c.scratch[:1]); err != nil {
		return 0, err
	}
	return c.scratch[0], nil
}

// SendBytes sends a length-prefixed payload.
func (c *Conn) SendBytes(p []byte) error {
	if len(p) > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(p), MaxFrameSize)
	}
	if err := c.SendUint64(uint64(len(p))); err != nil {
		return err
	}
	return c.write(p)
}

// RecvBytes receives a length-prefixed payload.
func (c *Conn) RecvBytes() ([]byte, error) {
	size, err := c.RecvUint64()
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("frame prefix %d exceeds limit %d", size, MaxFrameSize)
	}
	p := make([]byte, size)
	if err := c.read(p); err != nil {
		return nil, err
	}
	return p, nil
}

// SendString sends a length-prefixed string.
func (c *Conn) SendString(s string) error { return c.SendBytes([]byte(s)) }

// RecvString receives a length-prefixed string.
func (c *Conn) RecvString() (string, error) {
	p, err := c.RecvBytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// SendBlock sends a 128-bit block.
func (c *Conn) SendBlock(b okvs.Block) error { return c.write(b.Bytes()) }

// RecvBlock receives a 128-bit block.
func (c *Conn) RecvBlock() (okvs.Block, error) {
	var p [16]byte
	if err := c.read(p[:]); err != nil {
		return okvs.Block{}, err
	}
	return okvs.BlockFromBytes(p[:]), nil
}

// SendBlocks sends a run of blocks back to back.
func (c *Conn) SendBlocks(bs []okvs.Block) error {
	buf := make([]byte, 0, 16*len(bs))
	for _, b := range bs {
		buf = b.AppendTo(buf)
	}
	return c.write(buf)
}

// RecvBlocks receives n blocks sent with SendBlocks.
func (c *Conn) RecvBlocks(n int) ([]okvs.Block, error) {
	buf := make([]byte, 16*n)
	if err := c.read(buf); err != nil {
		return nil, err
	}
	out := make([]okvs.Block, n)
	for i := range out {
		out[i] = okvs.BlockFromBytes(buf[16*i:])
	}
	return out, nil
}
