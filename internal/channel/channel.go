// Package channel implements the framed checkpoint wire protocol that runs
// between the primary and secondary CheckpointCoordinator tasks: fixed
// 8-byte big-endian tags, plus a u64-length-prefixed opaque VM-state payload
// after SEND. There is no surviving original_source implementation of this
// handshake (migration/colo.c is a pre-protocol stub); the wire format here
// follows the specification directly, encoded the way the teacher encodes
// its own fixed-width kernel structures (encoding/binary, big-endian).
package channel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Tag is one of the fixed 8-byte commands in the checkpoint alphabet.
type Tag uint64

const (
	TagREADY     Tag = 0x46
	TagNEW       Tag = 0x4e45_5700_0000_0000
	TagSUSPENDED Tag = 0x5355_5350_0000_0000
	TagSEND      Tag = 0x5345_4e44_0000_0000
	TagRECEIVED  Tag = 0x5245_4356_0000_0000
	TagLOADED    Tag = 0x4c4f_4144_0000_0000
	TagSHUTDOWN  Tag = 0x5348_5554_0000_0000
)

var tagNames = map[Tag]string{
	TagREADY:     "READY",
	TagNEW:       "NEW",
	TagSUSPENDED: "SUSPENDED",
	TagSEND:      "SEND",
	TagRECEIVED:  "RECEIVED",
	TagLOADED:    "LOADED",
	TagSHUTDOWN:  "SHUTDOWN",
}

func (t Tag) String() string {
	if n, ok := tagNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Tag(0x%016x)", uint64(t))
}

// Conn is the subset of net.Conn a Channel needs.
type Conn interface {
	io.Reader
	io.Writer
}

// Channel is the CheckpointChannel: framed tag I/O plus the length-prefixed
// payload transfer that follows SEND. It is not safe for concurrent use —
// exactly one coordinator task owns a Channel.
type Channel struct {
	conn Conn
	buf  []byte // reused 8-byte scratch for tag/length I/O
}

// New wraps conn. If conn is a *net.TCPConn, NewTCP should be preferred so
// TCP_NODELAY gets set; New is for already-configured connections and tests.
func New(conn Conn) *Channel {
	return &Channel{conn: conn, buf: make([]byte, 8)}
}

// NewTCP wraps a TCP connection and disables Nagle's algorithm: checkpoint
// frames are small and latency-sensitive, and batching them would directly
// inflate the time the VM spends suspended.
func NewTCP(conn *net.TCPConn) (*Channel, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("channel: SyscallConn: %w", err)
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}); err != nil {
		return nil, fmt.Errorf("channel: Control: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("channel: setsockopt TCP_NODELAY: %w", sockErr)
	}
	return New(conn), nil
}

// Put writes tag as an 8-byte big-endian frame.
func (c *Channel) Put(tag Tag) error {
	binary.BigEndian.PutUint64(c.buf, uint64(tag))
	if _, err := c.conn.Write(c.buf); err != nil {
		return fmt.Errorf("channel: put %s: %w", tag, err)
	}
	return nil
}

// PutU64 writes n as an 8-byte big-endian integer, used for the payload
// length that follows SEND.
func (c *Channel) PutU64(n uint64) error {
	binary.BigEndian.PutUint64(c.buf, n)
	if _, err := c.conn.Write(c.buf); err != nil {
		return fmt.Errorf("channel: put_u64: %w", err)
	}
	return nil
}

// GetExpected reads the next tag and compares it against want. A mismatch
// or a short read is a protocol violation and is always returned as an
// error rather than a bool, since spec §7 treats both as fatal to the
// coordinator.
func (c *Channel) GetExpected(want Tag) error {
	got, err := c.getTag()
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("channel: protocol violation: expected %s, got %s", want, got)
	}
	return nil
}

// GetTag reads the next tag without comparing it against an expectation,
// used by the loop-head read in both coordinator loops ("read next tag").
func (c *Channel) GetTag() (Tag, error) {
	return c.getTag()
}

func (c *Channel) getTag() (Tag, error) {
	if _, err := io.ReadFull(c.conn, c.buf); err != nil {
		return 0, fmt.Errorf("channel: read tag: %w", err)
	}
	return Tag(binary.BigEndian.Uint64(c.buf)), nil
}

// GetU64 reads an 8-byte big-endian integer, used for the payload length
// after SEND.
func (c *Channel) GetU64() (uint64, error) {
	if _, err := io.ReadFull(c.conn, c.buf); err != nil {
		return 0, fmt.Errorf("channel: get_u64: %w", err)
	}
	return binary.BigEndian.Uint64(c.buf), nil
}

// ReadExact reads exactly len(dst) bytes into dst, or returns an error. A
// short read mid-frame is fatal: there is no resynchronization in this
// protocol.
func (c *Channel) ReadExact(dst []byte) error {
	if _, err := io.ReadFull(c.conn, dst); err != nil {
		return fmt.Errorf("channel: read_exact(%d): %w", len(dst), err)
	}
	return nil
}

// WritePayload writes p to the wire verbatim (the payload bytes that follow
// a length frame). Kept distinct from ReadExact's symmetric counterpart for
// readability at call sites.
func (c *Channel) WritePayload(p []byte) error {
	if _, err := c.conn.Write(p); err != nil {
		return fmt.Errorf("channel: write payload(%d): %w", len(p), err)
	}
	return nil
}

// Flush flushes any buffering conn performs, if it exposes one. Plain
// net.Conn writes are unbuffered, so this is a no-op unless conn implements
// an explicit Flush() error method (e.g. a bufio.Writer-backed Conn in
// tests).
func (c *Channel) Flush() error {
	type flusher interface{ Flush() error }
	if f, ok := c.conn.(flusher); ok {
		return f.Flush()
	}
	return nil
}
