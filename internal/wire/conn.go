package wire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a framed-message endpoint over a Unix stream socket. A single
// goroutine should own the read side of a Conn at a time (spec.md §5); the
// write side is safe for concurrent use via an internal lock, matching the
// teacher's ipc.Publisher wrapping its net.Conn writes in a sync.Mutex.
type Conn struct {
	uc *net.UnixConn

	sendMu sync.Mutex
}

// New wraps an already-connected Unix socket.
func New(uc *net.UnixConn) *Conn {
	return &Conn{uc: uc}
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// RawConn exposes the underlying *net.UnixConn (e.g. for SetDeadline calls
// from the broker's connection goroutine).
func (c *Conn) RawConn() *net.UnixConn { return c.uc }

// Send writes one frame: a 4-byte big-endian length, written with its own
// Write call first (matching the original's "length prefix is always
// written as a separate send before the main send to keep framing
// deterministic"), followed by the payload, with fds (if any) attached as
// ancillary data to that second write via sendmsg.
func (c *Conn) Send(payload []byte, fds []int) error {
	if err := checkFDCount(len(fds)); err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	lenBuf := encodeLength(len(payload))
	if _, err := c.uc.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: send length: %w", err)
	}

	if len(fds) == 0 {
		if _, err := c.writeAll(payload); err != nil {
			return fmt.Errorf("wire: send payload: %w", err)
		}
		return nil
	}

	oob := unix.UnixRights(fds...)
	n, _, err := c.uc.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("wire: send payload with fds: %w", err)
	}
	if n < len(payload) {
		if _, err := c.writeAll(payload[n:]); err != nil {
			return fmt.Errorf("wire: send payload remainder: %w", err)
		}
	}
	return nil
}

func (c *Conn) writeAll(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := c.uc.Write(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ErrNoFrame is returned by Recv when no byte of a frame arrived before the
// deadline elapsed. It carries no side effects: the connection is left in
// the same logical state as before the call. A deadline that expires after
// part of a frame was read is reported as an ordinary error instead.
var ErrNoFrame = errors.New("wire: no frame before timeout")

// Recv reads exactly one frame, with timeout applied as a read deadline on
// the underlying connection. bufCap bounds the accepted payload size; a
// declared length >= bufCap causes ErrFrameTooLarge and the caller should
// close the connection. Up to MaxFDs descriptors are extracted from the
// ancillary data of the receive that completes the payload.
func (c *Conn) Recv(bufCap int, timeout time.Duration) (*Frame, error) {
	if timeout > 0 {
		if err := c.uc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("wire: set read deadline: %w", err)
		}
		defer c.uc.SetReadDeadline(time.Time{})
	}

	var lenBuf [4]byte
	if rn, err := io.ReadFull(c.uc, lenBuf[:]); err != nil {
		if rn == 0 && isTimeout(err) {
			return nil, ErrNoFrame
		}
		return nil, err
	}

	n := decodeLength(lenBuf[:])
	if n >= bufCap {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, n)
	oob := make([]byte, unix.CmsgSpace(4*MaxFDs))

	got := 0
	var fds []int
	for got < n {
		pn, oobn, _, _, err := c.uc.ReadMsgUnix(payload[got:], oob)
		if err != nil {
			// A timeout here leaves a partly read frame behind, so it is
			// a broken connection, not ErrNoFrame.
			return nil, fmt.Errorf("wire: recv payload: %w", err)
		}
		if pn == 0 && oobn == 0 {
			return nil, io.ErrUnexpectedEOF
		}
		got += pn
		if oobn > 0 {
			more, err := parseFDs(oob[:oobn])
			if err != nil {
				return nil, fmt.Errorf("wire: parse ancillary fds: %w", err)
			}
			fds = append(fds, more...)
		}
	}

	if len(fds) > MaxFDs {
		// Defensive: close the overflow, keep only the first MaxFDs.
		for _, fd := range fds[MaxFDs:] {
			unix.Close(fd)
		}
		fds = fds[:MaxFDs]
	}

	return &Frame{Payload: payload, FDs: fds}, nil
}

func parseFDs(oob []byte) ([]int, error) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, scm := range scms {
		f, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		fds = append(fds, f...)
	}
	return fds, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// CloseFDs closes every descriptor in fds, swallowing errors. Used on the
// broker's "not forwarded" path (spec.md §5 resource discipline: a
// descriptor is either forwarded or immediately closed).
func CloseFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
