package server

import (
	"bytes"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// readChunk is the size of the stack buffer used per recv call.
const readChunk = 4096

var crlfcrlf = []byte("\r\n\r\n")

// Conn holds the per-socket state: the inbound byte buffer that requests are
// framed out of, the outbound buffer drained by writability events, and the
// dispatch queue that keeps responses on a keep-alive connection in request
// order. All buffer access goes through a single mutex; socket syscalls
// happen outside it.
type Conn struct {
	fd int

	mu       sync.Mutex
	readBuf  []byte
	writeBuf []byte
	closed   bool

	// pending holds extracted requests that have not been handed to the
	// worker pool yet. busy marks that one of them is in flight; the next
	// is dispatched only after its response bytes were appended.
	pending [][]byte
	busy    bool
}

func newConn(fd int) *Conn {
	return &Conn{fd: fd}
}

// OnReadable drains the socket into the read buffer. Edge-triggered
// registration delivers readability once per transition, so this keeps
// reading until the socket would block. Peer close and hard errors close
// the connection.
func (c *Conn) OnReadable() {
	var buf [readChunk]byte
	for {
		n, err := unix.Read(c.fd, buf[:])
		if n > 0 {
			c.mu.Lock()
			c.readBuf = append(c.readBuf, buf[:n]...)
			c.mu.Unlock()
			continue
		}
		if n == 0 && err == nil {
			c.Close()
			return
		}
		switch err {
		case unix.EAGAIN:
			return
		case unix.EINTR:
			continue
		default:
			c.Close()
			return
		}
	}
}

// ExtractRequest removes and returns one complete HTTP request from the read
// buffer, or nil when no full request has arrived yet. A request is complete
// once the header terminator is present and Content-Length more bytes of
// body follow it; requests without a Content-Length header are header-only.
func (c *Conn) ExtractRequest() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	headerEnd := bytes.Index(c.readBuf, crlfcrlf)
	if headerEnd < 0 {
		return nil
	}
	total := headerEnd + len(crlfcrlf) + parseContentLength(c.readBuf[:headerEnd+len(crlfcrlf)])
	if len(c.readBuf) < total {
		return nil
	}
	req := make([]byte, total)
	copy(req, c.readBuf[:total])
	c.readBuf = append(c.readBuf[:0], c.readBuf[total:]...)
	return req
}

// parseContentLength scans a header block for a Content-Length value. The
// header name is matched case-insensitively, optional spaces and tabs after
// the colon are skipped, and anything that does not parse as a non-negative
// integer counts as zero.
func parseContentLength(header []byte) int {
	const name = "content-length:"
	i := bytes.Index(bytes.ToLower(header), []byte(name))
	if i < 0 {
		return 0
	}
	j := i + len(name)
	for j < len(header) && (header[j] == ' ' || header[j] == '\t') {
		j++
	}
	k := j
	for k < len(header) && header[k] != '\r' && header[k] != '\n' {
		k++
	}
	n, err := strconv.Atoi(string(header[j:k]))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// AppendResponse adds bytes to the outbound buffer. The caller re-arms the
// poller afterwards so the event loop notices the buffer is non-empty.
func (c *Conn) AppendResponse(resp []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.writeBuf = append(c.writeBuf, resp...)
}

// OnWritable sends as much of the outbound buffer as the socket accepts and
// erases the sent prefix. Appends land at the tail, so erasing by the sent
// count stays correct even if the buffer grew between the snapshot and the
// erase.
func (c *Conn) OnWritable() {
	for {
		c.mu.Lock()
		if c.closed || len(c.writeBuf) == 0 {
			c.mu.Unlock()
			return
		}
		data := c.writeBuf
		c.mu.Unlock()

		n, err := unix.Write(c.fd, data)
		if n > 0 {
			c.mu.Lock()
			c.writeBuf = append(c.writeBuf[:0], c.writeBuf[n:]...)
			c.mu.Unlock()
			continue
		}
		switch err {
		case unix.EAGAIN:
			return
		case unix.EINTR:
			continue
		default:
			c.Close()
			return
		}
	}
}

// enqueue appends an extracted request to the dispatch queue.
func (c *Conn) enqueue(req []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, req)
	c.mu.Unlock()
}

// claimDispatch marks the connection busy when requests are queued and no
// handler currently owns the slot. The caller that gets true must follow up
// with nextRequest.
func (c *Conn) claimDispatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy || len(c.pending) == 0 {
		return false
	}
	c.busy = true
	return true
}

// nextRequest pops the oldest queued request. When the queue is empty it
// releases the dispatch slot and reports false.
func (c *Conn) nextRequest() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		c.busy = false
		return nil, false
	}
	req := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return req, true
}

// Close shuts the socket down once; later calls are no-ops.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.fd >= 0 {
		unix.Close(c.fd)
	}
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// buffered returns the current read buffer length, for stats.
func (c *Conn) buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readBuf)
}
