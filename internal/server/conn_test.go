package server

import (
	"bytes"
	"testing"
)

func testConn() *Conn { return &Conn{fd: -1} }

func feed(c *Conn, data string) {
	c.mu.Lock()
	c.readBuf = append(c.readBuf, data...)
	c.mu.Unlock()
}

func TestExtractRequestHeaderOnly(t *testing.T) {
	c := testConn()
	feed(c, "GET /iot/query HTTP/1.1\r\nHost: x\r\n\r\n")

	req := c.ExtractRequest()
	if req == nil {
		t.Fatal("expected a complete request")
	}
	if !bytes.HasPrefix(req, []byte("GET /iot/query")) {
		t.Errorf("unexpected request: %q", req)
	}
	if c.buffered() != 0 {
		t.Errorf("read buffer should be empty, has %d bytes", c.buffered())
	}
}

func TestExtractRequestWaitsForFullBody(t *testing.T) {
	c := testConn()
	feed(c, "POST /iot/report HTTP/1.1\r\nContent-Length: 10\r\n\r\n12345")

	if req := c.ExtractRequest(); req != nil {
		t.Fatalf("request extracted before body complete: %q", req)
	}
	feed(c, "67890")
	req := c.ExtractRequest()
	if req == nil {
		t.Fatal("expected a complete request after body arrived")
	}
	if !bytes.HasSuffix(req, []byte("1234567890")) {
		t.Errorf("body missing from request: %q", req)
	}
}

func TestExtractRequestIncompleteHeader(t *testing.T) {
	c := testConn()
	feed(c, "GET /iot/query HTTP/1.1\r\nHost: x\r\n")
	if req := c.ExtractRequest(); req != nil {
		t.Fatalf("extracted without header terminator: %q", req)
	}
}

func TestExtractRequestPipelined(t *testing.T) {
	c := testConn()
	first := "POST /a HTTP/1.1\r\nContent-Length: 2\r\n\r\nab"
	second := "GET /b HTTP/1.1\r\n\r\n"
	feed(c, first+second)

	got1 := c.ExtractRequest()
	got2 := c.ExtractRequest()
	if string(got1) != first {
		t.Errorf("first request = %q, want %q", got1, first)
	}
	if string(got2) != second {
		t.Errorf("second request = %q, want %q", got2, second)
	}
	if c.ExtractRequest() != nil {
		t.Error("buffer should be drained")
	}
}

func TestParseContentLength(t *testing.T) {
	tests := []struct {
		header string
		want   int
	}{
		{"POST / HTTP/1.1\r\nContent-Length: 42\r\n\r\n", 42},
		{"POST / HTTP/1.1\r\nCONTENT-LENGTH:\t7\r\n\r\n", 7},
		{"POST / HTTP/1.1\r\ncontent-length:0\r\n\r\n", 0},
		{"POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n", 0},
		{"POST / HTTP/1.1\r\nContent-Length: -5\r\n\r\n", 0},
		{"GET / HTTP/1.1\r\nHost: x\r\n\r\n", 0},
	}
	for _, tt := range tests {
		if got := parseContentLength([]byte(tt.header)); got != tt.want {
			t.Errorf("parseContentLength(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
}

func TestDispatchQueueOrderAndSlot(t *testing.T) {
	c := testConn()
	c.enqueue([]byte("one"))
	c.enqueue([]byte("two"))

	if !c.claimDispatch() {
		t.Fatal("first claim should succeed")
	}
	if c.claimDispatch() {
		t.Fatal("second claim must fail while slot is busy")
	}

	req, ok := c.nextRequest()
	if !ok || string(req) != "one" {
		t.Fatalf("nextRequest = %q, %v; want %q, true", req, ok, "one")
	}
	req, ok = c.nextRequest()
	if !ok || string(req) != "two" {
		t.Fatalf("nextRequest = %q, %v; want %q, true", req, ok, "two")
	}
	if _, ok := c.nextRequest(); ok {
		t.Fatal("empty queue should report no request")
	}
	c.enqueue([]byte("three"))
	if !c.claimDispatch() {
		t.Fatal("slot should be free again after queue drained")
	}
}

func TestAppendResponseAfterCloseDropped(t *testing.T) {
	c := testConn()
	c.Close()
	c.AppendResponse([]byte("late"))
	c.mu.Lock()
	n := len(c.writeBuf)
	c.mu.Unlock()
	if n != 0 {
		t.Errorf("write buffer has %d bytes after close", n)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := testConn()
	c.Close()
	c.Close()
	if !c.Closed() {
		t.Error("Closed() = false after Close")
	}
}
