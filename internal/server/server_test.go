package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/devicehub/devicehub/internal/httpcodec"
	"github.com/devicehub/devicehub/internal/workerpool"
)

func startServer(t *testing.T, h Handler) *Server {
	t.Helper()
	pool := workerpool.New()
	pool.Start(4)
	srv := New(h, pool)
	if err := srv.Listen("127.0.0.1", 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Run()
	t.Cleanup(func() {
		srv.Stop()
		pool.Stop()
	})
	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c.SetDeadline(time.Now().Add(3 * time.Second))
	t.Cleanup(func() { c.Close() })
	return c
}

func readResponse(t *testing.T, br *bufio.Reader) (status, body string) {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	status = strings.TrimRight(line, "\r\n")

	contentLength := 0
	for {
		h, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		h = strings.TrimRight(h, "\r\n")
		if h == "" {
			break
		}
		if v, ok := strings.CutPrefix(strings.ToLower(h), "content-length:"); ok {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(v))
		}
	}
	buf := make([]byte, contentLength)
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return status, string(buf)
}

func echoPathHandler(req []byte) []byte {
	r, err := httpcodec.ParseRequest(req)
	if err != nil {
		return httpcodec.BuildResponse(400, []byte("bad"))
	}
	return httpcodec.BuildResponse(200, []byte(r.Path))
}

func TestServeSingleRequest(t *testing.T) {
	srv := startServer(t, func(req []byte) []byte {
		return httpcodec.BuildResponse(200, []byte(`{"code":0,"message":"ok"}`))
	})
	c := dialServer(t, srv)
	br := bufio.NewReader(c)

	if _, err := c.Write([]byte("GET /healthz HTTP/1.1\r\nHost: t\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	status, body := readResponse(t, br)
	if status != "HTTP/1.1 200 OK" {
		t.Errorf("status = %q", status)
	}
	if body != `{"code":0,"message":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestKeepAliveSequentialRequests(t *testing.T) {
	srv := startServer(t, echoPathHandler)
	c := dialServer(t, srv)
	br := bufio.NewReader(c)

	for _, path := range []string{"/first", "/second", "/third"} {
		if _, err := fmt.Fprintf(c, "GET %s HTTP/1.1\r\nHost: t\r\n\r\n", path); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, body := readResponse(t, br)
		if body != path {
			t.Errorf("body = %q, want %q", body, path)
		}
	}
}

func TestPipelinedResponsesKeepRequestOrder(t *testing.T) {
	srv := startServer(t, func(req []byte) []byte {
		r, err := httpcodec.ParseRequest(req)
		if err != nil {
			return httpcodec.BuildResponse(400, []byte("bad"))
		}
		if r.Path == "/slow" {
			time.Sleep(120 * time.Millisecond)
			return httpcodec.BuildResponse(200, []byte("slow"))
		}
		return httpcodec.BuildResponse(200, []byte("fast"))
	})
	c := dialServer(t, srv)
	br := bufio.NewReader(c)

	pipelined := "GET /slow HTTP/1.1\r\nHost: t\r\n\r\n" +
		"GET /fast HTTP/1.1\r\nHost: t\r\n\r\n"
	if _, err := c.Write([]byte(pipelined)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, first := readResponse(t, br)
	_, second := readResponse(t, br)
	if first != "slow" || second != "fast" {
		t.Errorf("responses out of order: got %q then %q", first, second)
	}
}

func TestLargeBodyReassembled(t *testing.T) {
	srv := startServer(t, func(req []byte) []byte {
		r, err := httpcodec.ParseRequest(req)
		if err != nil {
			return httpcodec.BuildResponse(400, []byte("bad"))
		}
		return httpcodec.BuildResponse(200, []byte(strconv.Itoa(len(r.Body))))
	})
	c := dialServer(t, srv)
	br := bufio.NewReader(c)

	body := bytes.Repeat([]byte("x"), 64<<10)
	if _, err := fmt.Fprintf(c, "POST /iot/report HTTP/1.1\r\nHost: t\r\nContent-Length: %d\r\n\r\n", len(body)); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := c.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}
	_, got := readResponse(t, br)
	if want := strconv.Itoa(len(body)); got != want {
		t.Errorf("echoed length = %q, want %q", got, want)
	}
}

func TestPeerCloseDropsConnection(t *testing.T) {
	srv := startServer(t, echoPathHandler)
	c := dialServer(t, srv)

	waitFor(t, func() bool { return srv.ConnCount() == 1 }, "connection tracked")
	c.Close()
	waitFor(t, func() bool { return srv.ConnCount() == 0 }, "connection removed")
}

func TestStopIsIdempotent(t *testing.T) {
	srv := startServer(t, echoPathHandler)
	srv.Stop()
	srv.Stop()
	if srv.ConnCount() != 0 {
		t.Errorf("connections remain after stop: %d", srv.ConnCount())
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
