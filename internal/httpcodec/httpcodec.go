// Package httpcodec implements the stateless HTTP/1.1 request parser and
// response builder used by the event-loop server. It works on complete
// request frames (the connection layer guarantees framing) and never touches
// sockets.
package httpcodec

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// ContentTypeJSON is the content type of every API response.
const ContentTypeJSON = "application/json"

var crlfcrlf = []byte("\r\n\r\n")

// ErrMalformedRequest reports a request line that does not have the
// METHOD SP TARGET SP VERSION shape.
var ErrMalformedRequest = errors.New("httpcodec: malformed request line")

// Request is one parsed HTTP request. Header names are lowercased.
type Request struct {
	Method  string
	Path    string
	Query   string // raw query string, no %-decoding
	Proto   string
	Headers map[string]string
	Body    []byte
}

// Header returns the value of the named header; name is matched lowercase.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// ParseRequest parses a complete request frame. The body is taken from the
// bytes after the header terminator, truncated to the declared
// Content-Length; a missing or malformed Content-Length means no body.
func ParseRequest(raw []byte) (*Request, error) {
	head := raw
	var rest []byte
	if i := bytes.Index(raw, crlfcrlf); i >= 0 {
		head = raw[:i]
		rest = raw[i+4:]
	}

	line, remainder := cutLine(head)
	method, after, ok := strings.Cut(string(line), " ")
	if !ok {
		return nil, ErrMalformedRequest
	}
	target, proto, ok := strings.Cut(after, " ")
	if !ok {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Method:  method,
		Proto:   proto,
		Headers: make(map[string]string, 8),
	}
	req.Path, req.Query, _ = strings.Cut(target, "?")

	for len(remainder) > 0 {
		line, remainder = cutLine(remainder)
		if len(line) == 0 {
			break
		}
		name, value, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		key := strings.ToLower(string(name))
		req.Headers[key] = string(bytes.TrimLeft(value, " \t"))
	}

	if cl, ok := req.Headers["content-length"]; ok {
		n, err := strconv.ParseUint(strings.TrimSpace(cl), 10, 63)
		if err == nil {
			if n > uint64(len(rest)) {
				n = uint64(len(rest))
			}
			req.Body = rest[:n]
		}
	}
	return req, nil
}

// cutLine splits off the first line, tolerating both \r\n and bare \n.
func cutLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return bytes.TrimSuffix(b, []byte("\r")), nil
	}
	line = b[:i]
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, b[i+1:]
}

// StatusText returns the reason phrase for the status codes the server
// emits. Unknown codes fall back to OK, matching the response builder's
// contract of only ever producing the four documented statuses.
func StatusText(code int) string {
	switch code {
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "OK"
	}
}

// BuildResponse serializes a keep-alive HTTP/1.1 response carrying JSON.
func BuildResponse(status int, body []byte) []byte {
	return BuildResponseType(status, ContentTypeJSON, body)
}

// BuildResponseType serializes a keep-alive HTTP/1.1 response with the given
// content type. charset=utf-8 is always appended.
func BuildResponseType(status int, contentType string, body []byte) []byte {
	var b bytes.Buffer
	b.Grow(128 + len(body))
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(StatusText(status))
	b.WriteString("\r\nContent-Type: ")
	b.WriteString(contentType)
	b.WriteString("; charset=utf-8\r\nContent-Length: ")
	b.WriteString(strconv.Itoa(len(body)))
	b.WriteString("\r\nConnection: keep-alive\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// ParseQuery splits a raw query string into key/value pairs. Values are kept
// byte-for-byte (no %-decoding); tokens without '=' are skipped; repeated
// keys keep the last value.
func ParseQuery(query string) map[string]string {
	params := make(map[string]string)
	for query != "" {
		var token string
		token, query, _ = strings.Cut(query, "&")
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			continue
		}
		params[key] = value
	}
	return params
}
