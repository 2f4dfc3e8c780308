package torsion

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var headerBodyDelim = []byte("\r\n\r\n")

// statusLineRe extracts the numeric status from an HTTP/1.x status line. A
// line it does not match parses to status 0, which callers must treat as
// "unparseable", never as a valid code.
var statusLineRe = regexp.MustCompile(`^HTTP/\d(?:\.\d)?\s+(\d+)`)

// Header is one request header. Keys are case-preserving; setting an
// existing key overwrites its value (last write wins).
type Header struct {
	Key   string
	Value string
}

// RequestFrame is one request to serialize onto a stream. The zero value is
// a bare `GET /`.
type RequestFrame struct {
	Method  string
	Target  string
	Headers []Header
	Body    []byte
}

// SetHeader records a header, overwriting a previous value under the same
// key.
func (rf *RequestFrame) SetHeader(key, value string) {
	for i := range rf.Headers {
		if rf.Headers[i].Key == key {
			rf.Headers[i].Value = value
			return
		}
	}
	rf.Headers = append(rf.Headers, Header{Key: key, Value: value})
}

// encode serializes the frame into its wire form:
//
//	METHOD target HTTP/1.1\r\nHost: <host>\r\n<headers>\r\n[Content-Length: N\r\n]\r\n[body]
func (rf *RequestFrame) encode(host string) []byte {
	method := rf.Method
	if method == "" {
		method = "GET"
	}
	target := rf.Target
	if target == "" {
		target = "/"
	}

	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, target)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	for _, h := range rf.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Key, h.Value)
	}
	if len(rf.Body) > 0 {
		fmt.Fprintf(&b, "Content-Length: %d\r\n", len(rf.Body))
	}
	b.WriteString("\r\n")
	b.Write(rf.Body)
	return b.Bytes()
}

// ResponseFrame is one parsed response. Status 0 means the status line was
// unparseable (a parse anomaly, not a valid HTTP code).
type ResponseFrame struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Header returns the value recorded for key, or "".
func (rf *ResponseFrame) Header(key string) string {
	return rf.Headers[key]
}

// parseResponse splits raw on the first header/body delimiter and parses the
// header block. Malformed header lines are skipped; duplicate keys keep the
// later value.
func parseResponse(raw []byte) *ResponseFrame {
	head := raw
	var body []byte
	if idx := bytes.Index(raw, headerBodyDelim); idx >= 0 {
		head = raw[:idx]
		body = raw[idx+len(headerBodyDelim):]
	}

	resp := &ResponseFrame{
		Headers: make(map[string]string),
		Body:    body,
	}

	lines := strings.Split(string(head), "\r\n")
	if len(lines) > 0 {
		if m := statusLineRe.FindStringSubmatch(lines[0]); m != nil {
			// \d+ guarantees Atoi succeeds.
			resp.Status, _ = strconv.Atoi(m[1])
		}
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		resp.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return resp
}

// responseComplete is the completion predicate of the read loop: a response
// is fully received once the delimiter was seen and either the accumulated
// body reached the announced Content-Length, or, lacking one, any body byte
// arrived. The latter is a best-effort heuristic existing callers depend on;
// it is known to be fragile for multi-packet bodies (see the `Exchanger`
// doc).
func responseComplete(acc []byte) bool {
	idx := bytes.Index(acc, headerBodyDelim)
	if idx < 0 {
		return false
	}
	body := acc[idx+len(headerBodyDelim):]

	if cl, ok := contentLength(acc[:idx]); ok {
		return len(body) >= cl
	}
	return len(body) > 0
}

// contentLength scans a raw header block for a parseable Content-Length.
func contentLength(head []byte) (int, bool) {
	for _, line := range strings.Split(string(head), "\r\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
