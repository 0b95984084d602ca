package httpmatcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"trafficgw/pkg/model"
)

const (
	SourceMirroring = "MIRRORING"

	directionInbound  = "1"
	directionOutbound = "2"
)

type PacketMeta struct {
	Timestamp time.Time
	SrcIP     string
	DstIP     string
	SrcPort   int
	DstPort   int
	Payload   []byte
}

type Options struct {
	Timeout   time.Duration
	AccountID string
	VxlanID   string
	// LocalPorts are the watched server ports; a request to one of them is
	// inbound traffic.
	LocalPorts []uint16
}

// Exchange is a matched request/response pair and the flow it was seen on.
type Exchange struct {
	Record     model.TrafficRecord
	ClientIP   string
	ClientPort int
	ServerIP   string
	ServerPort int
}

type requestState struct {
	ts      time.Time
	method  string
	path    string
	proto   string
	headers map[string]string
	body    string
}

// Matcher pairs HTTP/1.x requests with their responses on a best-effort
// basis: there is no TCP reassembly, so only the first segment of each
// message is seen.
type Matcher struct {
	mu       sync.Mutex
	requests map[string]requestState
	opts     Options
	local    map[int]bool
}

func NewMatcher(opts Options) *Matcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.AccountID == "" {
		opts.AccountID = "1000000"
	}
	if opts.VxlanID == "" {
		opts.VxlanID = "0"
	}
	local := make(map[int]bool, len(opts.LocalPorts))
	for _, p := range opts.LocalPorts {
		local[int(p)] = true
	}
	return &Matcher{
		requests: make(map[string]requestState, 1024),
		opts:     opts,
		local:    local,
	}
}

// ObserveRequest records p if it starts an HTTP request. Requests are keyed
// by the client->server 4-tuple.
func (m *Matcher) ObserveRequest(p PacketMeta) bool {
	head, body := splitMessage(p.Payload)
	method, path, proto, ok := parseRequestLine(firstLine(head))
	if !ok {
		return false
	}
	st := requestState{
		ts:      p.Timestamp,
		method:  method,
		path:    path,
		proto:   proto,
		headers: parseHeaders(head),
		body:    string(body),
	}

	key := flowKey(p.SrcIP, p.SrcPort, p.DstIP, p.DstPort)
	m.mu.Lock()
	m.requests[key] = st
	m.mu.Unlock()
	return true
}

// ObserveResponse completes the request seen on the reversed tuple.
func (m *Matcher) ObserveResponse(p PacketMeta) (*Exchange, bool) {
	head, body := splitMessage(p.Payload)
	proto, code, text, ok := parseStatusLine(firstLine(head))
	if !ok {
		return nil, false
	}

	key := flowKey(p.DstIP, p.DstPort, p.SrcIP, p.SrcPort)
	m.mu.Lock()
	req, found := m.requests[key]
	if found {
		delete(m.requests, key)
	}
	m.mu.Unlock()
	if !found {
		return nil, false
	}

	if req.proto == "" {
		req.proto = proto
	}
	direction := directionOutbound
	if m.local[p.SrcPort] {
		direction = directionInbound
	}

	return &Exchange{
		ClientIP:   p.DstIP,
		ClientPort: p.DstPort,
		ServerIP:   p.SrcIP,
		ServerPort: p.SrcPort,
		Record: model.TrafficRecord{
			Path:            req.path,
			RequestHeaders:  encodeHeaders(req.headers),
			ResponseHeaders: encodeHeaders(parseHeaders(head)),
			Method:          req.method,
			RequestPayload:  req.body,
			ResponsePayload: string(body),
			IP:              p.DstIP,
			DestIP:          p.SrcIP,
			Time:            strconv.FormatInt(req.ts.Unix(), 10),
			StatusCode:      strconv.Itoa(code),
			Type:            req.proto,
			Status:          text,
			AccountID:       m.opts.AccountID,
			VxlanID:         m.opts.VxlanID,
			IsPending:       "false",
			Source:          SourceMirroring,
			Direction:       direction,
		},
	}, true
}

// Cleanup evicts requests older than the timeout.
func (m *Matcher) Cleanup(now time.Time) int {
	deadline := now.Add(-m.opts.Timeout)
	evicted := 0
	m.mu.Lock()
	for k, v := range m.requests {
		if v.ts.Before(deadline) {
			delete(m.requests, k)
			evicted++
		}
	}
	m.mu.Unlock()
	return evicted
}

func (m *Matcher) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func flowKey(clientIP string, clientPort int, serverIP string, serverPort int) string {
	return fmt.Sprintf("%s:%d-%s:%d", clientIP, clientPort, serverIP, serverPort)
}

var methods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "),
}

func parseRequestLine(line []byte) (method, path, proto string, ok bool) {
	// Cheap prefix check before splitting; most payloads are not HTTP.
	known := false
	for _, m := range methods {
		if bytes.HasPrefix(line, m) {
			known = true
			break
		}
	}
	if !known {
		return "", "", "", false
	}
	parts := strings.Fields(string(line))
	if len(parts) < 2 {
		return "", "", "", false
	}
	if len(parts) >= 3 {
		proto = parts[2]
	}
	return parts[0], parts[1], proto, true
}

func parseStatusLine(line []byte) (proto string, code int, text string, ok bool) {
	if !bytes.HasPrefix(line, []byte("HTTP/1.")) {
		return "", 0, "", false
	}
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return "", 0, "", false
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	if len(parts) == 3 {
		text = strings.TrimSpace(parts[2])
	}
	return parts[0], code, text, true
}

// splitMessage separates the header block from whatever body bytes made it
// into the segment.
func splitMessage(payload []byte) (head, body []byte) {
	if i := bytes.Index(payload, []byte("\r\n\r\n")); i >= 0 {
		return payload[:i], payload[i+4:]
	}
	if i := bytes.Index(payload, []byte("\n\n")); i >= 0 {
		return payload[:i], payload[i+2:]
	}
	return payload, nil
}

// parseHeaders reads "Name: value" lines after the start line. Repeated
// names are joined with ", ".
func parseHeaders(head []byte) map[string]string {
	out := make(map[string]string)
	lines := bytes.Split(head, []byte("\n"))
	for _, l := range lines[1:] {
		l = bytes.TrimRight(l, "\r")
		i := bytes.IndexByte(l, ':')
		if i <= 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(string(l[:i])))
		val := strings.TrimSpace(string(l[i+1:]))
		if prev, ok := out[name]; ok {
			val = prev + ", " + val
		}
		out[name] = val
	}
	return out
}

func encodeHeaders(h map[string]string) string {
	b, err := json.Marshal(h)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func firstLine(payload []byte) []byte {
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		return bytes.TrimRight(payload[:i], "\r")
	}
	return payload
}
