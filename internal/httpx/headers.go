package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strings"
)

// ErrHeaderTooLarge is returned when no header terminator appears within the limit.
var ErrHeaderTooLarge = errors.New("request header too large")

// ErrMalformed is returned for an unparsable request line.
var ErrMalformed = errors.New("malformed request head")

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// ProxyHeaders is a parsed representation of an HTTP request start-line + headers.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *ProxyHeaders) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of name, in wire order.
func (p *ProxyHeaders) Values(name string) []string {
	var out []string
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Path is the URI without its query string.
func (p *ProxyHeaders) Path() string {
	path, _, _ := strings.Cut(p.URI, "?")
	return path
}

// IsWebSocketUpgrade reports an RFC 6455 opening handshake: GET with
// Upgrade: websocket and an upgrade token in Connection.
func (p *ProxyHeaders) IsWebSocketUpgrade() bool {
	return isUpgrade(p.Method, p.Get("Upgrade"), p.Values("Connection"))
}

// IsWebSocketRequest is IsWebSocketUpgrade for a request already parsed by net/http.
func IsWebSocketRequest(r *http.Request) bool {
	return isUpgrade(r.Method, r.Header.Get("Upgrade"), r.Header.Values("Connection"))
}

func isUpgrade(method, upgrade string, connection []string) bool {
	if method != http.MethodGet || !strings.EqualFold(strings.TrimSpace(upgrade), "websocket") {
		return false
	}
	for _, v := range connection {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// PeekRequest inspects the request head buffered in r without consuming it.
// The reader must be at least limit bytes large. It returns the parsed head and
// its length in bytes.
func PeekRequest(r *bufio.Reader, limit int) (*ProxyHeaders, int, error) {
	if limit > r.Size() {
		limit = r.Size()
	}
	n := 1
	for {
		_, err := r.Peek(n)
		buf, _ := r.Peek(r.Buffered())
		if end := headerEnd(buf); end > 0 {
			p, perr := parseBuffer(buf[:end])
			if perr != nil {
				return nil, 0, perr
			}
			return p, end, nil
		}
		if len(buf) >= limit || errors.Is(err, bufio.ErrBufferFull) {
			return nil, 0, fmt.Errorf("%w (>%d bytes)", ErrHeaderTooLarge, limit)
		}
		if err != nil {
			return nil, 0, err
		}
		n = r.Buffered() + 1
		if n > limit {
			n = limit
		}
	}
}

func headerEnd(b []byte) int {
	if idx := bytes.Index(b, []byte("\r\n\r\n")); idx != -1 {
		return idx + 4
	}
	if idx := bytes.Index(b, []byte("\n\n")); idx != -1 {
		return idx + 2
	}
	return 0
}

func parseBuffer(buf []byte) (*ProxyHeaders, error) {
	reader := bufio.NewReader(bytes.NewReader(buf))
	reqLine, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	reqLine = strings.TrimRight(reqLine, "\r\n")
	parts := strings.Split(reqLine, " ")
	if len(parts) != 3 || parts[0] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, reqLine)
	}
	ph := &ProxyHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
	for {
		line, err := reader.ReadString('\n')
		if err != nil && len(line) == 0 {
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue // skip malformed
		}
		ph.Headers = append(ph.Headers, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	return ph, nil
}

// hopHeaders are connection-scoped per RFC 7230 6.1 and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// identityHeaders would reveal the caller's address or the relay hop upstream.
var identityHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Forwarded-Port",
	"X-Real-Ip",
	"Forwarded",
	"Via",
	"True-Client-Ip",
	"Cf-Connecting-Ip",
}

// CleanHopHeaders removes hop-by-hop headers, including any named in Connection.
func CleanHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = textproto.TrimString(tok); tok != "" {
				h.Del(tok)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// StripIdentity removes client-address and proxy-chain headers.
func StripIdentity(h http.Header) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
}

// CopyHeader appends every entry of src to dst.
func CopyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
