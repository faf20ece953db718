package httpd

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// State is the phase of a client connection.
type State int

const (
	ReceivingHeaders State = iota
	ReceivingBody
	ReceivingURLEncodedBody
	Responding
)

func (s State) String() string {
	switch s {
	case ReceivingHeaders:
		return "receiving_headers"
	case ReceivingBody:
		return "receiving_body"
	case ReceivingURLEncodedBody:
		return "receiving_urlencoded_body"
	case Responding:
		return "responding"
	default:
		return "unknown"
	}
}

const formContentType = "application/x-www-form-urlencoded"

var (
	// ErrMalformedRequest covers a request line without exactly three tokens, a head
	// without header lines and a negative content-length.
	ErrMalformedRequest = errors.New("httpd: malformed request")

	// ErrBodyNotAllowed is returned when a method other than POST announces a body.
	ErrBodyNotAllowed = errors.New("httpd: only POST may carry a body")
)

// Request is a parsed request head.
type Request struct {
	Method string
	// URI is the request target as sent.
	URI   string
	Path  string
	Proto string
	Query map[string]string
	// Header keys are lowercase.
	Header        map[string]string
	ContentLength int64
	// Form holds the decoded body of an url-encoded POST once it is complete.
	Form       map[string]string
	RemoteAddr net.Addr
}

// ParseRequest parses a head terminated by an empty line.
func ParseRequest(head []byte) (*Request, error) {
	lines := strings.Split(string(head), "\n")
	if len(lines) < 2 {
		return nil, ErrMalformedRequest
	}
	seg := strings.Split(strings.TrimRight(lines[0], "\r"), " ")
	if len(seg) != 3 {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Method: seg[0],
		URI:    seg[1],
		Proto:  seg[2],
		Header: make(map[string]string),
	}
	path, rawQuery, _ := strings.Cut(req.URI, "?")
	req.Path = path
	req.Query = ParseURLEncoded(rawQuery)

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ": ")
		if !ok {
			continue
		}
		req.Header[strings.ToLower(name)] = value
	}

	cl, err := parseContentLength(req.Header["content-length"])
	if err != nil {
		return nil, err
	}
	req.ContentLength = cl
	return req, nil
}

// nextState picks the phase that follows the head of req.
func nextState(req *Request) (State, error) {
	switch {
	case req.ContentLength == 0:
		return Responding, nil
	case req.Method != "POST":
		return ReceivingHeaders, ErrBodyNotAllowed
	case req.Header["content-type"] == formContentType:
		return ReceivingURLEncodedBody, nil
	default:
		return ReceivingBody, nil
	}
}

// A value that is not a number counts as no body at all.
func parseContentLength(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, nil
	}
	if n < 0 {
		return 0, ErrMalformedRequest
	}
	return n, nil
}

// ParseURLEncoded decodes "a=1&b=2". Pairs without '=' are skipped and later
// duplicates win.
func ParseURLEncoded(s string) map[string]string {
	out := make(map[string]string)
	if s == "" {
		return out
	}
	for _, pair := range strings.Split(s, "&") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[PercentDecode(name)] = PercentDecode(value)
	}
	return out
}

// PercentDecode replaces %XX escapes. Malformed escapes are kept as they are and
// '+' is not treated as a space.
func PercentDecode(s string) string {
	if strings.IndexByte(s, '%') < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
