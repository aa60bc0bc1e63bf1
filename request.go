package haywire

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/advdv/haywire/internal/httpparser"
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

// Request is a parsed HTTP/1.x request. It belongs to its connection and is reset, not reallocated, for every
// request the connection serves.
type Request struct {
	method     string
	url        []byte
	path       string
	mount      string
	query      string
	protoMajor int
	protoMinor int
	header     map[string]string
	body       []byte
	keepAlive  bool
	ready      bool
}

func newRequest() *Request {
	return &Request{header: make(map[string]string)}
}

// Method returns the request method, e.g. "GET".
func (r *Request) Method() string { return r.method }

// URL returns the request target exactly as it was sent.
func (r *Request) URL() string { return string(r.url) }

// Path returns the decoded path of the request target, without query.
func (r *Request) Path() string { return r.path }

// MountPrefix returns the prefix of the mount that serves the request, or an empty string when an exact-match
// route or the not-found handler serves it.
func (r *Request) MountPrefix() string { return r.mount }

// MountPath returns the part of the path below the mount prefix, always starting with a slash. It equals
// [Request.Path] when no mount serves the request.
func (r *Request) MountPath() string {
	if r.mount == "" {
		return r.path
	}

	return stripPrefix(r.mount, r.path)
}

// RawQuery returns the encoded query of the request target, without the question mark.
func (r *Request) RawQuery() string { return r.query }

// Proto returns the protocol version, e.g. "HTTP/1.1".
func (r *Request) Proto() string {
	return "HTTP/" + strconv.Itoa(r.protoMajor) + "." + strconv.Itoa(r.protoMinor)
}

// Header returns the value of the named header. Names are case-insensitive. Repeated headers are joined with ", ".
func (r *Request) Header(name string) string { return r.header[strings.ToLower(name)] }

// HeaderNames returns the lower-cased names of all headers, in no particular order.
func (r *Request) HeaderNames() []string { return lo.Keys(r.header) }

// Body returns the request body. The slice is reused for the next request on the connection.
func (r *Request) Body() []byte { return r.body }

// KeepAlive reports whether the client allows the connection to serve another request.
func (r *Request) KeepAlive() bool { return r.keepAlive }

func (r *Request) reset() {
	r.method = ""
	r.url = r.url[:0]
	r.path = ""
	r.mount = ""
	r.query = ""
	r.protoMajor, r.protoMinor = 0, 0
	clear(r.header)
	r.body = r.body[:0]
	r.keepAlive = false
	r.ready = false
}

func (r *Request) addHeader(key, value string) {
	if prev, ok := r.header[key]; ok {
		r.header[key] = prev + ", " + value
		return
	}

	r.header[key] = value
}

// lastEvent tracks header event pairing in the assembler.
type lastEvent uint8

const (
	lastNone lastEvent = iota
	lastField
	lastValue
)

// assembler turns parse events into a [Request]. Field and value data may arrive in pieces: consecutive field
// pieces form one name, consecutive value pieces one value, and a field after a value starts the next header.
type assembler struct {
	parser   *httpparser.Parser
	req      *Request
	maxBytes int
	size     int

	key  []byte
	val  []byte
	last lastEvent
}

func newAssembler(maxHeaderBytes, maxBytes int) *assembler {
	a := &assembler{req: newRequest(), maxBytes: maxBytes}
	a.parser = httpparser.New(a, maxHeaderBytes)

	return a
}

// execute feeds data to the parser and returns how much was consumed.
func (a *assembler) execute(data []byte) (int, error) {
	return a.parser.Execute(data)
}

// abort drops the request being built.
func (a *assembler) abort() {
	a.req.reset()
	a.key, a.val = a.key[:0], a.val[:0]
	a.last = lastNone
	a.size = 0
}

func (a *assembler) grow(n int) error {
	a.size += n
	if a.maxBytes > 0 && a.size > a.maxBytes {
		return errors.Wrapf(ErrRequestTooLarge, "request exceeds %d bytes", a.maxBytes)
	}

	return nil
}

func (a *assembler) commitHeader() {
	key := strings.ToLower(string(a.key))
	val := strings.TrimRight(string(a.val), " \t")
	a.req.addHeader(key, val)

	a.key, a.val = a.key[:0], a.val[:0]
}

func (a *assembler) OnMessageBegin() error {
	a.abort()
	return nil
}

func (a *assembler) OnURL(data []byte) error {
	if err := a.grow(len(data)); err != nil {
		return err
	}

	a.req.url = append(a.req.url, data...)
	return nil
}

func (a *assembler) OnHeaderField(data []byte) error {
	if err := a.grow(len(data)); err != nil {
		return err
	}

	if a.last == lastValue {
		a.commitHeader()
	}

	a.key = append(a.key, data...)
	a.last = lastField

	return nil
}

func (a *assembler) OnHeaderValue(data []byte) error {
	if a.last == lastNone {
		return errors.Wrap(ErrProtocol, "header value without a header field")
	}

	if err := a.grow(len(data)); err != nil {
		return err
	}

	a.val = append(a.val, data...)
	a.last = lastValue

	return nil
}

func (a *assembler) OnHeadersComplete() error {
	switch a.last {
	case lastField:
		return errors.Wrap(ErrProtocol, "header field without a value")
	case lastValue:
		a.commitHeader()
	}
	a.last = lastNone

	a.req.method = a.parser.Method()
	a.req.protoMajor = a.parser.ProtoMajor()
	a.req.protoMinor = a.parser.ProtoMinor()
	a.req.keepAlive = a.parser.ShouldKeepAlive()

	target := string(a.req.url)
	if target == "*" {
		a.req.path = target
		return nil
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return errors.WithSecondaryError(
			errors.Wrapf(httpparser.ErrMalformed, "invalid request target %q", target), err)
	}

	a.req.path, a.req.query = u.Path, u.RawQuery
	if a.req.path == "" {
		a.req.path = "/"
	}

	return nil
}

func (a *assembler) OnBody(data []byte) error {
	if err := a.grow(len(data)); err != nil {
		return err
	}

	a.req.body = append(a.req.body, data...)
	return nil
}

func (a *assembler) OnMessageComplete() error {
	a.req.ready = true
	return nil
}
