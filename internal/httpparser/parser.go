// Package httpparser implements a streaming HTTP/1.x request parser. Input may be fed in arbitrarily sized
// pieces; the parser reports what it recognises through [Callbacks] and never buffers more than the bytes it
// needs to make framing decisions (method, protocol version and the framing headers).
package httpparser

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/net/http/httpguts"
)

var (
	// ErrMalformed is returned (possibly wrapped) for any input that violates the request grammar.
	ErrMalformed = errors.New("httpparser: malformed request")
	// ErrHeaderTooLarge is returned when the request line and headers exceed the configured limit.
	ErrHeaderTooLarge = errors.New("httpparser: request header too large")
)

// DefaultMaxHeaderBytes bounds the request line plus header section when no other limit is configured.
const DefaultMaxHeaderBytes = 64 * 1024

const (
	maxMethodLen = 24
	maxProtoLen  = 8
	maxChunkSize = 1 << 40
)

// Callbacks receives parse events. Data slices passed to the callbacks are only valid for the duration of the
// call. URL, header field and header value data may arrive in several consecutive pieces. Returning an error
// from any callback stops the parser; the error is returned from [Parser.Execute] unchanged.
type Callbacks interface {
	OnMessageBegin() error
	OnURL(data []byte) error
	OnHeaderField(data []byte) error
	OnHeaderValue(data []byte) error
	OnHeadersComplete() error
	OnBody(data []byte) error
	OnMessageComplete() error
}

type state uint8

const (
	stateStart state = iota
	stateMethod
	stateURL
	stateProto
	stateRequestLineLF
	stateHeaderStart
	stateHeaderField
	stateHeaderValueStart
	stateHeaderValue
	stateHeaderValueLF
	stateHeadersLF
	stateBodyIdentity
	stateChunkSize
	stateChunkExt
	stateChunkSizeLF
	stateChunkData
	stateChunkDataCR
	stateChunkDataLF
	stateTrailer
	stateTrailerLine
	stateTrailerLF
	stateMessageDone
	stateDead
)

// Parser is a request parser for a single connection. It is not safe for concurrent use.
type Parser struct {
	cb             Callbacks
	maxHeaderBytes int

	state       state
	err         error
	headerBytes int

	method     []byte
	proto      []byte
	protoMajor int
	protoMinor int
	urlLen     int

	name         []byte
	value        []byte
	valueEmitted bool

	contentLength int64
	chunked       bool
	connClose     bool
	connKeepAlive bool
	remaining     int64
	sawDigit      bool
}

// New inits a parser that reports to cb. A maxHeaderBytes of zero or less selects [DefaultMaxHeaderBytes].
func New(cb Callbacks, maxHeaderBytes int) *Parser {
	if maxHeaderBytes <= 0 {
		maxHeaderBytes = DefaultMaxHeaderBytes
	}

	return &Parser{cb: cb, maxHeaderBytes: maxHeaderBytes, contentLength: -1}
}

// Reset returns the parser to its initial state so it can be used for a new connection.
func (p *Parser) Reset() {
	p.state = stateStart
	p.err = nil
	p.resetMessage()
}

// Paused reports whether the parser stopped right after a complete message. The next call to Execute starts a
// new message.
func (p *Parser) Paused() bool { return p.state == stateMessageDone }

// Method returns the request method of the current message.
func (p *Parser) Method() string { return string(p.method) }

// ProtoMajor returns the major protocol version of the current message.
func (p *Parser) ProtoMajor() int { return p.protoMajor }

// ProtoMinor returns the minor protocol version of the current message.
func (p *Parser) ProtoMinor() int { return p.protoMinor }

// ContentLength returns the declared content length or -1 if none was declared.
func (p *Parser) ContentLength() int64 { return p.contentLength }

// Chunked reports whether the body uses the chunked transfer coding.
func (p *Parser) Chunked() bool { return p.chunked }

// ShouldKeepAlive reports whether the connection may serve another request after the current one.
func (p *Parser) ShouldKeepAlive() bool {
	if p.protoMajor == 1 && p.protoMinor >= 1 {
		return !p.connClose
	}

	return p.connKeepAlive && !p.connClose
}

func (p *Parser) resetMessage() {
	p.headerBytes = 0
	p.method = p.method[:0]
	p.proto = p.proto[:0]
	p.protoMajor, p.protoMinor = 0, 0
	p.urlLen = 0
	p.name = p.name[:0]
	p.value = p.value[:0]
	p.valueEmitted = false
	p.contentLength = -1
	p.chunked = false
	p.connClose = false
	p.connKeepAlive = false
	p.remaining = 0
	p.sawDigit = false
}

func (p *Parser) fail(err error) error {
	p.state = stateDead
	p.err = err

	return err
}

func (p *Parser) malformed(format string, args ...any) error {
	return p.fail(errors.Wrapf(ErrMalformed, format, args...))
}

// Execute feeds data to the parser. It returns the number of bytes consumed. When a message completes the
// parser pauses and returns early: the unconsumed remainder belongs to the next message and must be fed again
// once the caller is ready for it. Any error leaves the parser in a dead state.
//
//nolint:gocyclo,cyclop,funlen // the state machine reads best as a single switch
func (p *Parser) Execute(data []byte) (int, error) {
	switch p.state {
	case stateDead:
		return 0, p.err
	case stateMessageDone:
		p.state = stateStart
	}

	urlMark, fieldMark, valueMark := -1, -1, -1
	switch p.state {
	case stateURL:
		urlMark = 0
	case stateHeaderField:
		fieldMark = 0
	case stateHeaderValue:
		valueMark = 0
	}

	for i := 0; i < len(data); i++ {
		c := data[i]

		if p.state > stateStart && p.state < stateBodyIdentity {
			p.headerBytes++
			if p.headerBytes > p.maxHeaderBytes {
				return i, p.fail(errors.Wrapf(ErrHeaderTooLarge, "more than %d bytes", p.maxHeaderBytes))
			}
		}

		switch p.state {
		case stateStart:
			if c == '\r' || c == '\n' {
				continue
			}

			if !isTokenByte(c) {
				return i, p.malformed("invalid method byte %q", c)
			}

			p.resetMessage()
			if err := p.cb.OnMessageBegin(); err != nil {
				return i, p.fail(err)
			}

			p.headerBytes = 1
			p.method = append(p.method, c)
			p.state = stateMethod

		case stateMethod:
			switch {
			case c == ' ':
				p.state = stateURL
				urlMark = i + 1
			case isTokenByte(c):
				if len(p.method) >= maxMethodLen {
					return i, p.malformed("method too long")
				}
				p.method = append(p.method, c)
			default:
				return i, p.malformed("invalid method byte %q", c)
			}

		case stateURL:
			switch {
			case c == ' ':
				if err := p.emit(p.cb.OnURL, data, urlMark, i); err != nil {
					return i, err
				}
				urlMark = -1

				if p.urlLen == 0 {
					return i, p.malformed("empty request target")
				}
				p.state = stateProto
			case c == '\r' || c == '\n':
				return i, p.malformed("request line without protocol version")
			case c < 0x21 || c == 0x7f:
				return i, p.malformed("invalid request target byte %q", c)
			default:
				p.urlLen++
			}

		case stateProto:
			switch c {
			case '\r':
				p.state = stateRequestLineLF
			case '\n':
				if err := p.finishProto(); err != nil {
					return i, err
				}
				p.state = stateHeaderStart
			default:
				if len(p.proto) >= maxProtoLen {
					return i, p.malformed("protocol version too long")
				}
				p.proto = append(p.proto, c)
			}

		case stateRequestLineLF:
			if c != '\n' {
				return i, p.malformed("expected LF after request line")
			}
			if err := p.finishProto(); err != nil {
				return i, err
			}
			p.state = stateHeaderStart

		case stateHeaderStart:
			switch {
			case c == '\r':
				p.state = stateHeadersLF
			case c == '\n':
				done, err := p.headersDone()
				if err != nil {
					return i, err
				}
				if done {
					return i + 1, nil
				}
			case c == ' ' || c == '\t':
				return i, p.malformed("obsolete header line folding")
			case isTokenByte(c):
				p.name = append(p.name[:0], c)
				p.value = p.value[:0]
				p.valueEmitted = false
				fieldMark = i
				p.state = stateHeaderField
			default:
				return i, p.malformed("invalid header name byte %q", c)
			}

		case stateHeaderField:
			switch {
			case c == ':':
				if err := p.emit(p.cb.OnHeaderField, data, fieldMark, i); err != nil {
					return i, err
				}
				fieldMark = -1
				p.state = stateHeaderValueStart
			case isTokenByte(c):
				p.name = append(p.name, c)
			default:
				return i, p.malformed("invalid header name byte %q", c)
			}

		case stateHeaderValueStart:
			switch {
			case c == ' ' || c == '\t':
				continue
			case c == '\r':
				if err := p.emitEmptyValue(); err != nil {
					return i, err
				}
				p.state = stateHeaderValueLF
			case c == '\n':
				if err := p.endHeader(); err != nil {
					return i, err
				}
			case !isValueByte(c):
				return i, p.malformed("invalid header value byte %q", c)
			default:
				p.value = append(p.value, c)
				valueMark = i
				p.state = stateHeaderValue
			}

		case stateHeaderValue:
			switch {
			case c == '\r':
				if err := p.emit(p.cb.OnHeaderValue, data, valueMark, i); err != nil {
					return i, err
				}
				valueMark = -1
				p.state = stateHeaderValueLF
			case c == '\n':
				if err := p.emit(p.cb.OnHeaderValue, data, valueMark, i); err != nil {
					return i, err
				}
				valueMark = -1
				if err := p.endHeader(); err != nil {
					return i, err
				}
			case !isValueByte(c):
				return i, p.malformed("invalid header value byte %q", c)
			default:
				p.value = append(p.value, c)
			}

		case stateHeaderValueLF:
			if c != '\n' {
				return i, p.malformed("expected LF after header value")
			}
			if err := p.endHeader(); err != nil {
				return i, err
			}

		case stateHeadersLF:
			if c != '\n' {
				return i, p.malformed("expected LF after header section")
			}
			done, err := p.headersDone()
			if err != nil {
				return i, err
			}
			if done {
				return i + 1, nil
			}

		case stateBodyIdentity, stateChunkData:
			n := int64(len(data) - i)
			if n > p.remaining {
				n = p.remaining
			}

			if err := p.cb.OnBody(data[i : i+int(n)]); err != nil {
				return i, p.fail(err)
			}

			p.remaining -= n
			i += int(n) - 1

			if p.remaining > 0 {
				continue
			}

			if p.state == stateChunkData {
				p.state = stateChunkDataCR
				continue
			}

			if err := p.complete(); err != nil {
				return i + 1, err
			}
			return i + 1, nil

		case stateChunkSize:
			switch {
			case unhex(c) >= 0:
				p.remaining = p.remaining*16 + int64(unhex(c))
				if p.remaining > maxChunkSize {
					return i, p.malformed("chunk size too large")
				}
				p.sawDigit = true
			case !p.sawDigit:
				return i, p.malformed("invalid chunk size byte %q", c)
			case c == ';' || c == ' ' || c == '\t':
				p.state = stateChunkExt
			case c == '\r':
				p.state = stateChunkSizeLF
			case c == '\n':
				p.chunkSizeDone()
			default:
				return i, p.malformed("invalid chunk size byte %q", c)
			}

		case stateChunkExt:
			switch c {
			case '\r':
				p.state = stateChunkSizeLF
			case '\n':
				p.chunkSizeDone()
			}

		case stateChunkSizeLF:
			if c != '\n' {
				return i, p.malformed("expected LF after chunk size")
			}
			p.chunkSizeDone()

		case stateChunkDataCR:
			switch c {
			case '\r':
				p.state = stateChunkDataLF
			case '\n':
				p.nextChunk()
			default:
				return i, p.malformed("expected CRLF after chunk data")
			}

		case stateChunkDataLF:
			if c != '\n' {
				return i, p.malformed("expected LF after chunk data")
			}
			p.nextChunk()

		case stateTrailer:
			switch c {
			case '\r':
				p.state = stateTrailerLF
			case '\n':
				return i + 1, p.complete()
			default:
				p.state = stateTrailerLine
			}

		case stateTrailerLine:
			if c == '\n' {
				p.state = stateTrailer
			}

		case stateTrailerLF:
			if c != '\n' {
				return i, p.malformed("expected LF after trailer section")
			}
			return i + 1, p.complete()

		default:
			return i, p.malformed("unexpected parser state %d", p.state)
		}
	}

	switch {
	case urlMark >= 0 && p.state == stateURL:
		if err := p.emit(p.cb.OnURL, data, urlMark, len(data)); err != nil {
			return len(data), err
		}
	case fieldMark >= 0 && p.state == stateHeaderField:
		if err := p.emit(p.cb.OnHeaderField, data, fieldMark, len(data)); err != nil {
			return len(data), err
		}
	case valueMark >= 0 && p.state == stateHeaderValue:
		if err := p.emit(p.cb.OnHeaderValue, data, valueMark, len(data)); err != nil {
			return len(data), err
		}
	}

	return len(data), nil
}

// emit reports the run data[from:to] through fn, skipping empty runs.
func (p *Parser) emit(fn func([]byte) error, data []byte, from, to int) error {
	if from < 0 || from >= to {
		return nil
	}

	if err := fn(data[from:to]); err != nil {
		return p.fail(err)
	}

	if p.state == stateHeaderValue {
		p.valueEmitted = true
	}

	return nil
}

func (p *Parser) emitEmptyValue() error {
	if p.valueEmitted {
		return nil
	}

	p.valueEmitted = true
	if err := p.cb.OnHeaderValue(nil); err != nil {
		return p.fail(err)
	}

	return nil
}

func (p *Parser) finishProto() error {
	proto := p.proto
	if len(proto) != 8 || !bytes.HasPrefix(proto, []byte("HTTP/")) || proto[6] != '.' ||
		!isDigit(proto[5]) || !isDigit(proto[7]) {
		return p.malformed("invalid protocol version %q", proto)
	}

	p.protoMajor, p.protoMinor = int(proto[5]-'0'), int(proto[7]-'0')
	if p.protoMajor != 1 {
		return p.malformed("unsupported protocol version %q", proto)
	}

	return nil
}

// endHeader finishes one header line and interprets the framing headers.
func (p *Parser) endHeader() error {
	if err := p.emitEmptyValue(); err != nil {
		return err
	}

	p.state = stateHeaderStart

	name := string(p.name)
	if !httpguts.ValidHeaderFieldName(name) {
		return p.malformed("invalid header name %q", name)
	}

	value := strings.TrimRight(string(p.value), " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return p.malformed("invalid value for header %q", name)
	}

	switch strings.ToLower(name) {
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 || value[0] == '+' {
			return p.malformed("invalid content length %q", value)
		}
		if p.contentLength >= 0 && p.contentLength != n {
			return p.malformed("conflicting content lengths")
		}
		p.contentLength = n
	case "transfer-encoding":
		switch strings.ToLower(value) {
		case "chunked":
			p.chunked = true
		default:
			return p.malformed("unsupported transfer encoding %q", value)
		}
	case "connection":
		for _, tok := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(tok)) {
			case "close":
				p.connClose = true
			case "keep-alive":
				p.connKeepAlive = true
			}
		}
	}

	return nil
}

// headersDone reports the end of the header section and reports whether the message completed with it.
func (p *Parser) headersDone() (bool, error) {
	if p.chunked && p.contentLength >= 0 {
		return false, p.malformed("both content length and chunked transfer encoding")
	}

	if err := p.cb.OnHeadersComplete(); err != nil {
		return false, p.fail(err)
	}

	switch {
	case p.chunked:
		p.remaining, p.sawDigit = 0, false
		p.state = stateChunkSize
	case p.contentLength > 0:
		p.remaining = p.contentLength
		p.state = stateBodyIdentity
	default:
		return true, p.complete()
	}

	return false, nil
}

func (p *Parser) chunkSizeDone() {
	if p.remaining == 0 {
		p.state = stateTrailer
		return
	}

	p.state = stateChunkData
}

func (p *Parser) nextChunk() {
	p.remaining, p.sawDigit = 0, false
	p.state = stateChunkSize
}

func (p *Parser) complete() error {
	p.state = stateMessageDone
	if err := p.cb.OnMessageComplete(); err != nil {
		return p.fail(err)
	}

	return nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isTokenByte(c byte) bool { return httpguts.IsTokenRune(rune(c)) }

func isValueByte(c byte) bool { return c == '\t' || (c >= 0x20 && c != 0x7f) }

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}

	return -1
}
