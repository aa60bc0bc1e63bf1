package haywire

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/advdv/haywire/internal/httpparser"
	"github.com/cockroachdb/errors"
)

var (
	// ErrDuplicateRoute is returned when a path is registered twice. The first registration is kept.
	ErrDuplicateRoute = errors.New("haywire: duplicate route")
	// ErrInvalidRoute is returned for route paths that are empty or do not start with a slash.
	ErrInvalidRoute = errors.New("haywire: invalid route")
	// ErrRegistryFrozen is returned when registering routes after the server started accepting connections.
	ErrRegistryFrozen = errors.New("haywire: route registry is frozen")
	// ErrInvalidConfig is returned when a configuration is rejected. The server does not listen.
	ErrInvalidConfig = errors.New("haywire: invalid configuration")
	// ErrNotInitialized is returned when opening a server that has no configuration.
	ErrNotInitialized = errors.New("haywire: server not initialized")
	// ErrOutOfMemory is returned when a buffer would grow past the configured buffer limit.
	ErrOutOfMemory = errors.New("haywire: out of memory")
	// ErrResponseFinished is returned for writes after the final write of a response.
	ErrResponseFinished = errors.New("haywire: response already finished")
	// ErrConnClosed is returned for writes on a closing connection and passed to completions that were cut short
	// by a close.
	ErrConnClosed = errors.New("haywire: connection closed")
	// ErrBufferReleased is the panic value for any use of a buffer after it was released.
	ErrBufferReleased = errors.New("haywire: use of released buffer")
	// ErrRequestTooLarge is returned when a request exceeds the configured request size.
	ErrRequestTooLarge = errors.New("haywire: request too large")
	// ErrProtocol is returned for streams the request assembler cannot make sense of.
	ErrProtocol = errors.New("haywire: protocol violation")
)

// Code is a status code the server may answer with on its own, without involving a handler.
type Code int

const (
	CodeUnknown                     Code = 0
	CodeOK                          Code = http.StatusOK
	CodeBadRequest                  Code = http.StatusBadRequest                  // RFC 9110, 15.5.1
	CodeNotFound                    Code = http.StatusNotFound                    // RFC 9110, 15.5.5
	CodeRequestEntityTooLarge       Code = http.StatusRequestEntityTooLarge       // RFC 9110, 15.5.14
	CodeRequestHeaderFieldsTooLarge Code = http.StatusRequestHeaderFieldsTooLarge // RFC 6585, 5
	CodeInternalServerError         Code = http.StatusInternalServerError         // RFC 9110, 15.6.1
)

// Error describes a failure that the server answers with a status code of its own.
type Error struct {
	code Code
	err  error
}

// NewError inits a new error given the error code.
func NewError(c Code, underlying error) *Error {
	return &Error{c, underlying}
}

func (e *Error) Code() Code    { return e.code }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Error() string {
	status := http.StatusText(int(e.Code()))
	if status == "" {
		status = "Unknown"
	}

	return fmt.Sprintf("%s: %s", status, e.err.Error())
}

// CodeOf returns the error's status code if it is or wraps an [*Error]. Parser failures map onto the matching
// 4xx codes and everything else is [CodeUnknown].
func CodeOf(err error) Code {
	var herr *Error
	switch {
	case errors.As(err, &herr):
		return herr.Code()
	case errors.Is(err, httpparser.ErrHeaderTooLarge):
		return CodeRequestHeaderFieldsTooLarge
	case errors.Is(err, ErrRequestTooLarge):
		return CodeRequestEntityTooLarge
	case errors.Is(err, httpparser.ErrMalformed), errors.Is(err, ErrProtocol):
		return CodeBadRequest
	}

	return CodeUnknown
}

// StatusResponse renders the fixed wire bytes the server sends for code. The body is the status text followed by
// a newline. The result is the same for the same arguments, which makes it safe to compare in tests.
func StatusResponse(c Code, keepAlive bool) []byte {
	text := http.StatusText(int(c))
	if text == "" {
		text = "Unknown"
	}

	return frame(int(c), "text/plain; charset=utf-8", []byte(text+"\n"), keepAlive)
}

// frame renders a complete HTTP/1.1 response with an explicit length.
func frame(code int, contentType string, body []byte, keepAlive bool) []byte {
	text := http.StatusText(code)
	if text == "" {
		text = "Unknown"
	}

	conn := "close"
	if keepAlive {
		conn = "keep-alive"
	}

	out := make([]byte, 0, 128+len(body))
	out = append(out, "HTTP/1.1 "...)
	out = strconv.AppendInt(out, int64(code), 10)
	out = append(out, ' ')
	out = append(out, text...)
	out = append(out, "\r\nContent-Type: "...)
	out = append(out, contentType...)
	out = append(out, "\r\nContent-Length: "...)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	out = append(out, "\r\nConnection: "...)
	out = append(out, conn...)
	out = append(out, "\r\n\r\n"...)

	return append(out, body...)
}
