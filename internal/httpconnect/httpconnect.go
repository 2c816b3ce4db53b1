// Package httpconnect implements the loopback-only HTTP CONNECT front
// door (spec.md §4.6): it accepts only the CONNECT method, rejects
// everything else with 405, and bounds header reading to prevent a
// slow/hostile local client from stalling the listener.
package httpconnect

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// maxHeaderBytes bounds the request-line + header block read from the
// local client (spec.md §5 "limits").
const maxHeaderBytes = 8 * 1024

// Errors surfaced while parsing an HTTP CONNECT request (spec.md §7
// "HTTPConnect" kind).
var (
	ErrUnsupportedMethod = errors.New("httpconnect: only CONNECT is supported")
	ErrMalformedRequest  = errors.New("httpconnect: malformed request line")
	ErrHeadersTooLarge   = errors.New("httpconnect: header block exceeded the size limit")
)

// Request is a parsed CONNECT target (spec.md §3 "HTTP CONNECT
// request").
type Request struct {
	Host string
	Port int
}

// Read parses the request line and consumes headers up to the blank
// line terminator, returning the CONNECT target. On any non-CONNECT
// method it writes a 405 response and returns ErrUnsupportedMethod.
func Read(conn net.Conn) (*Request, error) {
	r := bufio.NewReader(conn)
	read := 0

	line, err := readLimitedLine(r, &read)
	if err != nil {
		return nil, fmt.Errorf("httpconnect: reading request line: %w", err)
	}

	method, target, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}
	if method != "CONNECT" {
		_ = writeResponse(conn, 405, "Method Not Allowed")
		return nil, ErrUnsupportedMethod
	}

	for {
		headerLine, err := readLimitedLine(r, &read)
		if err != nil {
			return nil, fmt.Errorf("httpconnect: reading headers: %w", err)
		}
		if headerLine == "" {
			break
		}
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid port %q", ErrMalformedRequest, portStr)
	}

	if normalized, err := idna.Lookup.ToASCII(host); err == nil {
		host = normalized
	}

	return &Request{Host: host, Port: port}, nil
}

func parseRequestLine(line string) (method, target string, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", ErrMalformedRequest
	}
	return parts[0], parts[1], nil
}

// readLimitedLine reads one CRLF- or LF-terminated line, enforcing
// maxHeaderBytes across the whole request.
func readLimitedLine(r *bufio.Reader, read *int) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	*read += len(line)
	if *read > maxHeaderBytes {
		return "", ErrHeadersTooLarge
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteEstablished sends the 200 response that tells the local client
// tunneling may begin (spec.md §4.6 "success").
func WriteEstablished(conn net.Conn) error {
	return writeResponse(conn, 200, "Connection Established")
}

// WriteBadGateway sends the 502 response used when the upstream
// connect through the tunnel failed (spec.md §4.6 "failure").
func WriteBadGateway(conn net.Conn) error {
	return writeResponse(conn, 502, "Bad Gateway")
}

func writeResponse(conn net.Conn, code int, reason string) error {
	_, err := fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, reason)
	return err
}

// HostPort renders the request's destination as host:port.
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
