// Package socks5 implements the loopback-only SOCKS5 front door
// (spec.md §4.5): RFC 1928 greeting with no-auth only, CONNECT-only
// command support, and IPv4/domain/IPv6 address decoding.
package socks5

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/net/idna"
)

const (
	version5 = 0x05

	authNone      = 0x00
	authNoneFound = 0xff // "no acceptable methods"

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyConnectionRefused   = 0x05
	replyCommandNotSupported = 0x07
	replyAddressNotSupported = 0x08
)

// Errors surfaced while parsing a SOCKS5 request (spec.md §7 "SOCKS5"
// kind).
var (
	ErrInvalidVersion        = errors.New("socks5: unsupported protocol version")
	ErrNoAcceptableMethods   = errors.New("socks5: client offered no acceptable auth methods")
	ErrUnsupportedCommand    = errors.New("socks5: only the CONNECT command is supported")
	ErrUnsupportedAddrType   = errors.New("socks5: unsupported address type")
)

// Request is a parsed SOCKS5 CONNECT request (spec.md §3 "SOCKS5
// request").
type Request struct {
	Host string
	Port int
}

// Handshake performs the RFC 1928 greeting (no-auth only) and reads
// the client's command request off conn, replying with a failure
// frame and returning a non-nil error for anything but CONNECT.
func Handshake(ctx context.Context, conn net.Conn) (*Request, error) {
	r := bufio.NewReader(conn)

	if err := readGreeting(r, conn); err != nil {
		return nil, err
	}

	req, err := readRequest(r)
	if err != nil {
		_ = writeReply(conn, replyCommandNotSupportedFor(err), net.IPv4zero, 0)
		return nil, err
	}

	return req, nil
}

func replyCommandNotSupportedFor(err error) byte {
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		return replyCommandNotSupported
	case errors.Is(err, ErrUnsupportedAddrType):
		return replyAddressNotSupported
	default:
		return replyGeneralFailure
	}
}

func readGreeting(r *bufio.Reader, w io.Writer) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("socks5: reading greeting: %w", err)
	}
	if header[0] != version5 {
		return ErrInvalidVersion
	}

	nMethods := int(header[1])
	methods := make([]byte, nMethods)
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("socks5: reading auth methods: %w", err)
	}

	found := false
	for _, m := range methods {
		if m == authNone {
			found = true
			break
		}
	}
	if !found {
		_, _ = w.Write([]byte{version5, authNoneFound})
		return ErrNoAcceptableMethods
	}

	_, err := w.Write([]byte{version5, authNone})
	return err
}

func readRequest(r *bufio.Reader) (*Request, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("socks5: reading request header: %w", err)
	}
	if header[0] != version5 {
		return nil, ErrInvalidVersion
	}
	if header[1] != cmdConnect {
		return nil, ErrUnsupportedCommand
	}

	var host string
	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(r, addr); err != nil {
			return nil, fmt.Errorf("socks5: reading IPv4 address: %w", err)
		}
		host = net.IP(addr).String()

	case atypDomain:
		lenByte, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("socks5: reading domain length: %w", err)
		}
		domain := make([]byte, lenByte)
		if _, err := io.ReadFull(r, domain); err != nil {
			return nil, fmt.Errorf("socks5: reading domain: %w", err)
		}
		normalized, err := idna.Lookup.ToASCII(string(domain))
		if err != nil {
			normalized = string(domain)
		}
		host = normalized

	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(r, addr); err != nil {
			return nil, fmt.Errorf("socks5: reading IPv6 address: %w", err)
		}
		host = net.IP(addr).String()

	default:
		return nil, ErrUnsupportedAddrType
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(r, portBytes); err != nil {
		return nil, fmt.Errorf("socks5: reading port: %w", err)
	}
	port := int(binary.BigEndian.Uint16(portBytes))

	return &Request{Host: host, Port: port}, nil
}

// WriteSuccess sends the SOCKS5 success reply. The bound address is
// informational only (spec.md §4.5 does not require it to reflect a
// real bind), so the zero IPv4 address and port are always used.
func WriteSuccess(conn net.Conn) error {
	return writeReply(conn, replySucceeded, net.IPv4zero, 0)
}

// WriteConnectionRefused sends the SOCKS5 connection-refused reply
// (spec.md §7: "StreamOpen failures translate to SOCKS5 reply 0x05 0x05"),
// used when the pool could not open a stream to the requested target.
func WriteConnectionRefused(conn net.Conn) error {
	return writeReply(conn, replyConnectionRefused, net.IPv4zero, 0)
}

// WriteGeneralFailure sends a SOCKS5 general-failure reply, reserved
// for protocol-level failures that aren't a StreamOpen rejection.
func WriteGeneralFailure(conn net.Conn) error {
	return writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
}

func writeReply(w io.Writer, rep byte, addr net.IP, port int) error {
	ip4 := addr.To4()
	atyp := byte(atypIPv4)
	addrBytes := ip4
	if ip4 == nil {
		atyp = atypIPv6
		addrBytes = addr.To16()
	}

	buf := make([]byte, 0, 6+len(addrBytes))
	buf = append(buf, version5, rep, 0x00, atyp)
	buf = append(buf, addrBytes...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(port))
	buf = append(buf, portBytes...)

	_, err := w.Write(buf)
	return err
}

// HostPort renders the request's destination as host:port, with IPv6
// hosts in brackets.
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}
