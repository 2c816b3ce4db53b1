package httpconnect

import (
	"bufio"
	"errors"
	"net"
	"testing"
)

func TestReadConnectHappyPath(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req *Request
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := Read(server)
		done <- result{req, err}
	}()

	client.Write([]byte("CONNECT www.example.com:443 HTTP/1.1\r\nHost: www.example.com:443\r\nUser-Agent: test\r\n\r\n"))

	res := <-done
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if res.req.Host != "www.example.com" || res.req.Port != 443 {
		t.Fatalf("unexpected request: %+v", res.req)
	}
}

func TestReadNormalizesUnicodeHost(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		req *Request
		err error
	}
	done := make(chan result, 1)
	go func() {
		req, err := Read(server)
		done <- result{req, err}
	}()

	client.Write([]byte("CONNECT müller.example:443 HTTP/1.1\r\n\r\n"))

	res := <-done
	if res.err != nil {
		t.Fatalf("read failed: %v", res.err)
	}
	if res.req.Host != "xn--mller-kva.example" || res.req.Port != 443 {
		t.Fatalf("unexpected request: %+v", res.req)
	}
}

func TestReadRejectsNonConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Read(server)
		done <- err
	}()

	client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}

	err = <-done
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("expected ErrUnsupportedMethod, got %v", err)
	}
	if statusLine != "HTTP/1.1 405 Method Not Allowed\r\n" {
		t.Fatalf("unexpected status line: %q", statusLine)
	}
}

func TestWriteEstablished(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		if err := WriteEstablished(server); err != nil {
			t.Errorf("write established: %v", err)
		}
	}()

	br := bufio.NewReader(client)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("reading status line: %v", err)
	}
	if statusLine != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected status line: %q", statusLine)
	}
}
