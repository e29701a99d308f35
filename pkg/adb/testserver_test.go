package adb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
)

// fakeServer speaks just enough of the smart-socket protocol to exercise
// the client: it accepts connections, performs the transport-switch
// handshake for device services, answers host:features, and hands
// everything else to the test's handler.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	features string
	handle   func(t *testing.T, service string, c net.Conn)
}

func newFakeServer(t *testing.T, features string, handle func(t *testing.T, service string, c net.Conn)) TransportOption {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &fakeServer{t: t, ln: ln, features: features, handle: handle}
	go srv.acceptLoop()

	port := ln.Addr().(*net.TCPAddr).Port
	return TransportOption{Host: "127.0.0.1", Port: port, NoLaunch: true}
}

func (s *fakeServer) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(c)
	}
}

func (s *fakeServer) serve(c net.Conn) {
	defer c.Close()

	service, err := readService(c)
	if err != nil {
		return
	}

	// Device services arrive behind a transport selector.
	if strings.HasPrefix(service, "host:tport:") || strings.HasPrefix(service, "host:transport-id:") {
		writeOkay(c)
		if !strings.HasPrefix(service, "host:transport-id:") {
			binary.Write(c, binary.LittleEndian, int64(1))
		}
		if service, err = readService(c); err != nil {
			return
		}
	}

	if strings.HasSuffix(service, ":features") || service == "host:features" {
		writeOkay(c)
		writeString(c, s.features)
		return
	}

	if s.handle != nil {
		s.handle(s.t, service, c)
	}
}

func readService(c net.Conn) (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(hdr[:]), 16, 32)
	if err != nil {
		return "", err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c, body); err != nil {
		return "", err
	}
	return string(body), nil
}

func writeOkay(c net.Conn) {
	c.Write([]byte("OKAY"))
}

func writeString(c net.Conn, s string) {
	fmt.Fprintf(c, "%04x%s", len(s), s)
}
