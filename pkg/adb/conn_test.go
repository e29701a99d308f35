package adb

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return &Conn{Conn: a}, b
}

func TestProtocolStringRoundTrip(t *testing.T) {
	client, server := pipeConn(t)

	for _, s := range []string{"", "a", "host:devices-l", strings.Repeat("x", 4096)} {
		done := make(chan error, 1)
		go func() {
			done <- client.WriteProtocolString(s)
		}()

		got, err := (&Conn{Conn: server}).ReadProtocolString()
		require.NoError(t, err)
		require.NoError(t, <-done)
		assert.Equal(t, s, got)
	}
}

func TestProtocolStringTooBig(t *testing.T) {
	client, _ := pipeConn(t)

	err := client.WriteProtocolString(strings.Repeat("x", MaxPayload-3))
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestReadProtocolStringMalformed(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		server.Write([]byte("zzzz"))
	}()

	_, err := client.ReadProtocolString()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestReadProtocolStringTruncated(t *testing.T) {
	client, server := pipeConn(t)

	go func() {
		server.Write([]byte("0010short"))
		server.Close()
	}()

	_, err := client.ReadProtocolString()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStatusOkay(t *testing.T) {
	client, server := pipeConn(t)

	go server.Write([]byte("OKAY"))

	require.NoError(t, client.Status())
}

func TestStatusFail(t *testing.T) {
	client, server := pipeConn(t)

	go server.Write([]byte("FAIL0009no device"))

	err := client.Status()
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "no device", serr.Msg)
}

func TestStatusGarbage(t *testing.T) {
	client, server := pipeConn(t)

	go server.Write([]byte("WHAT"))

	err := client.Status()
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
}

func TestSwitchTransportPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		opt      TransportOption
		selector string
		sendsID  bool
	}{
		{"all unset", TransportOption{}, "host:tport:any", true},
		{"kind usb", TransportOption{Kind: TransportUsb}, "host:tport:usb", true},
		{"kind local", TransportOption{Kind: TransportLocal}, "host:tport:local", true},
		{"serial", TransportOption{Serial: "ABC"}, "host:tport:serial:ABC", true},
		{"serial beats kind", TransportOption{Serial: "ABC", Kind: TransportUsb}, "host:tport:serial:ABC", true},
		{"id", TransportOption{TransportID: 7}, "host:transport-id:7", false},
		{"id beats serial", TransportOption{TransportID: 7, Serial: "ABC"}, "host:transport-id:7", false},
		{"id beats all", TransportOption{TransportID: 7, Serial: "ABC", Kind: TransportLocal}, "host:transport-id:7", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := pipeConn(t)

			done := make(chan error, 1)
			go func() {
				got, err := (&Conn{Conn: server}).ReadProtocolString()
				if err != nil {
					done <- err
					return
				}
				if got != tt.selector {
					done <- fmt.Errorf("selector = %q, want %q", got, tt.selector)
					return
				}
				if _, err := server.Write([]byte("OKAY")); err != nil {
					done <- err
					return
				}
				if tt.sendsID {
					done <- binary.Write(server, binary.LittleEndian, int64(42))
					return
				}
				done <- nil
			}()

			id, err := client.switchTransport(tt.opt)
			require.NoError(t, err)
			require.NoError(t, <-done)

			if tt.sendsID {
				assert.Equal(t, int64(42), id)
			} else {
				assert.Equal(t, tt.opt.TransportID, id)
			}
		})
	}
}

func TestHostCommandPrecedence(t *testing.T) {
	tests := []struct {
		opt  TransportOption
		want string
	}{
		{TransportOption{}, "host:features"},
		{TransportOption{Kind: TransportUsb}, "host-usb:features"},
		{TransportOption{Kind: TransportLocal}, "host-local:features"},
		{TransportOption{Serial: "S"}, "host-serial:S:features"},
		{TransportOption{Serial: "S", Kind: TransportUsb}, "host-serial:S:features"},
		{TransportOption{TransportID: 3}, "host-transport-id:3:features"},
		{TransportOption{TransportID: 3, Serial: "S"}, "host-transport-id:3:features"},
		{TransportOption{TransportID: 3, Serial: "S", Kind: TransportLocal}, "host-transport-id:3:features"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NewClient(tt.opt).hostCommand("features"))
	}
}

func TestReadProtocolStringEOF(t *testing.T) {
	client, server := pipeConn(t)
	server.Close()

	_, err := client.ReadProtocolString()
	assert.ErrorIs(t, err, io.EOF)
}
