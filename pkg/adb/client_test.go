package adb

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDevicesEmpty(t *testing.T) {
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		require.Equal(t, "host:devices-l", service)
		writeOkay(c)
		writeString(c, "")
	})

	devices, err := NewClient(opt).ListDevices(true, "")
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestListDevicesOneEntry(t *testing.T) {
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		require.Equal(t, "host:devices-l", service)
		writeOkay(c)
		writeString(c, "ABC123 device product:x model:y device:z transport_id:7\n")
	})

	devices, err := NewClient(opt).ListDevices(true, "")
	require.NoError(t, err)
	require.Len(t, devices, 1)

	assert.Equal(t, DeviceInfo{
		Serial:      "ABC123",
		State:       "device",
		Product:     "x",
		Model:       "y",
		Device:      "z",
		TransportID: 7,
	}, devices[0])
}

func TestListDevicesStateFilter(t *testing.T) {
	body := "A device product:x\nB offline\nC unauthorized\n"
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		writeOkay(c)
		writeString(c, body)
	})

	devices, err := NewClient(opt).ListDevices(true, "")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "A", devices[0].Serial)

	all, err := NewClient(opt).ListDevices(false, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	only, err := NewClient(opt).ListDevices(false, "C")
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "unauthorized", only[0].State)
}

func TestGetFeatures(t *testing.T) {
	opt := newFakeServer(t, "shell_v2,stat_v2,cmd", nil)

	features, err := NewClient(opt).GetFeatures()
	require.NoError(t, err)

	assert.True(t, features.Has(FeatureShellV2))
	assert.True(t, features.Has(FeatureStatV2))
	assert.True(t, features.Has("cmd"))
	assert.False(t, features.Has(FeatureLsV2))
}

func TestQuerySwallowsConnectionError(t *testing.T) {
	// A listener that is already closed gives us a port with nothing
	// behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	opt := TransportOption{Host: "127.0.0.1", Port: port, NoLaunch: true}

	out, err := NewClient(opt).Query("host:devices-l")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = NewClient(opt).CommandQuery("devices-l")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCommandTimeout(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		// Never answer; the watchdog has to fire.
		<-block
	})

	err := NewClient(opt).Command("wait-for-any-device", 100*time.Millisecond)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
}

func TestCommandOkay(t *testing.T) {
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		require.Equal(t, "host:wait-for-any-device", service)
		writeOkay(c)
	})

	require.NoError(t, NewClient(opt).Command("wait-for-any-device", time.Second))
}

func TestKillNeverFails(t *testing.T) {
	// Nothing listening at all.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	NewClient(TransportOption{Host: "127.0.0.1", Port: port}).Kill()

	served := make(chan string, 1)
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		served <- service
		writeOkay(c)
	})

	// Kill writes host:kill on a raw connection, without a status
	// exchange first.
	NewClient(opt).Kill()
	assert.Equal(t, "host:kill", <-served)
}

func TestCommandConnect(t *testing.T) {
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		require.Equal(t, "remount:", service)
		writeOkay(c)
		c.Write([]byte("remount succeeded\n"))
	})

	out, err := NewClient(opt).CommandConnect("remount:")
	require.NoError(t, err)
	assert.Equal(t, "remount succeeded\n", string(out))
}

func TestServerErrorPropagates(t *testing.T) {
	opt := newFakeServer(t, "", func(t *testing.T, service string, c net.Conn) {
		c.Write([]byte("FAIL"))
		writeString(c, "device offline")
	})

	_, err := NewClient(opt).Query("host:devices-l")
	var serr *ServerError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "device offline", serr.Msg)
}
