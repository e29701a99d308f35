//go:build linux || darwin

package adb

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdb drops an executable named adb into a fresh PATH. The script
// acknowledges the fork-server handshake on fd 3 with body.
func fakeAdb(t *testing.T, body string) {
	t.Helper()

	dir := t.TempDir()
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "adb"), []byte(script), 0o755))
	t.Setenv("PATH", dir)
}

func resetLaunchGuard() {
	launchGuard.Lock()
	launchGuard.tried = false
	launchGuard.Unlock()
}

func TestLaunchServerOK(t *testing.T) {
	fakeAdb(t, `printf 'OK\n' >&3`)

	require.NoError(t, launchServer())
}

func TestLaunchServerBadAck(t *testing.T) {
	fakeAdb(t, `printf 'NO\n' >&3`)

	err := launchServer()
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, SetupServerFailed, serr.Code)
}

func TestLaunchServerShortRead(t *testing.T) {
	fakeAdb(t, `printf 'O' >&3`)

	err := launchServer()
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, SetupStartServerFailed, serr.Code)
}

func TestLaunchServerNotFound(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	err := launchServer()
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, SetupAdbNotFound, serr.Code)
}

func TestDialAutoLaunchOnce(t *testing.T) {
	// The fake server "starts" successfully but nothing ever listens, so
	// the retried connect fails too; the launch must not repeat.
	fakeAdb(t, `printf 'OK\n' >&3`)
	resetLaunchGuard()
	t.Cleanup(resetLaunchGuard)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	opt := TransportOption{Host: "127.0.0.1", Port: port}

	_, err = dial(opt)
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)

	launchGuard.Lock()
	tried := launchGuard.tried
	launchGuard.Unlock()
	assert.True(t, tried)

	// Second attempt fails straight away without respawning.
	_, err = dial(opt)
	require.ErrorAs(t, err, &cerr)
}
