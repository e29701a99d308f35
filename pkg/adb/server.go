package adb

import (
	"io"
	"os"
	"os/exec"
	"time"
)

const serverStartTimeout = 10 * time.Second

// launchServer spawns `adb fork-server server --reply-fd <fd>` detached,
// handing the child the write end of a pipe, and waits for the three-byte
// "OK\n" acknowledgement.
func launchServer() error {
	adbPath, err := exec.LookPath("adb")
	if err != nil {
		return &SetupError{Code: SetupAdbNotFound, Err: err}
	}

	ackRead, ackWrite, err := os.Pipe()
	if err != nil {
		return &SetupError{Code: SetupCreatePipeFailed, Err: err}
	}
	defer ackRead.Close()

	// ExtraFiles[0] lands on fd 3 in the child.
	cmd := exec.Command(adbPath, "fork-server", "server", "--reply-fd", "3")
	cmd.ExtraFiles = []*os.File{ackWrite}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		ackWrite.Close()
		return &SetupError{Code: SetupCreateProcessFailed, Err: err}
	}
	ackWrite.Close()

	// The fork-server child outlives us; only the ack is awaited.
	go cmd.Wait()

	ackRead.SetReadDeadline(time.Now().Add(serverStartTimeout))

	var ack [3]byte
	if _, err := io.ReadFull(ackRead, ack[:]); err != nil {
		return &SetupError{Code: SetupStartServerFailed, Err: err}
	}

	if string(ack[:]) != "OK\n" {
		return &SetupError{Code: SetupServerFailed}
	}

	return nil
}
