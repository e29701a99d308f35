package adb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Shell packet ids (v2 protocol).
const (
	shellIDStdin  = 0
	shellIDStdout = 1
	shellIDStderr = 2
	shellIDExit   = 3
)

const shellBufferSize = 40960

// ShellOutput is the result of one remote command.
type ShellOutput struct {
	ExitCode uint8
	Stdout   []byte
	Stderr   []byte
}

// ExecuteShell runs command on the device, choosing the v2 protocol when
// the daemon advertises shell_v2. v1 reports everything as stdout with
// exit code 0.
func (c *Client) ExecuteShell(command string) (*ShellOutput, error) {
	features, err := c.GetFeatures()
	if err != nil {
		return nil, err
	}
	return c.shell(command, features.Has(FeatureShellV2))
}

// ExecuteShellProtocol runs command with an explicit protocol choice,
// bypassing feature detection.
func (c *Client) ExecuteShellProtocol(command string, v2 bool) (*ShellOutput, error) {
	return c.shell(command, v2)
}

func (c *Client) shell(command string, v2 bool) (*ShellOutput, error) {
	service := "shell:" + command
	if v2 {
		service = "shell,v2,raw:" + command
	}

	conn, err := connect(service, c.opt, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if v2 {
		return readShellOutput(conn)
	}

	out, err := conn.readAll()
	if err != nil {
		return nil, err
	}
	return &ShellOutput{Stdout: out}, nil
}

// readShellOutput demultiplexes v2 packets. A payload larger than the
// scratch buffer is drained across reads, tracking the unread remainder.
func readShellOutput(r io.Reader) (*ShellOutput, error) {
	out := &ShellOutput{}

	buf := make([]byte, shellBufferSize)
	var (
		id        byte
		bytesLeft uint32
	)

	for {
		// Only read a new header once the previous packet is drained.
		if bytesLeft == 0 {
			var hdr [5]byte
			if _, err := io.ReadFull(r, hdr[:]); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil, protocolErrorf("shell stream ended before exit packet")
				}
				return nil, err
			}
			id = hdr[0]
			bytesLeft = binary.LittleEndian.Uint32(hdr[1:])
		}

		n := min(int(bytesLeft), len(buf))
		if n > 0 {
			if _, err := io.ReadFull(r, buf[:n]); err != nil {
				return nil, err
			}
			bytesLeft -= uint32(n)
		}

		switch id {
		case shellIDStdout:
			out.Stdout = append(out.Stdout, buf[:n]...)
		case shellIDStderr:
			out.Stderr = append(out.Stderr, buf[:n]...)
		case shellIDExit:
			if n < 1 {
				return nil, protocolErrorf("shell exit packet with empty payload")
			}
			out.ExitCode = buf[0]
			return out, nil
		}
	}
}

func (o *ShellOutput) String() string {
	return fmt.Sprintf("exit=%d stdout=%dB stderr=%dB", o.ExitCode, len(o.Stdout), len(o.Stderr))
}
