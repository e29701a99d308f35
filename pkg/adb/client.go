package adb

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
)

// Client issues host services and device operations against one ADB
// server, opening a fresh connection per operation the way the protocol
// expects.
type Client struct {
	opt TransportOption
}

func NewClient(opt TransportOption) *Client {
	return &Client{opt: opt}
}

// hostCommand prefixes cmd with the host selector matching the target
// precedence: transport-id > serial > kind.
func (c *Client) hostCommand(cmd string) string {
	switch {
	case c.opt.TransportID != 0:
		return fmt.Sprintf("host-transport-id:%d:%s", c.opt.TransportID, cmd)
	case c.opt.Serial != "":
		return fmt.Sprintf("host-serial:%s:%s", c.opt.Serial, cmd)
	case c.opt.Kind == TransportUsb:
		return "host-usb:" + cmd
	case c.opt.Kind == TransportLocal:
		return "host-local:" + cmd
	default:
		return "host:" + cmd
	}
}

// swallowConnect maps a ConnectionError to an empty result when
// auto-launch is disabled, so callers can probe for a running server.
func (c *Client) swallowConnect(err error) (string, error) {
	var cerr *ConnectionError
	if errors.As(err, &cerr) && c.opt.NoLaunch {
		return "", nil
	}
	return "", err
}

// Query submits the service verbatim and reads one protocol string.
func (c *Client) Query(service string) (string, error) {
	conn, err := connect(service, c.opt, nil)
	if err != nil {
		return c.swallowConnect(err)
	}
	defer conn.Close()

	return conn.ReadProtocolString()
}

// Command runs a host-prefixed command, reading status only. A positive
// timeout arms a watchdog that force-closes the socket.
func (c *Client) Command(cmd string, timeout time.Duration) error {
	// The host prefix already names the target, so no transport switch
	// happens on this connection. The status is read here rather than by
	// connect so that the watchdog covers it.
	conn, err := dial(c.opt)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.WriteProtocolString(c.hostCommand(cmd)); err != nil {
		return err
	}

	if timeout <= 0 {
		return conn.Status()
	}

	disarm := conn.armWatchdog(timeout)
	err = conn.Status()
	if !disarm() {
		return &TimeoutError{Op: "command"}
	}

	return err
}

// CommandQuery runs a host-prefixed command and reads one protocol string.
func (c *Client) CommandQuery(cmd string) (string, error) {
	conn, err := connect(c.hostCommand(cmd), c.opt, nil)
	if err != nil {
		return c.swallowConnect(err)
	}
	defer conn.Close()

	return conn.ReadProtocolString()
}

// CommandConnect submits cmd on a device transport and drains the reply
// until EOF.
func (c *Client) CommandConnect(cmd string) ([]byte, error) {
	conn, err := connect(cmd, c.opt, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.readAll()
}

// Kill asks the server to exit. Best effort: all errors are swallowed.
func (c *Client) Kill() {
	conn, err := dial(TransportOption{Host: c.opt.Host, Port: c.opt.Port, NoLaunch: true})
	if err != nil {
		return
	}
	defer conn.Close()

	if err := conn.WriteProtocolString("host:kill"); err != nil {
		return
	}

	// The server might send OKAY, so consume that.
	var status [4]byte
	io.ReadFull(conn, status[:])
}

// Connect asks the server to connect to a remote TCP device.
func (c *Client) Connect(hostport string) (string, error) {
	return c.CommandQuery("connect:" + hostport)
}

// ListDevices parses `host:devices-l`. With deviceOnly, entries whose
// state is not "device" are skipped; a non-empty targetSerial keeps only
// that device.
func (c *Client) ListDevices(deviceOnly bool, targetSerial string) ([]DeviceInfo, error) {
	body, err := c.Query("host:devices-l")
	if err != nil {
		return nil, err
	}

	var out []DeviceInfo
	for _, line := range strings.Split(body, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		dev := DeviceInfo{Serial: fields[0], State: fields[1]}
		if deviceOnly && dev.State != "device" {
			continue
		}
		if targetSerial != "" && targetSerial != dev.Serial {
			continue
		}

		for _, kv := range fields[2:] {
			switch {
			case strings.HasPrefix(kv, "product:"):
				dev.Product = kv[len("product:"):]
			case strings.HasPrefix(kv, "model:"):
				dev.Model = kv[len("model:"):]
			case strings.HasPrefix(kv, "device:"):
				dev.Device = kv[len("device:"):]
			case strings.HasPrefix(kv, "transport_id:"):
				dev.TransportID, _ = strconv.ParseInt(kv[len("transport_id:"):], 10, 64)
			}
		}

		out = append(out, dev)
	}

	return out, nil
}

// GetFeatures fetches the daemon's advertised capability set.
func (c *Client) GetFeatures() (FeatureSet, error) {
	body, err := c.CommandQuery("features")
	if err != nil {
		return nil, err
	}
	return parseFeatures(body), nil
}

// WaitDevice blocks until the chosen transport reaches state.
func (c *Client) WaitDevice(state string, timeout time.Duration) error {
	kind := "any"
	switch c.opt.Kind {
	case TransportUsb:
		kind = "usb"
	case TransportLocal:
		kind = "local"
	}

	return c.Command(fmt.Sprintf("wait-for-%s-%s", kind, state), timeout)
}

// Root toggles adbd between root and unroot, then waits for the transport
// to drop and (unless pinned by transport id) come back.
func (c *Client) Root(enable bool) error {
	service := "unroot:"
	if enable {
		service = "root:"
	}

	var transportID int64
	conn, err := connect(service, c.opt, &transportID)
	if err != nil {
		return err
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	conn.Close()
	if err != nil && err != io.EOF {
		return err
	}

	reply := string(buf[:n])
	log.Debugf("adbd: %s", strings.TrimSpace(reply))

	if strings.Contains(reply, "already running as root") {
		return nil
	}

	pinned := NewClient(TransportOption{
		Host:        c.opt.Host,
		Port:        c.opt.Port,
		TransportID: transportID,
		NoLaunch:    c.opt.NoLaunch,
	})
	if err := pinned.WaitDevice("disconnect", 0); err != nil {
		// The transport may already be gone when the wait lands.
		log.Debugf("wait-for-disconnect: %v", err)
	}

	// Wait for the device to come back. If we were pinned to a specific
	// transport id there is nothing left to wait for.
	if c.opt.TransportID == 0 {
		return c.WaitDevice("device", 6*time.Second)
	}

	return nil
}

// Remount remounts the device partitions read-write. When the daemon
// advertises remount_shell the shell path is used; otherwise, and as a
// last resort when the shell path fails, the legacy remount: service.
func (c *Client) Remount(args string) error {
	features, err := c.GetFeatures()
	if err != nil {
		return err
	}

	if features.Has(FeatureRemountShell) {
		_, err := c.shell("remount "+args, features.Has(FeatureShellV2))
		if err == nil {
			return nil
		}
		log.Debugf("shell remount failed, falling back: %v", err)
	}

	_, err = c.CommandConnect("remount:" + args)
	return err
}
