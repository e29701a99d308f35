package adb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
)

// Conn is one smart-socket connection to the ADB server.
type Conn struct {
	net.Conn
}

// launchGuard makes server auto-launch a process-wide one-shot: the first
// failing connect may spawn the server, later failures must not respawn.
var launchGuard struct {
	sync.Mutex
	tried bool
}

func resolveEndpoint(opt TransportOption) (string, error) {
	host := opt.endpointHost()
	port := opt.endpointPort()

	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	if len(ips) == 0 {
		return "", &ConnectionError{Err: fmt.Errorf("no IPv4 address for %s", host)}
	}

	return net.JoinHostPort(ips[0].String(), strconv.Itoa(port)), nil
}

// dial connects to the server, spawning it once per process if allowed.
func dial(opt TransportOption) (*Conn, error) {
	target, err := resolveEndpoint(opt)
	if err != nil {
		return nil, err
	}

	for {
		c, err := net.Dial("tcp", target)
		if err == nil {
			return &Conn{Conn: c}, nil
		}

		if opt.NoLaunch {
			return nil, &ConnectionError{Err: err}
		}

		launchGuard.Lock()
		tried := launchGuard.tried
		launchGuard.tried = true
		launchGuard.Unlock()

		if tried {
			return nil, &ConnectionError{Err: err}
		}

		log.Debug("adb server not reachable, launching")
		if err := launchServer(); err != nil {
			return nil, &ConnectionError{Err: err}
		}
		// loop and try the connect again
	}
}

// WriteProtocolString transmits s as "%04x" + s.
func (c *Conn) WriteProtocolString(s string) error {
	if len(s) > MaxPayload-4 {
		return protocolErrorf("message too big (%d bytes)", len(s))
	}
	_, err := fmt.Fprintf(c, "%04x%s", len(s), s)
	return err
}

// ReadProtocolString reads one 4-hex-length-prefixed string.
func (c *Conn) ReadProtocolString() (string, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c, hdr[:]); err != nil {
		return "", err
	}

	n, err := strconv.ParseUint(string(hdr[:]), 16, 32)
	if err != nil {
		return "", protocolErrorf("bad length prefix %q", hdr[:])
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(c, body); err != nil {
		return "", err
	}

	return string(body), nil
}

// Status consumes one OKAY/FAIL response.
func (c *Conn) Status() error {
	var status [4]byte
	if _, err := io.ReadFull(c, status[:]); err != nil {
		return err
	}

	if string(status[:]) == "OKAY" {
		return nil
	}

	if string(status[:]) != "FAIL" {
		return protocolErrorf("status %02x %02x %02x %02x?!",
			status[0], status[1], status[2], status[3])
	}

	msg, err := c.ReadProtocolString()
	if err != nil {
		return err
	}

	return &ServerError{Msg: msg}
}

// switchTransport selects the device transport for non-host services and
// returns the transport id assigned by the server.
func (c *Conn) switchTransport(opt TransportOption) (int64, error) {
	var selector string
	switch {
	case opt.TransportID != 0:
		selector = fmt.Sprintf("host:transport-id:%d", opt.TransportID)
	case opt.Serial != "":
		selector = "host:tport:serial:" + opt.Serial
	case opt.Kind == TransportUsb:
		selector = "host:tport:usb"
	case opt.Kind == TransportLocal:
		selector = "host:tport:local"
	default:
		selector = "host:tport:any"
	}

	if err := c.WriteProtocolString(selector); err != nil {
		return 0, err
	}
	if err := c.Status(); err != nil {
		return 0, err
	}

	if opt.TransportID != 0 {
		return opt.TransportID, nil
	}

	var id int64
	if err := binary.Read(c, binary.LittleEndian, &id); err != nil {
		return 0, err
	}

	return id, nil
}

// connect dials, switches transports for device services, submits the
// service and consumes its status. The assigned transport id is stored
// through transportID when non-nil.
func connect(service string, opt TransportOption, transportID *int64) (*Conn, error) {
	c, err := dial(opt)
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(service, "host") {
		id, err := c.switchTransport(opt)
		if err != nil {
			c.Close()
			return nil, err
		}
		if transportID != nil {
			*transportID = id
		}
	}

	if err := c.WriteProtocolString(service); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.Status(); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// readAll drains the connection until EOF.
func (c *Conn) readAll() ([]byte, error) {
	out, err := io.ReadAll(c)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// armWatchdog closes the connection after d unless disarmed first.
// Closing fails the in-flight read, which the caller translates to a
// timeout. disarm reports whether it won the race.
func (c *Conn) armWatchdog(d time.Duration) (disarm func() bool) {
	t := time.AfterFunc(d, func() { c.Close() })
	return t.Stop
}
