package devwatch

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"
	"golang.org/x/sys/unix"

	"github.com/blacktop/adbwatch/internal/script"
)

const nlGroupKernel = 1

// ttyExpectation tracks one "a tty child should appear" window after an
// arrival of a configured usbserial device. If it expires, the generic
// usbserial driver is rebound with the device's vid/pid.
type ttyExpectation struct {
	deadline time.Time
	active   bool
	devpath  string
	vid      uint16
	pid      uint16
}

// netlinkSource consumes NETLINK_KOBJECT_UEVENT messages.
type netlinkSource struct {
	settings *WatchSettings

	nlFd    int
	eventFd int

	expect       ttyExpectation
	driverLoaded bool
}

// newPlatformSource builds the kernel-uevent source. Driver auto-rebind
// needs root; startup fails without it.
func newPlatformSource(settings *WatchSettings) (NotificationSource, error) {
	if len(settings.UsbSerialVidPids) > 0 && !script.RunningAsRoot() {
		return nil, fmt.Errorf("usbserial driver rebinding requires root privileges")
	}

	nlFd, err := unix.Socket(unix.AF_NETLINK,
		unix.SOCK_RAW|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlink socket: %w", err)
	}

	if err := unix.Bind(nlFd, &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: nlGroupKernel,
	}); err != nil {
		unix.Close(nlFd)
		return nil, fmt.Errorf("netlink bind: %w", err)
	}

	if err := unix.SetsockoptInt(nlFd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(nlFd)
		return nil, fmt.Errorf("netlink SO_PASSCRED: %w", err)
	}

	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(nlFd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &netlinkSource{
		settings: settings,
		nlFd:     nlFd,
		eventFd:  eventFd,
	}, nil
}

func (s *netlinkSource) EnumerateInitial(sink Sink) error {
	return s.enumerateSysfs(sink)
}

func (s *netlinkSource) Run(sink Sink, tearDown func(string)) error {
	for {
		timeout := -1
		if s.expect.active {
			timeout = int(time.Until(s.expect.deadline).Milliseconds())
			if timeout < 0 {
				timeout = 0
			}
		}

		fds := []unix.PollFd{
			{Fd: int32(s.eventFd), Events: unix.POLLIN},
			{Fd: int32(s.nlFd), Events: unix.POLLIN},
		}

		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if s.expect.active && !time.Now().Before(s.expect.deadline) {
			s.expect.active = false
			s.loadDriver()
		}

		if n == 0 {
			continue
		}

		if fds[0].Revents != 0 {
			// Stop was signalled.
			return nil
		}

		if fds[1].Revents != 0 {
			s.readMessage(sink, tearDown)
		}
	}
}

func (s *netlinkSource) Stop() {
	var one [8]byte
	one[0] = 1
	unix.Write(s.eventFd, one[:])
}

func (s *netlinkSource) Close() error {
	unix.Close(s.nlFd)
	unix.Close(s.eventFd)
	s.unloadDriver()
	return nil
}

// readMessage consumes one uevent, dropping messages that are not from
// the kernel group or not root-sent.
func (s *netlinkSource) readMessage(sink Sink, tearDown func(string)) {
	buf := make([]byte, 2048)
	oob := make([]byte, unix.CmsgSpace(unix.SizeofUcred))

	n, oobn, _, from, err := unix.Recvmsg(s.nlFd, buf, oob, 0)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			log.WithError(err).Debug("netlink recvmsg")
		}
		return
	}
	if n < 32 {
		return
	}

	nl, ok := from.(*unix.SockaddrNetlink)
	if !ok || nl.Groups != nlGroupKernel || nl.Pid != 0 {
		return
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return
	}
	cred, err := unix.ParseUnixCredentials(&cmsgs[0])
	if err != nil || cred.Uid != 0 {
		return
	}

	s.parse(buf[:n], sink, tearDown)
}

// ueventValue finds key in the NUL-partitioned key=value message.
func ueventValue(msg []byte, key string) (string, bool) {
	for _, part := range bytes.Split(msg, []byte{0}) {
		if len(part) > len(key) && part[len(key)] == '=' && string(part[:len(key)]) == key {
			return string(part[len(key)+1:]), true
		}
	}
	return "", false
}

// unpackTriple splits "a/b/c" values like PRODUCT=31ef/3001/0.
func unpackTriple(s string, base int) (v0, v1, v2 uint16) {
	parts := strings.SplitN(s, "/", 3)
	vals := [3]uint16{}
	for i, p := range parts {
		if i >= 3 {
			break
		}
		if n, err := strconv.ParseUint(p, base, 16); err == nil {
			vals[i] = uint16(n)
		}
	}
	return vals[0], vals[1], vals[2]
}

func (s *netlinkSource) parse(msg []byte, sink Sink, tearDown func(string)) {
	action, _ := ueventValue(msg, "ACTION")
	switch action {
	case "add":
		subsystem, _ := ueventValue(msg, "SUBSYSTEM")
		switch subsystem {
		case "usb":
			if devtype, _ := ueventValue(msg, "DEVTYPE"); devtype == "usb_interface" {
				s.parseInterfaceAdd(msg, sink)
			}
		case "tty":
			s.parseTTYAdd(msg, sink)
		}
	case "remove":
		s.parseRemove(msg, tearDown)
	}
}

// parseInterfaceAdd handles a usb_interface arrival:
//
//	PRODUCT=31ef/3001/0
//	INTERFACE=255/66/1
//	DEVPATH=/devices/.../usb1/1-9/1-9.1/1-9.1:1.0
func (s *netlinkSource) parseInterfaceAdd(msg []byte, sink Sink) {
	product, okP := ueventValue(msg, "PRODUCT")
	iface, okI := ueventValue(msg, "INTERFACE")
	devpath, okD := ueventValue(msg, "DEVPATH")
	if !okP || !okI || !okD {
		return
	}

	vid, pid, _ := unpackTriple(product, 16)
	cls, sub, proto := unpackTriple(iface, 10)

	if s.settings.isUsbSerialDevice(vid, pid) {
		s.expectTTY(vid, pid, devpath, time.Second)
		return
	}

	deviceDir := "/sys" + filepath.Dir(devpath)

	attr := usbInterfaceAttr{
		vendor:      vid,
		product:     pid,
		ifnum:       interfaceNumber(filepath.Base(devpath)),
		usbClass:    uint8(cls),
		usbSubClass: uint8(sub),
		usbProto:    uint8(proto),
		hasClass:    true,
	}
	attr.driver = readInterfaceDriver("/sys" + devpath)

	if err := readUsbAttributes(deviceDir, &attr); err != nil {
		return
	}

	s.emitAttr(&attr, sink)
}

// parseTTYAdd handles a tty arrival:
//
//	DEVPATH=/devices/.../1-9.1/1-9.1:1.0/ttyUSB0/tty/ttyUSB0
//	DEVNAME=ttyUSB0
func (s *netlinkSource) parseTTYAdd(msg []byte, sink Sink) {
	devname, okN := ueventValue(msg, "DEVNAME")
	devpath, okP := ueventValue(msg, "DEVPATH")
	if !okN || !okP {
		return
	}

	// The expected tty arrived; no driver rebind needed.
	if s.expect.active && s.expect.devpath != "" && strings.HasPrefix(devpath, s.expect.devpath) {
		s.expect.active = false
	}

	deviceDir := "/sys" + devpath
	colon := strings.LastIndexByte(deviceDir, ':')
	if colon < 0 {
		return
	}

	// The interface number hides in the ":1.0" segment.
	ifSegment := deviceDir[colon:]
	if slash := strings.IndexByte(ifSegment, '/'); slash >= 0 {
		ifSegment = ifSegment[:slash]
	}

	attr := usbInterfaceAttr{
		tty:   devname,
		ifnum: interfaceNumber(ifSegment),
	}

	deviceDir = deviceDir[:colon]
	slash := strings.LastIndexByte(deviceDir, '/')
	if slash < 0 {
		return
	}
	deviceDir = deviceDir[:slash]

	if err := readUsbAttributes(deviceDir, &attr); err != nil {
		return
	}

	s.emitAttr(&attr, sink)
}

// parseRemove handles a usb_device removal, reconstructing the session id
// from BUSNUM/DEVNUM.
func (s *netlinkSource) parseRemove(msg []byte, tearDown func(string)) {
	subsystem, _ := ueventValue(msg, "SUBSYSTEM")
	if subsystem != "usb" {
		return
	}

	if devtype, _ := ueventValue(msg, "DEVTYPE"); devtype == "usb_interface" {
		if devpath, ok := ueventValue(msg, "DEVPATH"); ok &&
			s.expect.active && s.expect.devpath == devpath {
			s.expect.active = false
		}
	}

	busStr, okB := ueventValue(msg, "BUSNUM")
	devStr, okD := ueventValue(msg, "DEVNUM")
	if !okB || !okD {
		return
	}

	busnum, err1 := strconv.ParseUint(busStr, 10, 32)
	devnum, err2 := strconv.ParseUint(devStr, 10, 32)
	if err1 != nil || err2 != nil {
		return
	}

	tearDown(sessionIDFrom(uint8(busnum), uint8(devnum)))
	s.unloadDriver()
}

func (s *netlinkSource) expectTTY(vid, pid uint16, devpath string, timeout time.Duration) {
	s.expect = ttyExpectation{
		deadline: time.Now().Add(timeout),
		active:   true,
		devpath:  devpath,
		vid:      vid,
		pid:      pid,
	}
}

// loadDriver rebinds the generic usbserial driver to the expected vid/pid.
func (s *netlinkSource) loadDriver() {
	varg := fmt.Sprintf("%#04x", s.expect.vid)
	parg := fmt.Sprintf("%#04x", s.expect.pid)
	script.RunNoOutput("rmmod {0} && modprobe {0} vendor={1} product={2} &",
		[]string{"usbserial", varg, parg}, nil)
	s.driverLoaded = true
}

func (s *netlinkSource) unloadDriver() {
	if s.driverLoaded {
		script.RunNoOutput("rmmod usbserial &", nil, nil)
		s.driverLoaded = false
	}
}

var _ NotificationSource = (*netlinkSource)(nil)
