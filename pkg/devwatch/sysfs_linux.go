package devwatch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const sysfsDevicePath = "/sys/bus/usb/devices"

// usbInterfaceAttr collects the sysfs state of one interface before it is
// shaped into a DeviceInterface record.
type usbInterfaceAttr struct {
	busnum      uint8
	devaddr     uint8
	vendor      uint16
	product     uint16
	identity    string
	tty         string
	serial      string
	productDesc string
	driver      string
	ifnum       int
	usbClass    uint8
	usbSubClass uint8
	usbProto    uint8
	hasClass    bool
}

// sessionID matches the id the kernel removal event lets us reconstruct:
// bus number and device address packed into one value.
func (a *usbInterfaceAttr) sessionID() string {
	return strconv.Itoa(int(a.busnum)<<8 | int(a.devaddr))
}

func sessionIDFrom(busnum, devaddr uint8) string {
	return strconv.Itoa(int(busnum)<<8 | int(devaddr))
}

func readSysfsInt(dir, attr string, base int) (int64, error) {
	raw, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return 0, err
	}

	s := strings.TrimSpace(string(raw))
	// "speed" style attributes may carry a fraction ("1.5").
	if i := strings.IndexByte(s, '.'); i >= 0 && base == 10 {
		s = s[:i]
	}

	return strconv.ParseInt(s, base, 64)
}

func readSysfsString(dir, attr string) string {
	raw, err := os.ReadFile(filepath.Join(dir, attr))
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(raw), "\n")
}

// readUsbAttributes fills the per-device attributes from deviceDir.
func readUsbAttributes(deviceDir string, attr *usbInterfaceAttr) error {
	busnum, err := readSysfsInt(deviceDir, "busnum", 10)
	if err != nil {
		return err
	}
	devnum, err := readSysfsInt(deviceDir, "devnum", 10)
	if err != nil {
		return err
	}
	attr.busnum = uint8(busnum)
	attr.devaddr = uint8(devnum)

	if attr.vendor == 0 {
		vid, err := readSysfsInt(deviceDir, "idVendor", 16)
		if err != nil {
			return err
		}
		attr.vendor = uint16(vid)
	}
	if attr.product == 0 {
		pid, err := readSysfsInt(deviceDir, "idProduct", 16)
		if err != nil {
			return err
		}
		attr.product = uint16(pid)
	}

	attr.serial = readSysfsString(deviceDir, "serial")
	attr.productDesc = readSysfsString(deviceDir, "product")

	// "1-9.1" becomes the hub id "USB1-9-1".
	attr.identity = "USB" + strings.ReplaceAll(filepath.Base(deviceDir), ".", "-")

	return nil
}

func readInterfaceClass(interfaceDir string, attr *usbInterfaceAttr) error {
	cls, err := readSysfsInt(interfaceDir, "bInterfaceClass", 16)
	if err != nil {
		return err
	}
	sub, err := readSysfsInt(interfaceDir, "bInterfaceSubClass", 16)
	if err != nil {
		return err
	}
	proto, err := readSysfsInt(interfaceDir, "bInterfaceProtocol", 16)
	if err != nil {
		return err
	}

	attr.usbClass = uint8(cls)
	attr.usbSubClass = uint8(sub)
	attr.usbProto = uint8(proto)
	attr.hasClass = true
	return nil
}

func readInterfaceDriver(interfaceDir string) string {
	target, err := os.Readlink(filepath.Join(interfaceDir, "driver"))
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// findTTYChild looks for a tty* child of interfaceDir, the mark of a
// USB-to-serial interface.
func findTTYChild(interfaceDir string) string {
	entries, err := os.ReadDir(interfaceDir)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "tty") {
			return entry.Name()
		}
	}
	return ""
}

// interfaceNumber parses the trailing ".N" of an interface directory name
// ("1-9.1:1.0" → 0). Returns -1 when absent.
func interfaceNumber(name string) int {
	if pos := strings.LastIndexByte(name, '.'); pos >= 0 {
		if n, err := strconv.Atoi(name[pos+1:]); err == nil {
			return n
		}
	}
	return -1
}

// walkDevice reports every interface of one /sys/bus/usb/devices entry.
// Interfaces with neither a tty child nor a readable class triple are
// collected so the usbserial expectation logic can act on them.
func (s *netlinkSource) walkDevice(deviceDir string, sink Sink) {
	var attr usbInterfaceAttr
	if err := readUsbAttributes(deviceDir, &attr); err != nil {
		return
	}

	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		return
	}

	ttyFound := false
	var unknownIfs []int

	for _, entry := range entries {
		if !strings.ContainsRune(entry.Name(), ':') {
			continue
		}

		interfaceDir := filepath.Join(deviceDir, entry.Name())
		ifAttr := attr
		ifAttr.ifnum = interfaceNumber(entry.Name())
		ifAttr.driver = readInterfaceDriver(interfaceDir)

		if tty := findTTYChild(interfaceDir); tty != "" {
			ifAttr.tty = tty
			s.emitAttr(&ifAttr, sink)
			ttyFound = true
			continue
		}

		if err := readInterfaceClass(interfaceDir, &ifAttr); err == nil {
			s.emitAttr(&ifAttr, sink)
			continue
		}

		if ifAttr.ifnum >= 0 {
			unknownIfs = append(unknownIfs, ifAttr.ifnum)
		}
	}

	if !ttyFound && len(unknownIfs) > 0 && s.settings.isUsbSerialDevice(attr.vendor, attr.product) {
		// No tty surfaced: expect one within a second; if none appears the
		// usbserial driver is rebound.
		s.expectTTY(attr.vendor, attr.product, "", time.Second)
	}
}

// enumerateSysfs walks all currently-present devices.
func (s *netlinkSource) enumerateSysfs(sink Sink) error {
	entries, err := os.ReadDir(sysfsDevicePath)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if len(name) == 0 || name[0] < '0' || name[0] > '9' || strings.ContainsRune(name, ':') {
			continue
		}
		s.walkDevice(filepath.Join(sysfsDevicePath, name), sink)
	}

	return nil
}

// emitAttr shapes sysfs attributes into a DeviceInterface and reports it.
func (s *netlinkSource) emitAttr(attr *usbInterfaceAttr, sink Sink) {
	if attr.tty != "" && !s.settings.isUsbSerialDevice(attr.vendor, attr.product) {
		// A plain USB-serial adapter is not a composite device.
		return
	}

	dev := DeviceInterface{
		Hub:    attr.identity,
		Vid:    attr.vendor,
		Pid:    attr.product,
		Serial: attr.serial,
		Driver: attr.driver,
		UsbIf:  attr.ifnum,
	}

	friendlyID := attr.identity

	if attr.tty != "" {
		friendlyID = attr.tty
		dev.Devpath = "/dev/" + attr.tty
		dev.Description = attr.tty
		dev.Type = TypeUsb | TypeSerial
	} else {
		dev.Type = TypeUsb
		dev.Description = "USB - " + attr.identity
		dev.UsbClass = attr.usbClass
		dev.UsbSubClass = attr.usbSubClass
		dev.UsbProto = attr.usbProto
		dev.HasUsbClass = attr.hasClass
	}

	if attr.productDesc != "" {
		dev.Description = attr.productDesc + " (" + friendlyID + ")"
	}

	sink(attr.sessionID(), dev)
}
