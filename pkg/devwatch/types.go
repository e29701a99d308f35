// Package devwatch watches attached device interfaces: it merges OS
// device notifications with ADB server polling into one filtered,
// identity-stable stream of interface records.
package devwatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blacktop/adbwatch/pkg/adb"
)

// DeviceType is a bitmask classifying one interface record.
type DeviceType uint32

const (
	TypeUsb DeviceType = 1 << iota
	TypeNet
	TypeSerial
	TypeAdb
	TypeFastboot
	TypeHDC
	TypeDiag
	TypeQDL
)

const (
	// UsbConnectedAdb marks an ADB endpoint attached over USB.
	UsbConnectedAdb = TypeUsb | TypeAdb
	// RemoteAdb marks an ADB endpoint reached over TCP.
	RemoteAdb = TypeNet | TypeAdb
)

var typeNames = []struct {
	bit  DeviceType
	name string
}{
	{TypeUsb, "usb"},
	{TypeNet, "net"},
	{TypeSerial, "serial"},
	{TypeAdb, "adb"},
	{TypeFastboot, "fastboot"},
	{TypeHDC, "hdc"},
	{TypeDiag, "diag"},
	{TypeQDL, "qdl"},
}

// Has reports whether every bit of mask is set.
func (t DeviceType) Has(mask DeviceType) bool { return t&mask == mask }

func (t DeviceType) String() string {
	var sb strings.Builder
	for _, tn := range typeNames {
		if t&tn.bit != 0 {
			if sb.Len() > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(tn.name)
		}
	}
	return sb.String()
}

// ParseDeviceType parses a comma-joined token list ("usb,adb"). Unknown
// tokens are ignored.
func ParseDeviceType(s string) DeviceType {
	var t DeviceType
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		for _, tn := range typeNames {
			if tok == tn.name {
				t |= tn.bit
			}
		}
	}
	return t
}

// DeviceInterface is one merged interface record, the unit of the watch
// stream. An Off record announces departure.
type DeviceInterface struct {
	Identity string

	Devpath      string
	Hub          string
	Serial       string
	Manufacturer string
	Product      string
	Model        string
	Device       string
	Driver       string
	IP           string
	Port         uint16
	Vid          uint16
	Pid          uint16
	Description  string

	UsbClass    uint8
	UsbSubClass uint8
	UsbProto    uint8
	// UsbIf is the composite interface number; negative when the record
	// is not a composite interface.
	UsbIf int
	// HasUsbClass marks the class triple as populated by the source.
	HasUsbClass bool

	Type DeviceType
	Off  bool
}

// MarshalJSON emits the CLI wire form: empty strings and zero numerics
// are omitted, type is a lowercase token list, and the USB class triple
// appears only when the source populated it.
func (d DeviceInterface) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	field := func(key string, value any) {
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%q:", key)
		v, _ := json.Marshal(value)
		buf.Write(v)
	}
	str := func(key, value string) {
		if value != "" {
			field(key, value)
		}
	}

	field("id", d.Identity)
	if d.Off {
		field("off", true)
	}
	str("devpath", d.Devpath)
	str("hub", d.Hub)
	str("serial", d.Serial)
	str("manufacturer", d.Manufacturer)
	str("product", d.Product)
	str("model", d.Model)
	str("device", d.Device)
	str("driver", d.Driver)
	str("ip", d.IP)
	if d.Port != 0 {
		field("port", d.Port)
	}
	if d.Vid != 0 {
		field("vid", d.Vid)
	}
	if d.Pid != 0 {
		field("pid", d.Pid)
	}
	field("type", d.Type.String())
	str("description", d.Description)
	if d.HasUsbClass {
		field("usbClass", d.UsbClass)
		field("usbSubClass", d.UsbSubClass)
		field("usbProto", d.UsbProto)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// VidPid names one vendor/product pair; a zero Pid matches any product.
type VidPid struct {
	Vid uint16
	Pid uint16
}

func (v VidPid) matches(vid, pid uint16) bool {
	return v.Vid == vid && (v.Pid == pid || v.Pid == 0)
}

// WatchSettings configures the reconciliation engine and its sources.
type WatchSettings struct {
	// DisableADB turns off the ADB client; USB interfaces are then
	// reported without server-side correlation.
	DisableADB bool

	// TypeFilters passes a record when any entry is a subset of the
	// record's type mask. Empty passes everything.
	TypeFilters []DeviceType

	IncludeVids []uint16
	ExcludeVids []uint16
	IncludePids []uint16
	ExcludePids []uint16

	// Drivers is an allow-list compared by string equality.
	Drivers []string

	// UsbSerialVidPids lists devices to auto-bind to the generic
	// usbserial driver on the kernel-event platform. Requires root.
	UsbSerialVidPids []VidPid

	// Transport selects the ADB server the reconciler polls.
	Transport adb.TransportOption
}

func (s *WatchSettings) isUsbSerialDevice(vid, pid uint16) bool {
	for _, vp := range s.UsbSerialVidPids {
		if vp.matches(vid, pid) {
			return true
		}
	}
	return false
}

// match applies the type/vid/pid/driver filter chain.
func (s *WatchSettings) match(dev *DeviceInterface) bool {
	if len(s.TypeFilters) > 0 {
		ok := false
		for _, f := range s.TypeFilters {
			if dev.Type.Has(f) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	if len(s.ExcludeVids) > 0 && dev.Vid != 0 && containsU16(s.ExcludeVids, dev.Vid) {
		return false
	}
	if len(s.IncludeVids) > 0 && (dev.Vid == 0 || !containsU16(s.IncludeVids, dev.Vid)) {
		return false
	}

	if len(s.ExcludePids) > 0 && dev.Pid != 0 && containsU16(s.ExcludePids, dev.Pid) {
		return false
	}
	if len(s.IncludePids) > 0 && (dev.Pid == 0 || !containsU16(s.IncludePids, dev.Pid)) {
		return false
	}

	if len(s.Drivers) > 0 {
		ok := false
		for _, d := range s.Drivers {
			if d == dev.Driver {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	return true
}

func containsU16(list []uint16, v uint16) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
