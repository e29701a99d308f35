//go:build !linux

package devwatch

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/gousb"
)

const gousbPollPeriod = time.Second

// gousbSource is the portable notification source: it polls the libusb
// device list once a second and diffs the snapshots into arrival and
// removal events.
type gousbSource struct {
	settings *WatchSettings
	ctx      *gousb.Context

	stopOnce sync.Once
	stop     chan struct{}

	known map[string]DeviceInterface
}

func newPlatformSource(settings *WatchSettings) (NotificationSource, error) {
	return &gousbSource{
		settings: settings,
		ctx:      gousb.NewContext(),
		stop:     make(chan struct{}),
		known:    make(map[string]DeviceInterface),
	}, nil
}

func hubID(desc *gousb.DeviceDesc) string {
	parts := make([]string, 0, len(desc.Path)+1)
	parts = append(parts, strconv.Itoa(desc.Bus))
	for _, p := range desc.Path {
		parts = append(parts, strconv.Itoa(p))
	}
	return "USB" + strings.Join(parts, "-")
}

// snapshot enumerates all present interfaces keyed by a bus/address/ifnum
// id that is stable for the lifetime of the attachment.
func (s *gousbSource) snapshot() map[string]DeviceInterface {
	out := make(map[string]DeviceInterface)

	devs, err := s.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool { return true })
	if err != nil {
		log.WithError(err).Debug("usb enumeration")
	}

	for _, dev := range devs {
		desc := dev.Desc

		serial, _ := dev.SerialNumber()
		product, _ := dev.Product()
		manufacturer, _ := dev.Manufacturer()

		for _, cfg := range desc.Configs {
			for _, intf := range cfg.Interfaces {
				if len(intf.AltSettings) == 0 {
					continue
				}
				alt := intf.AltSettings[0]

				rec := DeviceInterface{
					Hub:          hubID(desc),
					Vid:          uint16(desc.Vendor),
					Pid:          uint16(desc.Product),
					Serial:       serial,
					Product:      product,
					Manufacturer: manufacturer,
					Description:  fmt.Sprintf("USB - %s", hubID(desc)),
					UsbClass:     uint8(alt.Class),
					UsbSubClass:  uint8(alt.SubClass),
					UsbProto:     uint8(alt.Protocol),
					UsbIf:        intf.Number,
					HasUsbClass:  true,
					Type:         TypeUsb,
				}
				if product != "" {
					rec.Description = fmt.Sprintf("%s (%s)", product, hubID(desc))
				}

				id := fmt.Sprintf("%d:%d:%d", desc.Bus, desc.Address, intf.Number)
				out[id] = rec
			}
		}

		dev.Close()
	}

	return out
}

func (s *gousbSource) EnumerateInitial(sink Sink) error {
	s.known = s.snapshot()
	for id, rec := range s.known {
		sink(id, rec)
	}
	return nil
}

func (s *gousbSource) Run(sink Sink, tearDown func(string)) error {
	ticker := time.NewTicker(gousbPollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return nil
		case <-ticker.C:
		}

		current := s.snapshot()

		for id := range s.known {
			if _, ok := current[id]; !ok {
				tearDown(id)
			}
		}
		for id, rec := range current {
			if _, ok := s.known[id]; !ok {
				sink(id, rec)
			}
		}

		s.known = current
	}
}

func (s *gousbSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *gousbSource) Close() error {
	return s.ctx.Close()
}

var _ NotificationSource = (*gousbSource)(nil)
