package devwatch

import (
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/blacktop/adbwatch/pkg/adb"
)

const (
	// adbPollPeriod paces the reconciliation worker.
	adbPollPeriod = 3 * time.Second

	// correlateRetryMax bounds how many rounds a USB-ADB arrival waits
	// for the server to report a matching serial.
	correlateRetryMax = 60

	correlateRetryDelay = 100 * time.Millisecond

	qualcommVid = 0x05C6
	qdlPid      = 0x9008
)

var remoteSerialRe = regexp.MustCompile(`^(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}):(\d{1,5})$`)

func parseRemoteSerial(serial string) (ip string, port uint16, ok bool) {
	m := remoteSerialRe.FindStringSubmatch(serial)
	if m == nil {
		return "", 0, false
	}
	p, err := strconv.ParseUint(m[2], 10, 16)
	if err != nil {
		return "", 0, false
	}
	return m[1], uint16(p), true
}

// trigger carries a pending USB-ADB record and its retry counter through
// the reconciliation worker.
type trigger struct {
	node  DeviceInterface
	round int
}

type serialIdentity struct {
	serial   string
	identity string
}

// engine is the reconciliation core: it owns the cache of live
// interfaces, attributes ADB serials to them, and serializes emissions.
type engine struct {
	settings WatchSettings

	// listDevices polls the ADB server; injectable for tests.
	listDevices func() ([]adb.DeviceInfo, error)

	callback func(DeviceInterface)

	mu         sync.Mutex
	cached     map[string]DeviceInterface
	adbSerials []serialIdentity
	waiters    []*waiter

	// emitMu serializes emissions so consumers never see two records for
	// one identity interleave.
	emitMu sync.Mutex

	worker     *Worker[trigger]
	workerDead atomic.Bool
}

func newEngine(settings WatchSettings, callback func(DeviceInterface)) *engine {
	e := &engine{
		settings: settings,
		callback: callback,
		cached:   make(map[string]DeviceInterface),
		worker:   NewWorker[trigger](),
	}
	e.listDevices = func() ([]adb.DeviceInfo, error) {
		return adb.NewClient(settings.Transport).ListDevices(true, "")
	}
	return e
}

func (e *engine) adbEnabled() bool { return !e.settings.DisableADB }

// startWorker launches the periodic ADB reconciliation task.
func (e *engine) startWorker() {
	e.worker.SetConsumeAll(true)
	e.worker.StartPeriodic(adbPollPeriod, e.reconcile)
}

func (e *engine) stopWorker() {
	e.worker.Stop()
}

// onInterfaceEnumerated is the arrival path for records produced by the
// OS notification source.
func (e *engine) onInterfaceEnumerated(interfaceID string, dev DeviceInterface) {
	// Vendor-specific interfaces carry the protocol in the sub/proto pair.
	if dev.UsbClass == 0xff {
		switch {
		case dev.UsbSubClass == 0x42 && dev.UsbProto == 0x01:
			dev.Type |= TypeAdb
		case dev.UsbSubClass == 0x42 && dev.UsbProto == 0x03:
			dev.Type |= TypeFastboot
		case dev.UsbSubClass == 0x50 && dev.UsbProto == 0x01:
			dev.Type |= TypeHDC
		}
	}

	if dev.Vid == qualcommVid && dev.Pid == qdlPid {
		dev.Type |= TypeQDL
	}

	dev.Identity = Identity(interfaceID)
	e.arrive(dev)
}

// arrive filters, caches and either emits dev or parks it on the ADB
// worker for correlation.
func (e *engine) arrive(dev DeviceInterface) {
	if !e.settings.match(&dev) {
		return
	}

	e.mu.Lock()
	e.cached[dev.Identity] = dev
	e.mu.Unlock()

	if dev.Type.Has(UsbConnectedAdb) && e.adbEnabled() {
		e.worker.Push(trigger{node: dev})
		return
	}

	e.emit(dev)
}

// onInterfaceOff is the departure path for OS-reported removals.
func (e *engine) onInterfaceOff(interfaceID string) {
	e.offByIdentity(Identity(interfaceID))
}

func (e *engine) offByIdentity(identity string) {
	e.mu.Lock()
	dev, ok := e.cached[identity]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(e.cached, identity)
	e.mu.Unlock()

	dev.Off = true

	if dev.Type.Has(UsbConnectedAdb) && e.adbEnabled() {
		e.worker.Push(trigger{node: dev})
		// Never merged: the matching ADB-side arrival is still pending,
		// so there is nothing the consumer ever saw to retire.
		if dev.Model == "" && dev.Device == "" {
			return
		}
	}

	e.emit(dev)
}

// reconcile is one wake of the periodic ADB worker.
func (e *engine) reconcile(req *trigger) {
	if e.workerDead.Load() {
		return
	}

	if req != nil && req.node.Off {
		e.removeSerialByIdentity(req.node.Identity)
		req = nil
	}

	devs, err := e.listDevices()
	if err != nil {
		log.WithError(err).Warn("device poll failed, stopping reconciler")
		e.workerDead.Store(true)
		e.worker.requestStop()
		return
	}

	e.sweepRemoved(devs)

	newly := e.sweepAdded(devs, req)

	if len(newly) > 0 && req != nil {
		sort.Slice(newly, func(i, j int) bool {
			return newly[i].TransportID < newly[j].TransportID
		})
		cand := newly[0]

		req.node.Serial = cand.Serial
		req.node.Product = cand.Product
		req.node.Model = cand.Model
		req.node.Device = cand.Device

		e.mu.Lock()
		e.adbSerials = append(e.adbSerials, serialIdentity{serial: cand.Serial, identity: req.node.Identity})
		e.cached[req.node.Identity] = req.node
		e.mu.Unlock()

		e.emit(req.node)
		req = nil
	}

	if req != nil && req.round < correlateRetryMax {
		req.round++
		identity := req.node.Identity
		if e.worker.PushConditional(*req, func(t *trigger) bool {
			return t.node.Identity == identity
		}) {
			time.Sleep(correlateRetryDelay)
		}
	}
	// At the cap the trigger is dropped: the record stays cached but the
	// consumer receives no USB-connected-ADB emission for it.
}

func (e *engine) removeSerialByIdentity(identity string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.adbSerials[:0]
	for _, si := range e.adbSerials {
		if si.identity != identity {
			kept = append(kept, si)
		}
	}
	e.adbSerials = kept
}

// sweepRemoved retires tracked serials the server no longer reports.
// Remote endpoints get a departure; USB-bound ones are handled by the OS
// removal path.
func (e *engine) sweepRemoved(devs []adb.DeviceInfo) {
	present := make(map[string]bool, len(devs))
	for _, d := range devs {
		present[d.Serial] = true
	}

	e.mu.Lock()
	var gone []serialIdentity
	kept := e.adbSerials[:0]
	for _, si := range e.adbSerials {
		if present[si.serial] {
			kept = append(kept, si)
		} else {
			gone = append(gone, si)
		}
	}
	e.adbSerials = kept
	e.mu.Unlock()

	for _, si := range gone {
		if _, _, ok := parseRemoteSerial(si.serial); ok {
			e.offByIdentity(si.identity)
		}
	}
}

// sweepAdded handles serials the server reports but we have not yet
// attributed. Remote serials become records of their own; USB-bound ones
// are collected as correlation candidates for the in-flight trigger.
func (e *engine) sweepAdded(devs []adb.DeviceInfo, req *trigger) []adb.DeviceInfo {
	e.mu.Lock()
	tracked := make(map[string]bool, len(e.adbSerials))
	for _, si := range e.adbSerials {
		tracked[si.serial] = true
	}
	e.mu.Unlock()

	var newly []adb.DeviceInfo

	for _, dev := range devs {
		if tracked[dev.Serial] {
			continue
		}

		if ip, port, ok := parseRemoteSerial(dev.Serial); ok {
			remote := DeviceInterface{
				Identity: Identity(dev.Serial),
				Serial:   dev.Serial,
				IP:       ip,
				Port:     port,
				Product:  dev.Product,
				Model:    dev.Model,
				Device:   dev.Device,
				Type:     RemoteAdb,
			}

			e.mu.Lock()
			e.adbSerials = append(e.adbSerials, serialIdentity{serial: dev.Serial, identity: remote.Identity})
			e.mu.Unlock()

			e.arrive(remote)
			continue
		}

		if req == nil {
			continue
		}

		switch {
		case req.node.Serial == "":
			newly = append(newly, dev)
		case req.node.Serial == dev.Serial:
			// An exact serial match wins the transport-id sort outright.
			dev.TransportID = -1
			newly = append(newly, dev)
		}
	}

	return newly
}

// emit delivers one record: waiters first (under the state mutex), then
// the user callback outside it. emitMu keeps emissions whole per record.
func (e *engine) emit(dev DeviceInterface) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	kept := e.waiters[:0]
	var fired []*waiter
	for _, w := range e.waiters {
		if matchTarget(&w.target, &dev) {
			fired = append(fired, w)
		} else {
			kept = append(kept, w)
		}
	}
	e.waiters = kept
	cb := e.callback
	e.mu.Unlock()

	for _, w := range fired {
		w.result = dev
		close(w.ch)
	}

	if cb != nil {
		cb(dev)
	}
}

// getAll snapshots cached records, optionally filtered by a target
// predicate record.
func (e *engine) getAll(target *DeviceInterface) []DeviceInterface {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]DeviceInterface, 0, len(e.cached))
	for _, dev := range e.cached {
		if target == nil || matchTarget(target, &dev) {
			out = append(out, dev)
		}
	}
	return out
}
