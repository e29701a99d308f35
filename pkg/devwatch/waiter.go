package devwatch

import "time"

// waiter is one registered predicate wait.
type waiter struct {
	target DeviceInterface
	result DeviceInterface
	ch     chan struct{}
}

// NewTarget returns a predicate record whose fields all mean "don't
// care". Set a field to constrain the match.
func NewTarget() DeviceInterface {
	return DeviceInterface{UsbIf: -1}
}

// matchTarget applies the predicate rules: empty strings, zero numerics
// and a negative UsbIf in the target match anything; the target type mask
// must be a subset of the candidate's; a non-empty Identity matches any
// of the candidate's identity-like keys.
func matchTarget(t, c *DeviceInterface) bool {
	if t.Off != c.Off {
		return false
	}
	if t.Type != 0 && !c.Type.Has(t.Type) {
		return false
	}

	strFields := [][2]string{
		{t.Devpath, c.Devpath},
		{t.Hub, c.Hub},
		{t.Serial, c.Serial},
		{t.Manufacturer, c.Manufacturer},
		{t.Product, c.Product},
		{t.Model, c.Model},
		{t.Device, c.Device},
		{t.Driver, c.Driver},
		{t.IP, c.IP},
		{t.Description, c.Description},
	}
	for _, f := range strFields {
		if f[0] != "" && f[0] != f[1] {
			return false
		}
	}

	if t.Port != 0 && t.Port != c.Port {
		return false
	}
	if t.Vid != 0 && t.Vid != c.Vid {
		return false
	}
	if t.Pid != 0 && t.Pid != c.Pid {
		return false
	}
	if t.UsbClass != 0 && t.UsbClass != c.UsbClass {
		return false
	}
	if t.UsbSubClass != 0 && t.UsbSubClass != c.UsbSubClass {
		return false
	}
	if t.UsbProto != 0 && t.UsbProto != c.UsbProto {
		return false
	}

	if t.UsbIf >= 0 && t.UsbIf != c.UsbIf {
		return false
	}

	// The identity key is deliberately polymorphic.
	if t.Identity != "" {
		switch t.Identity {
		case c.Identity, c.Devpath, c.Hub, c.Serial, c.IP, c.Driver:
		default:
			return false
		}
	}

	return true
}

// waitFor blocks until a cached or newly-emitted record matches target.
// A negative timeout waits indefinitely. The waiter is deregistered on
// timeout.
func (e *engine) waitFor(target DeviceInterface, timeout time.Duration) (DeviceInterface, bool) {
	e.mu.Lock()
	if !target.Off {
		for _, dev := range e.cached {
			if matchTarget(&target, &dev) {
				e.mu.Unlock()
				return dev, true
			}
		}
	}

	if timeout == 0 {
		e.mu.Unlock()
		return DeviceInterface{}, false
	}

	w := &waiter{target: target, ch: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	e.mu.Unlock()

	if timeout < 0 {
		<-w.ch
		return w.result, true
	}

	select {
	case <-w.ch:
		return w.result, true
	case <-time.After(timeout):
	}

	// Deregister; an emission may have raced the timeout and won.
	e.mu.Lock()
	removed := false
	kept := e.waiters[:0]
	for _, reg := range e.waiters {
		if reg == w {
			removed = true
		} else {
			kept = append(kept, reg)
		}
	}
	e.waiters = kept
	e.mu.Unlock()

	if !removed {
		<-w.ch
		return w.result, true
	}

	return DeviceInterface{}, false
}
