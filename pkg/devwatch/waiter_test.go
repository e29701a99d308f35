package devwatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedEngine(t *testing.T, devs ...DeviceInterface) *engine {
	t.Helper()
	e := newEngine(WatchSettings{DisableADB: true}, nil)
	for i, dev := range devs {
		if dev.Identity == "" {
			dev.Identity = Identity(string(rune('a' + i)))
		}
		e.mu.Lock()
		e.cached[dev.Identity] = dev
		e.mu.Unlock()
	}
	return e
}

func TestWaitForImmediateMatch(t *testing.T) {
	e := cachedEngine(t, DeviceInterface{Serial: "A", Vid: 0x1234, UsbIf: -1, Type: TypeUsb})

	target := NewTarget()
	target.Vid = 0x1234

	dev, ok := e.waitFor(target, -1)
	require.True(t, ok)
	assert.Equal(t, "A", dev.Serial)
}

func TestWaitForTimeout(t *testing.T) {
	e := cachedEngine(t, DeviceInterface{Serial: "A", Vid: 0x1234, UsbIf: -1, Type: TypeUsb})

	target := NewTarget()
	target.Serial = "B"

	start := time.Now()
	_, ok := e.waitFor(target, 50*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// the waiter deregistered itself
	e.mu.Lock()
	assert.Empty(t, e.waiters)
	e.mu.Unlock()
}

func TestWaitForPolymorphicIdentity(t *testing.T) {
	e := cachedEngine(t, DeviceInterface{Serial: "A", UsbIf: -1, Type: TypeUsb})

	// identity target "A" matches via the candidate's serial
	target := NewTarget()
	target.Identity = "A"

	dev, ok := e.waitFor(target, 0)
	require.True(t, ok)
	assert.Equal(t, "A", dev.Serial)
}

func TestWaitForWokenByEmission(t *testing.T) {
	e := newEngine(WatchSettings{DisableADB: true}, nil)

	target := NewTarget()
	target.Serial = "LATER"

	result := make(chan DeviceInterface, 1)
	go func() {
		dev, ok := e.waitFor(target, 5*time.Second)
		if ok {
			result <- dev
		}
	}()

	// Give the waiter a moment to register, then emit a matching record.
	time.Sleep(20 * time.Millisecond)
	e.onInterfaceEnumerated("900", DeviceInterface{Serial: "LATER", UsbIf: -1, Type: TypeUsb})

	select {
	case dev := <-result:
		assert.Equal(t, "LATER", dev.Serial)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestWaitForOffRecords(t *testing.T) {
	e := newEngine(WatchSettings{DisableADB: true}, nil)
	e.onInterfaceEnumerated("901", DeviceInterface{Serial: "GONE", UsbIf: -1, Type: TypeUsb})

	target := NewTarget()
	target.Serial = "GONE"
	target.Off = true

	result := make(chan bool, 1)
	go func() {
		_, ok := e.waitFor(target, 5*time.Second)
		result <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	e.onInterfaceOff("901")

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("departure never delivered")
	}
}

func TestMatchTargetRules(t *testing.T) {
	cand := DeviceInterface{
		Identity: "id1",
		Hub:      "USB1-2",
		Serial:   "S",
		Vid:      0x1111,
		Pid:      0x2222,
		UsbIf:    3,
		Type:     TypeUsb | TypeAdb,
	}

	match := func(mutate func(*DeviceInterface)) bool {
		target := NewTarget()
		mutate(&target)
		return matchTarget(&target, &cand)
	}

	// zero/empty target fields match anything
	assert.True(t, match(func(*DeviceInterface) {}))

	// type is subset-match
	assert.True(t, match(func(d *DeviceInterface) { d.Type = TypeAdb }))
	assert.True(t, match(func(d *DeviceInterface) { d.Type = UsbConnectedAdb }))
	assert.False(t, match(func(d *DeviceInterface) { d.Type = TypeNet }))

	// strings are exact
	assert.True(t, match(func(d *DeviceInterface) { d.Serial = "S" }))
	assert.False(t, match(func(d *DeviceInterface) { d.Serial = "X" }))

	// numerics: zero means any, non-zero must equal
	assert.True(t, match(func(d *DeviceInterface) { d.Vid = 0x1111 }))
	assert.False(t, match(func(d *DeviceInterface) { d.Vid = 0x9999 }))

	// usb_if: negative means any
	assert.True(t, match(func(d *DeviceInterface) { d.UsbIf = 3 }))
	assert.False(t, match(func(d *DeviceInterface) { d.UsbIf = 4 }))

	// off must equal
	assert.False(t, match(func(d *DeviceInterface) { d.Off = true }))

	// polymorphic identity key
	assert.True(t, match(func(d *DeviceInterface) { d.Identity = "id1" }))
	assert.True(t, match(func(d *DeviceInterface) { d.Identity = "USB1-2" }))
	assert.True(t, match(func(d *DeviceInterface) { d.Identity = "S" }))
	assert.False(t, match(func(d *DeviceInterface) { d.Identity = "nope" }))
}

func TestGetAllFiltered(t *testing.T) {
	e := cachedEngine(t,
		DeviceInterface{Identity: "one", Serial: "A", UsbIf: -1, Type: TypeUsb | TypeAdb},
		DeviceInterface{Identity: "two", Serial: "B", UsbIf: -1, Type: TypeUsb | TypeSerial},
	)

	all := e.getAll(nil)
	assert.Len(t, all, 2)

	target := NewTarget()
	target.Type = TypeAdb
	adbOnly := e.getAll(&target)
	require.Len(t, adbOnly, 1)
	assert.Equal(t, "A", adbOnly[0].Serial)
}
