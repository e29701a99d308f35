// Package adb implements a client for the ADB server's smart-socket
// protocol: host services, the shell v1/v2 sub-protocol and the binary
// file-sync sub-protocol.
package adb

import (
	"fmt"
	"strings"
)

const (
	DefaultHost = "localhost"
	DefaultPort = 5037

	// MaxPayload is the largest service string the server accepts.
	MaxPayload = 1024 * 1024
)

// TransportKind selects a class of device transport.
type TransportKind int

const (
	TransportAny TransportKind = iota
	TransportUsb
	TransportLocal
)

// TransportOption selects the ADB server endpoint and one device behind it.
// The zero value means localhost:5037, any transport, auto-launch allowed.
// Target precedence is TransportID > Serial > Kind.
type TransportOption struct {
	Host   string
	Port   int
	Serial string

	// TransportID pins a specific transport. Zero means unset.
	TransportID int64

	Kind TransportKind

	// NoLaunch disables spawning the ADB server on connect failure.
	NoLaunch bool
}

func (o TransportOption) endpointHost() string {
	if o.Host == "" {
		return DefaultHost
	}
	return o.Host
}

func (o TransportOption) endpointPort() int {
	if o.Port == 0 {
		return DefaultPort
	}
	return o.Port
}

// DeviceInfo is one line of `host:devices-l`.
type DeviceInfo struct {
	Serial      string
	State       string
	Product     string
	Model       string
	Device      string
	TransportID int64
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%-22s %s product:%s model:%s device:%s transport_id:%d",
		d.Serial, d.State, d.Product, d.Model, d.Device, d.TransportID)
}

// FeatureSet holds the capability strings advertised by the daemon.
type FeatureSet map[string]struct{}

const (
	FeatureShellV2       = "shell_v2"
	FeatureStatV2        = "stat_v2"
	FeatureLsV2          = "ls_v2"
	FeatureFixedPushMkdir = "fixed_push_mkdir"
	FeatureRemountShell  = "remount_shell"
)

func (f FeatureSet) Has(name string) bool {
	_, ok := f[name]
	return ok
}

func parseFeatures(s string) FeatureSet {
	set := make(FeatureSet)
	for _, tok := range strings.Split(s, ",") {
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}
