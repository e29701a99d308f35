package adb

import "time"

// Package-level one-shot helpers. Each drives a fresh client for a single
// operation; the zero TransportOption targets localhost:5037 with
// auto-launch enabled.

func Query(service string, opt TransportOption) (string, error) {
	return NewClient(opt).Query(service)
}

func Command(cmd string, opt TransportOption, timeout time.Duration) error {
	return NewClient(opt).Command(cmd, timeout)
}

func CommandQuery(cmd string, opt TransportOption) (string, error) {
	return NewClient(opt).CommandQuery(cmd)
}

func CommandConnect(cmd string, opt TransportOption) ([]byte, error) {
	return NewClient(opt).CommandConnect(cmd)
}

// Kill stops the server. It never fails.
func Kill(opt TransportOption) {
	NewClient(opt).Kill()
}

func ListDevices(opt TransportOption) ([]DeviceInfo, error) {
	return NewClient(opt).ListDevices(true, "")
}

func GetFeatures(opt TransportOption) (FeatureSet, error) {
	return NewClient(opt).GetFeatures()
}

func WaitDevice(state string, opt TransportOption, timeout time.Duration) error {
	return NewClient(opt).WaitDevice(state, timeout)
}

func ExecuteShell(command string, opt TransportOption) (*ShellOutput, error) {
	return NewClient(opt).ExecuteShell(command)
}

func Root(enable bool, opt TransportOption) error {
	return NewClient(opt).Root(enable)
}

func Remount(args string, opt TransportOption) error {
	return NewClient(opt).Remount(args)
}

func Connect(hostport string, opt TransportOption) (string, error) {
	return NewClient(opt).Connect(hostport)
}

func SyncStat(path string, opt TransportOption) (Stat, error) {
	s, err := NewClient(opt).Sync()
	if err != nil {
		return Stat{}, err
	}
	defer s.Close()

	return s.Stat(path)
}

func SyncList(path string, opt TransportOption) ([]ListItem, error) {
	s, err := NewClient(opt).Sync()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return s.List(path)
}

func Pull(srcs []string, dst string, opt TransportOption) error {
	s, err := NewClient(opt).Sync()
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Pull(srcs, dst)
}

func PullBuffer(src string, opt TransportOption) ([]byte, error) {
	s, err := NewClient(opt).Sync()
	if err != nil {
		return nil, err
	}
	defer s.Close()

	return s.PullBuffer(src)
}

func Push(srcs []string, dst string, opt TransportOption) error {
	s, err := NewClient(opt).Sync()
	if err != nil {
		return err
	}
	defer s.Close()

	return s.Push(srcs, dst)
}

func PushBuffer(data []byte, dst string, opt TransportOption) error {
	s, err := NewClient(opt).Sync()
	if err != nil {
		return err
	}
	defer s.Close()

	return s.PushBuffer(data, dst)
}
