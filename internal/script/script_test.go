package script

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPositional(t *testing.T) {
	got := Expand("rmmod {0} && modprobe {0} vendor={1} product={2}",
		[]string{"usbserial", "0x2341", "0x0043"}, nil)

	assert.Equal(t, []string{
		"rmmod", "usbserial", "&&",
		"modprobe", "usbserial", "vendor=0x2341", "product=0x0043",
	}, got)
}

func TestExpandSteppingPlaceholder(t *testing.T) {
	got := Expand("cp {} {}", []string{"src", "dst"}, nil)
	assert.Equal(t, []string{"cp", "src", "dst"}, got)
}

func TestExpandKeywords(t *testing.T) {
	got := Expand("flash --port {port} --mode {fast?turbo:slow}",
		nil, map[string]string{"port": "ttyUSB0", "fast": "true"})
	assert.Equal(t, []string{"flash", "--port", "ttyUSB0", "--mode", "turbo"}, got)

	got = Expand("flash --mode {fast?turbo:slow}",
		nil, map[string]string{"fast": "0"})
	assert.Equal(t, []string{"flash", "--mode", "slow"}, got)
}

func TestExpandArg0(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	got := Expand("{arg0} --child", nil, nil)
	require.Len(t, got, 2)
	assert.Equal(t, self, got[0])
}

func TestExpandQuoting(t *testing.T) {
	got := Expand(`say "hello there" "it {0}"`, []string{"works"}, nil)
	assert.Equal(t, []string{"say", "hello there", "it works"}, got)
}

func TestExpandUnknownPlaceholderKept(t *testing.T) {
	got := Expand("echo {5}", []string{"only"}, nil)
	assert.Equal(t, []string{"echo", "{5}"}, got)
}

func TestSplitCommands(t *testing.T) {
	cmds := splitCommands([]string{"rmmod", "usbserial", "&&", "modprobe", "usbserial"})
	require.Len(t, cmds, 2)
	assert.Equal(t, []string{"rmmod", "usbserial"}, cmds[0])
	assert.Equal(t, []string{"modprobe", "usbserial"}, cmds[1])
}

func TestRunOutput(t *testing.T) {
	out, err := RunOutput("echo {0}", []string{"round-trip ok"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "round-trip ok\n", out)
}

func TestRunNoOutputFailure(t *testing.T) {
	err := RunNoOutput("definitely-not-a-real-binary-xyz", nil, nil)
	assert.Error(t, err)
}
