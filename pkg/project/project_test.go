package project

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/librescoot/groundcontrol/pkg/wire"
)

func buildManifest(t *testing.T, name string, devices []Device) []byte {
	t.Helper()
	buf := make([]byte, 1024)
	w := wire.NewWriter(buf)
	require.True(t, w.WriteBytes([]byte(manifestMagic)))
	require.True(t, w.WriteString(name))
	require.True(t, w.WriteVarUint(uint64(len(devices))))
	for _, d := range devices {
		require.True(t, w.WriteString(d.Name))
		require.True(t, w.WriteString(d.Version))
	}
	return w.Bytes()
}

func TestDecodeFromMemoryRoundTrip(t *testing.T) {
	data := buildManifest(t, "scooter", []Device{
		{Name: "mdb", Version: "1.2.3"},
		{Name: "dashboard", Version: "4.5.6"},
	})

	p, err := DecodeFromMemory(data)
	require.NoError(t, err)
	require.Equal(t, "scooter", p.Name)
	require.Len(t, p.Devices, 2)

	dev, ok := p.DeviceWithName("dashboard")
	require.True(t, ok)
	require.Equal(t, "4.5.6", dev.Version)

	_, ok = p.DeviceWithName("missing")
	require.False(t, ok)
}

func TestDecodeFromMemoryRejectsMissingMagic(t *testing.T) {
	_, err := DecodeFromMemory([]byte{0, 0, 0, 0, 1, 2, 3})
	require.Error(t, err)
}

func TestDecodeFromMemoryRejectsTruncatedInput(t *testing.T) {
	data := buildManifest(t, "scooter", []Device{{Name: "mdb", Version: "1.0"}})
	_, err := DecodeFromMemory(data[:len(manifestMagic)+2])
	require.Error(t, err)
}
