package license

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmitDevice(t *testing.T) {
	tests := []struct {
		name        string
		devices     []string
		maxDevices  int
		deviceID    string
		wantDevices []string
		wantChanged bool
		wantErr     error
	}{
		{
			name:        "first device binds",
			devices:     nil,
			maxDevices:  1,
			deviceID:    "DEV1",
			wantDevices: []string{"DEV1"},
			wantChanged: true,
		},
		{
			name:        "known device reconnects without mutation",
			devices:     []string{"DEV1"},
			maxDevices:  1,
			deviceID:    "DEV1",
			wantDevices: []string{"DEV1"},
			wantChanged: false,
		},
		{
			name:       "capacity reached rejects new device",
			devices:    []string{"DEV1"},
			maxDevices: 1,
			deviceID:   "DEV2",
			wantErr:    ErrDeviceLimitReached,
		},
		{
			name:        "unlimited via -1 sentinel",
			devices:     []string{"A", "B", "C"},
			maxDevices:  -1,
			deviceID:    "D",
			wantDevices: []string{"A", "B", "C", "D"},
			wantChanged: true,
		},
		{
			name:        "unlimited via 9999 sentinel",
			devices:     []string{"A"},
			maxDevices:  9999,
			deviceID:    "B",
			wantDevices: []string{"A", "B"},
			wantChanged: true,
		},
		{
			name:        "room below cap",
			devices:     []string{"A"},
			maxDevices:  3,
			deviceID:    "B",
			wantDevices: []string{"A", "B"},
			wantChanged: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed, err := AdmitDevice(tt.devices, tt.maxDevices, tt.deviceID)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)
			assert.Equal(t, tt.wantDevices, got)
		})
	}
}

// Binding is monotonic: no sequence of admissions can exceed the cap,
// and repeats never grow the set.
func TestAdmitDeviceMonotonic(t *testing.T) {
	devices := []string{}
	const max = 3

	serials := []string{"D1", "D2", "D1", "D3", "D2", "D4", "D5", "D3"}
	for _, s := range serials {
		next, _, err := AdmitDevice(devices, max, s)
		if err != nil {
			assert.True(t, errors.Is(err, ErrDeviceLimitReached))
			continue
		}
		devices = next
		assert.LessOrEqual(t, len(devices), max)
	}
	assert.Equal(t, []string{"D1", "D2", "D3"}, devices)
}
