package license

// AdmitDevice enforces the capacity-bounded, append-only device set.
// If deviceID is already bound the call is an idempotent success and
// the set is returned unchanged. Otherwise the device is appended when
// capacity remains; the bound set never shrinks here (only the
// administrative reset clears it). The second return value signals
// that the caller must persist the mutated record.
func AdmitDevice(devices []string, maxDevices int, deviceID string) ([]string, bool, error) {
	if contains(devices, deviceID) {
		return devices, false, nil
	}
	max := NormalizeMaxDevices(maxDevices)
	if max != Unlimited && len(devices) >= max {
		return devices, false, ErrDeviceLimitReached
	}
	return append(devices, deviceID), true, nil
}
