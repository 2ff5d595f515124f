package license

// Unlimited is the normalized sentinel for "no device cap". The legacy
// panel wrote both -1 and 9999 into max_devices; 9999 is canonical.
const Unlimited = 9999

// LicenseKeyRecord is the end-user credential presented to the connect
// endpoint. Its identity is (owner principal, key string); the JSON
// layout matches the entries of data/keys.json.
type LicenseKeyRecord struct {
	Devices    []string `json:"devices"`
	MaxDevices int      `json:"max_devices"`
	Expiry     string   `json:"expiry,omitempty"`
	Blocked    bool     `json:"blocked"`
}

// AccessKeyRecord is a reseller-issued credential. Devices holds the
// principal ids that redeemed the key, not hardware serials. The JSON
// layout matches the entries of data/access.json and
// data/blocked_users.json.
type AccessKeyRecord struct {
	Devices    []string `json:"devices"`
	MaxDevices int      `json:"max_devices"`
	Expiry     string   `json:"expiry,omitempty"`
	Blocked    bool     `json:"blocked"`
	Owner      string   `json:"owner"`
}

// NormalizeMaxDevices maps both legacy unlimited sentinels to Unlimited
// and leaves bounded capacities untouched.
func NormalizeMaxDevices(n int) int {
	if n == -1 || n == Unlimited {
		return Unlimited
	}
	return n
}

// HasDevice reports whether serial is already bound to the record.
func (r *LicenseKeyRecord) HasDevice(serial string) bool {
	return contains(r.Devices, serial)
}

// HasPrincipal reports whether the principal has redeemed this key.
func (r *AccessKeyRecord) HasPrincipal(id string) bool {
	return contains(r.Devices, id)
}

// Clone returns a deep copy so callers can mutate freely before a
// whole-record save.
func (r *LicenseKeyRecord) Clone() *LicenseKeyRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Devices = append([]string(nil), r.Devices...)
	return &cp
}

// Clone returns a deep copy of the access-key record.
func (r *AccessKeyRecord) Clone() *AccessKeyRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Devices = append([]string(nil), r.Devices...)
	return &cp
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
