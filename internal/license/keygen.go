package license

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// KeyLength is the length of generated key strings.
	KeyLength = 12
)

// Fixed option sets offered by the control surface. -1 renders as
// unlimited and normalizes to Unlimited on issuance.
var (
	LicenseDeviceOptions   = []int{1, 2, 3, 5, 10, -1}
	LicenseDurationOptions = []string{"1h", "6h", "1d", "3d", "7d", "15d", "30d"}
	AccessDeviceOptions    = []int{1, 2, 3, 5, -1}
	AccessDurationOptions  = []string{"1d", "3d", "7d", "15d", "30d"}
)

// GenerateKey returns a random key string over the A-Z0-9 alphabet.
func GenerateKey() (string, error) {
	buf := make([]byte, KeyLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	for i, b := range buf {
		buf[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(buf), nil
}

// ParseDurationOption parses a duration option such as "7d" or "6h".
func ParseDurationOption(opt string) (time.Duration, error) {
	if len(opt) < 2 {
		return 0, fmt.Errorf("invalid duration option %q", opt)
	}
	n, err := strconv.Atoi(opt[:len(opt)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration option %q", opt)
	}
	switch opt[len(opt)-1] {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid duration option %q", opt)
	}
}

// CustomKeySpec is the parsed form of the custom-key grammar
// "<KEY> [<N>d|<N>h] [<N>v]". Omitted fields default to 7 days and
// one device.
type CustomKeySpec struct {
	Key      string
	Duration time.Duration
	Devices  int
}

// ParseCustomKeySpec parses the operator-supplied custom key line.
func ParseCustomKeySpec(text string) (*CustomKeySpec, error) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty key spec")
	}
	spec := &CustomKeySpec{
		Key:      parts[0],
		Duration: 7 * 24 * time.Hour,
		Devices:  1,
	}
	for _, part := range parts[1:] {
		if len(part) < 2 {
			return nil, fmt.Errorf("invalid key spec token %q", part)
		}
		n, err := strconv.Atoi(part[:len(part)-1])
		if err != nil {
			return nil, fmt.Errorf("invalid key spec token %q", part)
		}
		switch part[len(part)-1] {
		case 'd':
			spec.Duration = time.Duration(n) * 24 * time.Hour
		case 'h':
			spec.Duration = time.Duration(n) * time.Hour
		case 'v':
			spec.Devices = n
		default:
			return nil, fmt.Errorf("invalid key spec token %q", part)
		}
	}
	if spec.Duration <= 0 || spec.Devices == 0 || spec.Devices < -1 {
		return nil, fmt.Errorf("invalid key spec %q", text)
	}
	return spec, nil
}
