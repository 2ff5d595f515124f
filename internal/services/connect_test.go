package services

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keypanel/internal/license"
	"keypanel/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)

func newTestEnv(t *testing.T) (*store.Store, *ConnectService, *AdminService) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(t.TempDir(), logger)
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	cascade := NewCascadeController(st, logger, nil)
	connect := NewConnectService(st, []string{"root1"}, "secret", logger, nil)
	connect.now = clock
	admin := NewAdminService(st, cascade, []string{"root1"}, logger, nil)
	admin.now = clock
	return st, connect, admin
}

func putLicenseKey(t *testing.T, st *store.Store, owner, key string, rec *license.LicenseKeyRecord) {
	t.Helper()
	require.NoError(t, st.PutLicenseKey(owner, key, rec))
}

func putAccessKey(t *testing.T, st *store.Store, key string, rec *license.AccessKeyRecord) {
	t.Helper()
	require.NoError(t, st.PutAccessKey(key, rec))
}

func TestConnectMissingParameters(t *testing.T) {
	_, connect, _ := newTestEnv(t)

	for _, args := range [][3]string{
		{"", "KEY", "DEV"},
		{"pubg", "", "DEV"},
		{"pubg", "KEY", ""},
	} {
		_, err := connect.Connect(context.Background(), args[0], args[1], args[2])
		assert.ErrorIs(t, err, license.ErrMissingParameters)
	}
}

func TestConnectUnknownKey(t *testing.T) {
	_, connect, _ := newTestEnv(t)

	_, err := connect.Connect(context.Background(), "pubg", "NOSUCHKEY", "DEV1")
	assert.ErrorIs(t, err, license.ErrInvalidKey)
}

func TestConnectRootOwnerBypass(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "root1", "ROOTKEY", &license.LicenseKeyRecord{
		MaxDevices: 1,
	})

	grant, err := connect.Connect(context.Background(), "pubg", "ROOTKEY", "DEV1")
	require.NoError(t, err)

	assert.Equal(t, license.Token("ROOTKEY", "DEV1", "secret"), grant.Token)
	assert.GreaterOrEqual(t, grant.Nonce, int64(1_000_000_000))
	assert.LessOrEqual(t, grant.Nonce, int64(1_999_999_999))
	assert.Equal(t, "2026-03-13 23:59:59", grant.Expiry)

	rec, ok := st.GetLicenseKey("root1", "ROOTKEY")
	require.True(t, ok)
	assert.Equal(t, []string{"DEV1"}, rec.Devices)
	assert.Equal(t, grant.Expiry, rec.Expiry)
}

func TestConnectRequiresAccessKey(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "U1", "MYKEY", &license.LicenseKeyRecord{MaxDevices: 1})

	_, err := connect.Connect(context.Background(), "pubg", "MYKEY", "DEV1")
	assert.ErrorIs(t, err, license.ErrAccessDenied)
}

func TestConnectExpiredAccessKey(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "U1", "MYKEY", &license.LicenseKeyRecord{MaxDevices: 1})
	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		Devices:    []string{"U1"},
		MaxDevices: 2,
		Expiry:     "2026-02-01",
		Owner:      "A1",
	})

	_, err := connect.Connect(context.Background(), "pubg", "MYKEY", "DEV1")
	assert.ErrorIs(t, err, license.ErrAccessExpired)
}

func TestConnectOwnerBlocked(t *testing.T) {
	st, connect, admin := newTestEnv(t)
	putLicenseKey(t, st, "U1", "MYKEY", &license.LicenseKeyRecord{MaxDevices: 1})
	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		Devices:    []string{"U1"},
		MaxDevices: 2,
		Expiry:     "2026-04-01",
		Owner:      "A1",
	})

	_, err := admin.BlockPrincipal(context.Background(), "root1", "A1")
	require.NoError(t, err)

	_, err = connect.Connect(context.Background(), "pubg", "MYKEY", "DEV1")
	assert.ErrorIs(t, err, license.ErrOwnerBlocked)
}

func TestConnectBlockedFlagEquivalentToPartition(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "U1", "MYKEY", &license.LicenseKeyRecord{MaxDevices: 1})
	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		Devices:    []string{"U1"},
		MaxDevices: 2,
		Expiry:     "2026-04-01",
		Blocked:    true,
		Owner:      "A1",
	})

	_, err := connect.Connect(context.Background(), "pubg", "MYKEY", "DEV1")
	assert.ErrorIs(t, err, license.ErrOwnerBlocked)
}

func TestConnectBlockedKey(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "root1", "KEY1", &license.LicenseKeyRecord{
		MaxDevices: 1,
		Blocked:    true,
	})

	_, err := connect.Connect(context.Background(), "pubg", "KEY1", "DEV1")
	assert.ErrorIs(t, err, license.ErrKeyBlocked)
}

func TestConnectExpiredKey(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "root1", "KEY1", &license.LicenseKeyRecord{
		MaxDevices: 1,
		Expiry:     "2026-02-01 10:00:00",
	})

	_, err := connect.Connect(context.Background(), "pubg", "KEY1", "DEV1")
	assert.ErrorIs(t, err, license.ErrKeyExpired)
}

func TestConnectMalformedExpiry(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "root1", "KEY1", &license.LicenseKeyRecord{
		MaxDevices: 1,
		Expiry:     "next tuesday",
	})

	_, err := connect.Connect(context.Background(), "pubg", "KEY1", "DEV1")
	assert.ErrorIs(t, err, license.ErrMalformedExpiry)

	// The corrupt stamp stays untouched for the operator to inspect.
	rec, ok := st.GetLicenseKey("root1", "KEY1")
	require.True(t, ok)
	assert.Equal(t, "next tuesday", rec.Expiry)
	assert.Empty(t, rec.Devices)
}

func TestConnectDeviceLifecycle(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "U1", "MYKEY", &license.LicenseKeyRecord{MaxDevices: 1})
	putAccessKey(t, st, "ABCXYZ", &license.AccessKeyRecord{
		Devices:    []string{"U1"},
		MaxDevices: 2,
		Expiry:     "2026-04-01",
		Owner:      "A1",
	})

	ctx := context.Background()

	grant, err := connect.Connect(ctx, "pubg", "MYKEY", "DEV1")
	require.NoError(t, err)
	assert.NotEmpty(t, grant.Token)

	_, err = connect.Connect(ctx, "pubg", "MYKEY", "DEV2")
	assert.ErrorIs(t, err, license.ErrDeviceLimitReached)

	again, err := connect.Connect(ctx, "pubg", "MYKEY", "DEV1")
	require.NoError(t, err)
	assert.Equal(t, grant.Token, again.Token)

	rec, ok := st.GetLicenseKey("U1", "MYKEY")
	require.True(t, ok)
	assert.Equal(t, []string{"DEV1"}, rec.Devices)
}

func TestConnectDefaultExpiryStable(t *testing.T) {
	st, connect, _ := newTestEnv(t)
	putLicenseKey(t, st, "root1", "KEY1", &license.LicenseKeyRecord{MaxDevices: license.Unlimited})

	ctx := context.Background()
	first, err := connect.Connect(ctx, "pubg", "KEY1", "DEV1")
	require.NoError(t, err)
	second, err := connect.Connect(ctx, "pubg", "KEY1", "DEV2")
	require.NoError(t, err)

	assert.Equal(t, "2026-03-13 23:59:59", first.Expiry)
	assert.Equal(t, first.Expiry, second.Expiry)

	rec, ok := st.GetLicenseKey("root1", "KEY1")
	require.True(t, ok)
	assert.Equal(t, first.Expiry, rec.Expiry)
}

func TestBlockUnblockRestoresAccess(t *testing.T) {
	st, connect, admin := newTestEnv(t)
	ctx := context.Background()

	putLicenseKey(t, st, "U1", "MYKEY", &license.LicenseKeyRecord{MaxDevices: 2})
	putAccessKey(t, st, "ABCXYZ", &license.AccessKeyRecord{
		Devices:    []string{"U1"},
		MaxDevices: 2,
		Expiry:     "2026-04-01",
		Owner:      "A1",
	})

	_, err := connect.Connect(ctx, "pubg", "MYKEY", "DEV1")
	require.NoError(t, err)

	moved, err := admin.BlockPrincipal(ctx, "root1", "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	_, err = connect.Connect(ctx, "pubg", "MYKEY", "DEV1")
	assert.ErrorIs(t, err, license.ErrOwnerBlocked)

	moved, err = admin.UnblockPrincipal(ctx, "root1", "A1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	// The same key works again without any reissue.
	_, err = connect.Connect(ctx, "pubg", "MYKEY", "DEV1")
	require.NoError(t, err)

	rec, p, ok := st.GetAccessKey("ABCXYZ")
	require.True(t, ok)
	assert.Equal(t, store.PartitionActive, p)
	assert.Equal(t, []string{"U1"}, rec.Devices)
	assert.Equal(t, "2026-04-01", rec.Expiry)
}
