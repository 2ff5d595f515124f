package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keypanel/internal/license"
	"keypanel/internal/store"
)

func TestAccessKeyRedemptionCapacity(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	key, rec, err := admin.CustomAccessKey(ctx, "root1", "ABCXYZ 7d 2v")
	require.NoError(t, err)
	assert.Equal(t, "ABCXYZ", key)
	assert.Equal(t, 2, rec.MaxDevices)
	assert.Equal(t, "2026-03-08", rec.Expiry)

	rec, err = admin.RedeemAccessKey(ctx, "U1", "ABCXYZ")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1"}, rec.Devices)

	rec, err = admin.RedeemAccessKey(ctx, "U2", "ABCXYZ")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, rec.Devices)

	_, err = admin.RedeemAccessKey(ctx, "U3", "ABCXYZ")
	assert.ErrorIs(t, err, license.ErrDeviceLimitReached)

	// Redeeming twice is acknowledged, not an error.
	rec, err = admin.RedeemAccessKey(ctx, "U1", "ABCXYZ")
	require.NoError(t, err)
	assert.Equal(t, []string{"U1", "U2"}, rec.Devices)

	stored, p, ok := st.GetAccessKey("ABCXYZ")
	require.True(t, ok)
	assert.Equal(t, store.PartitionActive, p)
	assert.Equal(t, []string{"U1", "U2"}, stored.Devices)
}

func TestRedeemRejections(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	_, err := admin.RedeemAccessKey(ctx, "U1", "NOPE")
	assert.ErrorIs(t, err, license.ErrNotFound)

	putAccessKey(t, st, "FLAGGED", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-04-01", Blocked: true, Owner: "A1",
	})
	_, err = admin.RedeemAccessKey(ctx, "U1", "FLAGGED")
	assert.ErrorIs(t, err, license.ErrKeyBlocked)

	putAccessKey(t, st, "OLD", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-01-01", Owner: "A1",
	})
	_, err = admin.RedeemAccessKey(ctx, "U1", "OLD")
	assert.ErrorIs(t, err, license.ErrKeyExpired)
}

func TestGenerateLicenseKey(t *testing.T) {
	_, _, admin := newTestEnv(t)
	ctx := context.Background()

	key, rec, err := admin.GenerateLicenseKey(ctx, "U1", 2, "7d")
	require.NoError(t, err)
	assert.Len(t, key, license.KeyLength)
	assert.Equal(t, 2, rec.MaxDevices)
	assert.Equal(t, "2026-03-08 23:59:59", rec.Expiry)
	assert.Empty(t, rec.Devices)

	// Unlimited sentinel normalizes on issuance.
	_, rec, err = admin.GenerateLicenseKey(ctx, "U1", -1, "1h")
	require.NoError(t, err)
	assert.Equal(t, license.Unlimited, rec.MaxDevices)
	assert.Equal(t, "2026-03-01 13:00:00", rec.Expiry)

	_, _, err = admin.GenerateLicenseKey(ctx, "U1", 4, "7d")
	assert.Error(t, err)
	_, _, err = admin.GenerateLicenseKey(ctx, "U1", 2, "2d")
	assert.Error(t, err)
}

func TestCustomLicenseKeyDuplicate(t *testing.T) {
	_, _, admin := newTestEnv(t)
	ctx := context.Background()

	_, _, err := admin.CustomLicenseKey(ctx, "U1", "MYKEY 3d 2v")
	require.NoError(t, err)

	_, _, err = admin.CustomLicenseKey(ctx, "U1", "MYKEY 7d")
	assert.ErrorIs(t, err, license.ErrDuplicateKey)

	// Same string under a different owner is a distinct identity.
	_, _, err = admin.CustomLicenseKey(ctx, "U2", "MYKEY 7d")
	require.NoError(t, err)
}

func TestAccessKeyOperationsRequireRoot(t *testing.T) {
	_, _, admin := newTestEnv(t)
	ctx := context.Background()

	_, _, err := admin.GenerateAccessKey(ctx, "U1", 2, "7d")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, _, err = admin.CustomAccessKey(ctx, "U1", "ACC 7d")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, _, err = admin.ListAccessKeys(ctx, "U1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = admin.ToggleAccessKeyBlock(ctx, "U1", "ACC")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	err = admin.DeleteAccessKey(ctx, "U1", "ACC")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = admin.BlockPrincipal(ctx, "U1", "A1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, err = admin.UnblockPrincipal(ctx, "U1", "A1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
	_, _, err = admin.DeletePrincipal(ctx, "U1", "A1")
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestToggleLicenseKeyBlock(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()
	putLicenseKey(t, st, "U1", "KEY1", &license.LicenseKeyRecord{MaxDevices: 1})

	blocked, err := admin.ToggleLicenseKeyBlock(ctx, "U1", "KEY1")
	require.NoError(t, err)
	assert.True(t, blocked)

	blocked, err = admin.ToggleLicenseKeyBlock(ctx, "U1", "KEY1")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = admin.ToggleLicenseKeyBlock(ctx, "U1", "NOPE")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestExtendLicenseKey(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	putLicenseKey(t, st, "U1", "DT", &license.LicenseKeyRecord{
		MaxDevices: 1, Expiry: "2026-03-05 10:00:00",
	})
	putLicenseKey(t, st, "U1", "D", &license.LicenseKeyRecord{
		MaxDevices: 1, Expiry: "2026-03-05",
	})
	putLicenseKey(t, st, "U1", "UNSET", &license.LicenseKeyRecord{MaxDevices: 1})

	exp, err := admin.ExtendLicenseKey(ctx, "U1", "DT", 7)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-12 10:00:00", exp)

	exp, err = admin.ExtendLicenseKey(ctx, "U1", "D", 7)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-12", exp)

	exp, err = admin.ExtendLicenseKey(ctx, "U1", "UNSET", 3)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04 12:00:00", exp)

	_, err = admin.ExtendLicenseKey(ctx, "U1", "DT", 0)
	assert.Error(t, err)
}

func TestResetLicenseKeyDevices(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()
	putLicenseKey(t, st, "U1", "KEY1", &license.LicenseKeyRecord{
		Devices:    []string{"DEV1", "DEV2"},
		MaxDevices: 2,
	})

	require.NoError(t, admin.ResetLicenseKeyDevices(ctx, "U1", "KEY1"))

	rec, ok := st.GetLicenseKey("U1", "KEY1")
	require.True(t, ok)
	assert.Empty(t, rec.Devices)
	assert.Equal(t, 2, rec.MaxDevices)
}

func TestToggleAccessKeyBlockCascadesOnOwner(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-04-01", Owner: "A1",
	})
	putAccessKey(t, st, "ACC2", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-04-01", Owner: "A1",
	})

	blocked, err := admin.ToggleAccessKeyBlock(ctx, "root1", "ACC1")
	require.NoError(t, err)
	assert.True(t, blocked)

	// Every key of the owner moved, not just the addressed one.
	_, p, ok := st.GetAccessKey("ACC2")
	require.True(t, ok)
	assert.Equal(t, store.PartitionBlocked, p)

	blocked, err = admin.ToggleAccessKeyBlock(ctx, "root1", "ACC1")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, p, ok = st.GetAccessKey("ACC2")
	require.True(t, ok)
	assert.Equal(t, store.PartitionActive, p)
}

func TestDeleteAccessKeyCascade(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-04-01", Owner: "A1",
	})
	putLicenseKey(t, st, "A1", "AKEY", &license.LicenseKeyRecord{MaxDevices: 1})

	// A second key of the same owner sits in the blocked partition.
	_, err := admin.BlockPrincipal(ctx, "root1", "A1")
	require.NoError(t, err)
	putAccessKey(t, st, "ACC3", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-04-01", Owner: "A1",
	})

	require.NoError(t, admin.DeleteAccessKey(ctx, "root1", "ACC3"))

	// The owner's license collection went with the key.
	_, ok := st.GetLicenseKey("A1", "AKEY")
	assert.False(t, ok)

	// No active key remained, so the owner was unblocked: the blocked
	// ACC1 returned to the active partition.
	_, p, ok := st.GetAccessKey("ACC1")
	require.True(t, ok)
	assert.Equal(t, store.PartitionActive, p)

	err = admin.DeleteAccessKey(ctx, "root1", "NOPE")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestMembership(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	assert.Equal(t, MembershipAdmitted, admin.Membership(ctx, "root1"))
	assert.Equal(t, MembershipUnknown, admin.Membership(ctx, "U1"))

	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		Devices: []string{"U1"}, MaxDevices: 2, Expiry: "2026-04-01", Owner: "A1",
	})
	assert.Equal(t, MembershipAdmitted, admin.Membership(ctx, "U1"))

	_, err := admin.BlockPrincipal(ctx, "root1", "A1")
	require.NoError(t, err)
	assert.Equal(t, MembershipBlocked, admin.Membership(ctx, "U1"))

	putAccessKey(t, st, "ACC2", &license.AccessKeyRecord{
		Devices: []string{"U2"}, MaxDevices: 2, Expiry: "2026-01-01", Owner: "A2",
	})
	assert.Equal(t, MembershipBlocked, admin.Membership(ctx, "U2"))
}

func TestDeletePrincipal(t *testing.T) {
	st, _, admin := newTestEnv(t)
	ctx := context.Background()

	putLicenseKey(t, st, "A1", "K1", &license.LicenseKeyRecord{MaxDevices: 1})
	putLicenseKey(t, st, "A1", "K2", &license.LicenseKeyRecord{MaxDevices: 1})
	putAccessKey(t, st, "ACC1", &license.AccessKeyRecord{
		MaxDevices: 2, Expiry: "2026-04-01", Owner: "A1",
	})
	_, err := admin.BlockPrincipal(ctx, "root1", "A1")
	require.NoError(t, err)

	nLicense, nAccess, err := admin.DeletePrincipal(ctx, "root1", "A1")
	require.NoError(t, err)
	assert.Equal(t, 2, nLicense)
	assert.Equal(t, 1, nAccess)

	assert.Empty(t, st.LicenseKeysByOwner("A1"))
	assert.Empty(t, st.AccessKeysByOwner("A1", store.PartitionActive))
	assert.Empty(t, st.AccessKeysByOwner("A1", store.PartitionBlocked))

	// Deleting again is a no-op, not an error.
	nLicense, nAccess, err = admin.DeletePrincipal(ctx, "root1", "A1")
	require.NoError(t, err)
	assert.Zero(t, nLicense)
	assert.Zero(t, nAccess)
}
