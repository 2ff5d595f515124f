package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"keypanel/internal/infrastructure"
	"keypanel/internal/license"
	"keypanel/internal/store"
)

// ErrNotAuthorized is returned when the acting principal lacks the
// root-owner scope an operation requires.
var ErrNotAuthorized = errors.New("not authorized")

// MembershipStatus is a principal's admission state as seen by the
// control surface.
type MembershipStatus int

const (
	// MembershipUnknown means no access key names the principal.
	MembershipUnknown MembershipStatus = iota
	// MembershipAdmitted means an active, non-expired access key
	// names the principal (root owners are always admitted).
	MembershipAdmitted
	// MembershipBlocked means the principal is named only by blocked
	// or expired access keys.
	MembershipBlocked
)

// String implements fmt.Stringer for response payloads.
func (m MembershipStatus) String() string {
	switch m {
	case MembershipAdmitted:
		return "admitted"
	case MembershipBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// keyGenAttempts caps duplicate retries during random key generation.
// Collisions over a 36^12 space are effectively impossible; the bound
// exists so a broken store cannot loop forever.
const keyGenAttempts = 5

// AdminService implements the administrative operations of the panel.
// License-key operations are scoped to the acting principal's own
// collection; access-key and principal operations require root-owner
// scope.
type AdminService struct {
	store      *store.Store
	cascade    *CascadeController
	rootOwners map[string]struct{}
	now        func() time.Time
	logger     *slog.Logger
	metrics    *infrastructure.PanelMetrics
}

// NewAdminService creates the admin service.
func NewAdminService(st *store.Store, cascade *CascadeController, rootOwners []string, logger *slog.Logger, metrics *infrastructure.PanelMetrics) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	roots := make(map[string]struct{}, len(rootOwners))
	for _, id := range rootOwners {
		roots[id] = struct{}{}
	}
	return &AdminService{
		store:      st,
		cascade:    cascade,
		rootOwners: roots,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "admin")),
		metrics:    metrics,
	}
}

// IsRoot reports whether the principal holds root-owner scope.
func (s *AdminService) IsRoot(id string) bool {
	_, ok := s.rootOwners[id]
	return ok
}

func (s *AdminService) requireRoot(actor string) error {
	if !s.IsRoot(actor) {
		return ErrNotAuthorized
	}
	return nil
}

// GenerateLicenseKey issues a random license key for the acting
// principal from the fixed option sets.
func (s *AdminService) GenerateLicenseKey(ctx context.Context, actor string, devices int, duration string) (string, *license.LicenseKeyRecord, error) {
	if !optionInts(license.LicenseDeviceOptions, devices) {
		return "", nil, fmt.Errorf("unsupported device option %d", devices)
	}
	if !optionStrings(license.LicenseDurationOptions, duration) {
		return "", nil, fmt.Errorf("unsupported duration option %q", duration)
	}
	d, err := license.ParseDurationOption(duration)
	if err != nil {
		return "", nil, err
	}

	key, err := s.freshLicenseKey(actor)
	if err != nil {
		return "", nil, err
	}
	rec := &license.LicenseKeyRecord{
		Devices:    []string{},
		MaxDevices: license.NormalizeMaxDevices(devices),
		Expiry:     license.IssueExpiry(s.now(), d),
	}
	if err := s.store.PutLicenseKey(actor, key, rec); err != nil {
		return "", nil, err
	}
	s.recordIssued(ctx, "license")
	s.logger.InfoContext(ctx, "license key issued",
		slog.String("owner", actor),
		slog.String("key", key),
		slog.Int("max_devices", rec.MaxDevices),
		slog.String("expiry", rec.Expiry),
	)
	return key, rec.Clone(), nil
}

// CustomLicenseKey issues a license key from the operator-supplied
// spec line "<KEY> [<N>d|<N>h] [<N>v]".
func (s *AdminService) CustomLicenseKey(ctx context.Context, actor, specText string) (string, *license.LicenseKeyRecord, error) {
	spec, err := license.ParseCustomKeySpec(specText)
	if err != nil {
		return "", nil, err
	}
	if _, ok := s.store.GetLicenseKey(actor, spec.Key); ok {
		return "", nil, license.ErrDuplicateKey
	}
	rec := &license.LicenseKeyRecord{
		Devices:    []string{},
		MaxDevices: license.NormalizeMaxDevices(spec.Devices),
		Expiry:     license.IssueExpiry(s.now(), spec.Duration),
	}
	if err := s.store.PutLicenseKey(actor, spec.Key, rec); err != nil {
		return "", nil, err
	}
	s.recordIssued(ctx, "license")
	s.logger.InfoContext(ctx, "custom license key issued",
		slog.String("owner", actor),
		slog.String("key", spec.Key),
	)
	return spec.Key, rec.Clone(), nil
}

// ListLicenseKeys returns the actor's whole license-key collection.
func (s *AdminService) ListLicenseKeys(ctx context.Context, actor string) map[string]*license.LicenseKeyRecord {
	return s.store.LicenseKeysByOwner(actor)
}

// GetLicenseKey returns one license key owned by the actor.
func (s *AdminService) GetLicenseKey(ctx context.Context, actor, key string) (*license.LicenseKeyRecord, error) {
	rec, ok := s.store.GetLicenseKey(actor, key)
	if !ok {
		return nil, license.ErrNotFound
	}
	return rec, nil
}

// ToggleLicenseKeyBlock flips the blocked flag on the actor's key and
// returns the new state.
func (s *AdminService) ToggleLicenseKeyBlock(ctx context.Context, actor, key string) (bool, error) {
	var blocked bool
	err := s.store.UpdateLicenseKey(actor, key, func(rec *license.LicenseKeyRecord) (bool, error) {
		rec.Blocked = !rec.Blocked
		blocked = rec.Blocked
		return true, nil
	})
	if err != nil {
		return false, err
	}
	s.logger.InfoContext(ctx, "license key block toggled",
		slog.String("owner", actor),
		slog.String("key", key),
		slog.Bool("blocked", blocked),
	)
	return blocked, nil
}

// ExtendLicenseKey adds days to the key's expiry, preserving its
// encoding, and returns the new stamp.
func (s *AdminService) ExtendLicenseKey(ctx context.Context, actor, key string, days int) (string, error) {
	if days <= 0 {
		return "", fmt.Errorf("days must be positive")
	}
	var expiry string
	err := s.store.UpdateLicenseKey(actor, key, func(rec *license.LicenseKeyRecord) (bool, error) {
		next, err := license.ExtendExpiry(rec.Expiry, days, s.now())
		if err != nil {
			return false, err
		}
		rec.Expiry = next
		expiry = next
		return true, nil
	})
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "license key extended",
		slog.String("owner", actor),
		slog.String("key", key),
		slog.Int("days", days),
		slog.String("expiry", expiry),
	)
	return expiry, nil
}

// ResetLicenseKeyDevices clears the key's device set to empty. This is
// the only operation that shrinks a device set.
func (s *AdminService) ResetLicenseKeyDevices(ctx context.Context, actor, key string) error {
	err := s.store.UpdateLicenseKey(actor, key, func(rec *license.LicenseKeyRecord) (bool, error) {
		if len(rec.Devices) == 0 {
			return false, nil
		}
		rec.Devices = []string{}
		return true, nil
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license key devices reset",
		slog.String("owner", actor),
		slog.String("key", key),
	)
	return nil
}

// DeleteLicenseKey removes one license key owned by the actor.
func (s *AdminService) DeleteLicenseKey(ctx context.Context, actor, key string) error {
	if err := s.store.DeleteLicenseKey(actor, key); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "license key deleted",
		slog.String("owner", actor),
		slog.String("key", key),
	)
	return nil
}

// GenerateAccessKey issues a random access key owned by the acting
// principal. Root-owner scope.
func (s *AdminService) GenerateAccessKey(ctx context.Context, actor string, devices int, duration string) (string, *license.AccessKeyRecord, error) {
	if err := s.requireRoot(actor); err != nil {
		return "", nil, err
	}
	if !optionInts(license.AccessDeviceOptions, devices) {
		return "", nil, fmt.Errorf("unsupported device option %d", devices)
	}
	if !optionStrings(license.AccessDurationOptions, duration) {
		return "", nil, fmt.Errorf("unsupported duration option %q", duration)
	}
	d, err := license.ParseDurationOption(duration)
	if err != nil {
		return "", nil, err
	}

	key, err := s.freshAccessKey()
	if err != nil {
		return "", nil, err
	}
	rec := &license.AccessKeyRecord{
		Devices:    []string{},
		MaxDevices: license.NormalizeMaxDevices(devices),
		Expiry:     license.IssueAccessExpiry(s.now(), d),
		Owner:      actor,
	}
	if err := s.store.PutAccessKey(key, rec); err != nil {
		return "", nil, err
	}
	s.recordIssued(ctx, "access")
	s.logger.InfoContext(ctx, "access key issued",
		slog.String("owner", actor),
		slog.String("key", key),
		slog.Int("max_devices", rec.MaxDevices),
		slog.String("expiry", rec.Expiry),
	)
	return key, rec.Clone(), nil
}

// CustomAccessKey issues an access key from the custom spec line.
// Root-owner scope.
func (s *AdminService) CustomAccessKey(ctx context.Context, actor, specText string) (string, *license.AccessKeyRecord, error) {
	if err := s.requireRoot(actor); err != nil {
		return "", nil, err
	}
	spec, err := license.ParseCustomKeySpec(specText)
	if err != nil {
		return "", nil, err
	}
	if s.store.AccessKeyExists(spec.Key) {
		return "", nil, license.ErrDuplicateKey
	}
	rec := &license.AccessKeyRecord{
		Devices:    []string{},
		MaxDevices: license.NormalizeMaxDevices(spec.Devices),
		Expiry:     license.IssueAccessExpiry(s.now(), spec.Duration),
		Owner:      actor,
	}
	if err := s.store.PutAccessKey(spec.Key, rec); err != nil {
		return "", nil, err
	}
	s.recordIssued(ctx, "access")
	s.logger.InfoContext(ctx, "custom access key issued",
		slog.String("owner", actor),
		slog.String("key", spec.Key),
	)
	return spec.Key, rec.Clone(), nil
}

// ListAccessKeys returns both partitions. Root-owner scope.
func (s *AdminService) ListAccessKeys(ctx context.Context, actor string) (active, blocked map[string]*license.AccessKeyRecord, err error) {
	if err := s.requireRoot(actor); err != nil {
		return nil, nil, err
	}
	return s.store.AccessKeys(store.PartitionActive), s.store.AccessKeys(store.PartitionBlocked), nil
}

// GetAccessKey returns one access key and its partition. Root-owner
// scope.
func (s *AdminService) GetAccessKey(ctx context.Context, actor, key string) (*license.AccessKeyRecord, store.Partition, error) {
	if err := s.requireRoot(actor); err != nil {
		return nil, store.PartitionActive, err
	}
	rec, p, ok := s.store.GetAccessKey(key)
	if !ok {
		return nil, store.PartitionActive, license.ErrNotFound
	}
	return rec, p, nil
}

// ToggleAccessKeyBlock blocks or unblocks the key's owner depending on
// the key's current partition. Blocking cascades over every access key
// of that owner, so the toggle is an owner-level switch addressed by
// one of their keys. Root-owner scope. Returns the new blocked state.
func (s *AdminService) ToggleAccessKeyBlock(ctx context.Context, actor, key string) (bool, error) {
	if err := s.requireRoot(actor); err != nil {
		return false, err
	}
	rec, p, ok := s.store.GetAccessKey(key)
	if !ok {
		return false, license.ErrNotFound
	}
	if p == store.PartitionActive {
		if _, err := s.cascade.BlockPrincipal(ctx, rec.Owner); err != nil {
			return false, err
		}
		return true, nil
	}
	if _, err := s.cascade.UnblockPrincipal(ctx, rec.Owner); err != nil {
		return false, err
	}
	return false, nil
}

// DeleteAccessKey removes the key and cascades: the owner's whole
// license-key collection goes with it, and when the owner holds no
// active access key afterwards they are unblocked as cleanup.
// Root-owner scope.
func (s *AdminService) DeleteAccessKey(ctx context.Context, actor, key string) error {
	if err := s.requireRoot(actor); err != nil {
		return err
	}
	rec, _, err := s.store.DeleteAccessKey(key)
	if err != nil {
		return err
	}
	nLicense, err := s.store.DeleteLicenseKeysByOwner(rec.Owner)
	if err != nil {
		return err
	}
	if len(s.store.AccessKeysByOwner(rec.Owner, store.PartitionActive)) == 0 {
		if _, err := s.cascade.UnblockPrincipal(ctx, rec.Owner); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "access key deleted",
		slog.String("key", key),
		slog.String("owner", rec.Owner),
		slog.Int("license_keys_removed", nLicense),
	)
	return nil
}

// RedeemAccessKey appends the acting principal to the key's device
// set, subject to the same block, expiry and capacity checks the
// connect path applies. Redeeming a key twice is acknowledged, not an
// error.
func (s *AdminService) RedeemAccessKey(ctx context.Context, actor, key string) (*license.AccessKeyRecord, error) {
	rec, p, ok := s.store.GetAccessKey(key)
	if !ok {
		return nil, license.ErrNotFound
	}
	if p == store.PartitionBlocked || rec.Blocked {
		return nil, license.ErrKeyBlocked
	}
	status, err := license.EvaluateExpiry(rec.Expiry, s.now())
	if err != nil {
		return nil, err
	}
	if status == license.ExpiryExpired {
		return nil, license.ErrKeyExpired
	}

	var out *license.AccessKeyRecord
	err = s.store.UpdateAccessKey(key, func(rec *license.AccessKeyRecord) (bool, error) {
		devices, added, err := license.AdmitDevice(rec.Devices, rec.MaxDevices, actor)
		if err != nil {
			return false, err
		}
		if added {
			rec.Devices = devices
		}
		out = rec.Clone()
		return added, nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.KeysRedeemed.Add(ctx, 1)
	}
	s.logger.InfoContext(ctx, "access key redeemed",
		slog.String("key", key),
		slog.String("principal", actor),
	)
	return out, nil
}

// Membership reports the principal's admission state. Root owners are
// always admitted.
func (s *AdminService) Membership(ctx context.Context, id string) MembershipStatus {
	if s.IsRoot(id) {
		return MembershipAdmitted
	}

	named := false
	for _, rec := range s.store.AccessKeys(store.PartitionActive) {
		if !rec.HasPrincipal(id) {
			continue
		}
		if rec.Blocked {
			named = true
			continue
		}
		status, err := license.EvaluateExpiry(rec.Expiry, s.now())
		if err != nil || status == license.ExpiryExpired {
			named = true
			continue
		}
		return MembershipAdmitted
	}
	for _, rec := range s.store.AccessKeys(store.PartitionBlocked) {
		if rec.HasPrincipal(id) {
			named = true
			break
		}
	}
	if named {
		return MembershipBlocked
	}
	return MembershipUnknown
}

// BlockPrincipal cascades a block over the principal's access keys.
// Root-owner scope.
func (s *AdminService) BlockPrincipal(ctx context.Context, actor, id string) (int, error) {
	if err := s.requireRoot(actor); err != nil {
		return 0, err
	}
	return s.cascade.BlockPrincipal(ctx, id)
}

// UnblockPrincipal reverses a block. Root-owner scope.
func (s *AdminService) UnblockPrincipal(ctx context.Context, actor, id string) (int, error) {
	if err := s.requireRoot(actor); err != nil {
		return 0, err
	}
	return s.cascade.UnblockPrincipal(ctx, id)
}

// DeletePrincipal removes every credential the principal owns.
// Root-owner scope.
func (s *AdminService) DeletePrincipal(ctx context.Context, actor, id string) (int, int, error) {
	if err := s.requireRoot(actor); err != nil {
		return 0, 0, err
	}
	return s.cascade.DeletePrincipal(ctx, id)
}

func (s *AdminService) freshLicenseKey(owner string) (string, error) {
	for i := 0; i < keyGenAttempts; i++ {
		key, err := license.GenerateKey()
		if err != nil {
			return "", err
		}
		if _, ok := s.store.GetLicenseKey(owner, key); !ok {
			return key, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique license key")
}

func (s *AdminService) freshAccessKey() (string, error) {
	for i := 0; i < keyGenAttempts; i++ {
		key, err := license.GenerateKey()
		if err != nil {
			return "", err
		}
		if !s.store.AccessKeyExists(key) {
			return key, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique access key")
}

func (s *AdminService) recordIssued(ctx context.Context, kind string) {
	if s.metrics == nil {
		return
	}
	s.metrics.KeysIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func optionInts(opts []int, v int) bool {
	for _, o := range opts {
		if o == v {
			return true
		}
	}
	return false
}

func optionStrings(opts []string, v string) bool {
	for _, o := range opts {
		if o == v {
			return true
		}
	}
	return false
}
