package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keypanel/internal/infrastructure"
	"keypanel/internal/license"
	"keypanel/internal/store"
)

// Grant is the successful verdict of the connect gate.
type Grant struct {
	Token  string
	Nonce  int64
	Expiry string
}

// ConnectService is the authorization gate behind /connect. Every
// check is a terminal rejection; the order is fixed: parameters, key
// resolution, owner admission, key block, key expiry, device binding.
type ConnectService struct {
	store      *store.Store
	rootOwners map[string]struct{}
	secret     string
	now        func() time.Time
	logger     *slog.Logger
	metrics    *infrastructure.PanelMetrics
}

// NewConnectService creates the connect gate. rootOwners come from
// configuration and bypass the access-key admission check entirely.
func NewConnectService(st *store.Store, rootOwners []string, secret string, logger *slog.Logger, metrics *infrastructure.PanelMetrics) *ConnectService {
	if logger == nil {
		logger = slog.Default()
	}
	roots := make(map[string]struct{}, len(rootOwners))
	for _, id := range rootOwners {
		roots[id] = struct{}{}
	}
	return &ConnectService{
		store:      st,
		rootOwners: roots,
		secret:     secret,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "connect")),
		metrics:    metrics,
	}
}

// isRoot reports whether the principal bypasses access-key checks.
func (s *ConnectService) isRoot(id string) bool {
	_, ok := s.rootOwners[id]
	return ok
}

// Connect runs the authorization state machine for one request. The
// game identifier is opaque and passes through unvalidated; it only
// participates in the parameter presence check. All store writes made
// on the way to an accept are durable before the grant is returned.
func (s *ConnectService) Connect(ctx context.Context, game, userKey, serial string) (*Grant, error) {
	start := s.now()
	grant, err := s.connect(ctx, game, userKey, serial)

	reason := ""
	if err != nil {
		reason = err.Error()
		infrastructure.RecordError(ctx, err)
	}
	infrastructure.RecordConnectVerdict(ctx, s.metrics, reason, s.now().Sub(start))

	if err != nil {
		s.logger.InfoContext(ctx, "connect rejected",
			slog.String("user_key", userKey),
			slog.String("serial", serial),
			slog.String("reason", reason),
		)
		return nil, err
	}
	s.logger.InfoContext(ctx, "connect accepted",
		slog.String("user_key", userKey),
		slog.String("serial", serial),
		slog.String("expiry", grant.Expiry),
	)
	return grant, nil
}

func (s *ConnectService) connect(ctx context.Context, game, userKey, serial string) (*Grant, error) {
	if game == "" || userKey == "" || serial == "" {
		return nil, license.ErrMissingParameters
	}

	now := s.now()
	owner, _, ok := s.store.FindLicenseKeyOwner(userKey)
	if !ok {
		return nil, license.ErrInvalidKey
	}

	if !s.isRoot(owner) {
		if err := s.checkOwnerAdmission(owner, now); err != nil {
			return nil, err
		}
	}

	var (
		expiry string
		bound  bool
	)
	err := s.store.UpdateLicenseKey(owner, userKey, func(rec *license.LicenseKeyRecord) (bool, error) {
		if rec.Blocked {
			return false, license.ErrKeyBlocked
		}

		changed := false
		status, err := license.EvaluateExpiry(rec.Expiry, now)
		if err != nil {
			return false, err
		}
		switch status {
		case license.ExpiryUnset:
			rec.Expiry = license.DefaultExpiry(now)
			changed = true
		case license.ExpiryExpired:
			return false, license.ErrKeyExpired
		}

		devices, added, err := license.AdmitDevice(rec.Devices, rec.MaxDevices, serial)
		if err != nil {
			return false, err
		}
		if added {
			rec.Devices = devices
			bound = true
			changed = true
		}

		expiry = rec.Expiry
		return changed, nil
	})
	if err != nil {
		// The record vanishing between resolution and update reads as
		// an unknown key to the client.
		if errors.Is(err, license.ErrNotFound) {
			return nil, license.ErrInvalidKey
		}
		return nil, err
	}

	if bound && s.metrics != nil {
		s.metrics.DevicesBound.Add(ctx, 1)
	}

	nonce, err := license.Nonce()
	if err != nil {
		return nil, err
	}
	return &Grant{
		Token:  license.Token(userKey, serial, s.secret),
		Nonce:  nonce,
		Expiry: expiry,
	}, nil
}

// checkOwnerAdmission verifies the owner is named by at least one
// active, unblocked, non-expired access key. The failure flavours are
// ordered for diagnostics: residency in the blocked partition wins,
// then "named but every naming key expired", then plain denial.
func (s *ConnectService) checkOwnerAdmission(owner string, now time.Time) error {
	var namedExpired, namedBlocked bool

	for _, rec := range s.store.AccessKeys(store.PartitionActive) {
		if !rec.HasPrincipal(owner) {
			continue
		}
		// An in-place blocked flag on an active record is equivalent
		// to residency in the blocked partition.
		if rec.Blocked {
			namedBlocked = true
			continue
		}
		status, err := license.EvaluateExpiry(rec.Expiry, now)
		if err != nil {
			return err
		}
		if status == license.ExpiryExpired {
			namedExpired = true
			continue
		}
		return nil
	}

	for _, rec := range s.store.AccessKeys(store.PartitionBlocked) {
		if rec.HasPrincipal(owner) {
			namedBlocked = true
			break
		}
	}

	switch {
	case namedBlocked:
		return license.ErrOwnerBlocked
	case namedExpired:
		return license.ErrAccessExpired
	default:
		return license.ErrAccessDenied
	}
}
