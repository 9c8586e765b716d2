package blockdev

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/sanctl/sanctl/internal/iscsi"
)

// ErrNoDevice is returned when a session exposes no operational disk
// within the settle window.
var ErrNoDevice = errors.New("no operational device detected")

// Resolver maps an established session to the block device it produced.
type Resolver struct {
	ISCSI *iscsi.Client
	Log   *logrus.Logger

	// Settle bounds the wait after the rescan; the whole resolution is
	// never slower than one enumeration + rescan + Settle.
	Settle time.Duration
	// PollInterval is the initial re-enumeration interval during the
	// settle window.
	PollInterval time.Duration

	// verify is swappable in tests; defaults to VerifyBlockDevice.
	verify func(string) error
}

// NewResolver returns a Resolver with the given settle window.
func NewResolver(client *iscsi.Client, log *logrus.Logger, settle time.Duration) *Resolver {
	return &Resolver{
		ISCSI:        client,
		Log:          log,
		Settle:       settle,
		PollInterval: 500 * time.Millisecond,
		verify:       VerifyBlockDevice,
	}
}

// Resolve returns the operational block-device path for the target's
// session. If the first enumeration finds nothing operational it triggers
// exactly one rescan and re-enumerates with bounded backoff until the
// settle window closes.
func (r *Resolver) Resolve(ctx context.Context, target string) (string, error) {
	att, err := r.pick(ctx, target)
	if err != nil {
		return "", err
	}
	if att == nil {
		if err := r.ISCSI.Rescan(ctx); err != nil {
			return "", err
		}
		att, err = r.pickWithin(ctx, target, r.Settle)
		if err != nil {
			return "", err
		}
	}
	if att == nil {
		return "", fmt.Errorf("%w for %s", ErrNoDevice, target)
	}

	path := "/dev/" + att.Device
	// A device name we parsed but cannot stat means the parse or timing
	// went wrong; continuing silently would be worse than failing.
	if err := r.verify(path); err != nil {
		return "", fmt.Errorf("resolved device %s is not usable: %w", path, err)
	}
	return path, nil
}

// pick returns the first operational attachment, or nil when none is.
func (r *Resolver) pick(ctx context.Context, target string) (*iscsi.Attachment, error) {
	atts, err := r.ISCSI.Attachments(ctx, target)
	if err != nil {
		return nil, err
	}
	var operational []iscsi.Attachment
	for _, a := range atts {
		if a.Operational() {
			operational = append(operational, a)
		}
	}
	if len(operational) == 0 {
		return nil, nil
	}
	if len(operational) > 1 && r.Log != nil {
		names := make([]string, len(operational))
		for i, a := range operational {
			names[i] = a.Device
		}
		r.Log.Warnf("multiple operational devices (%s); using %s", strings.Join(names, ", "), operational[0].Device)
	}
	return &operational[0], nil
}

func (r *Resolver) pickWithin(ctx context.Context, target string, window time.Duration) (*iscsi.Attachment, error) {
	if window <= 0 {
		return r.pick(ctx, target)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.PollInterval
	bo.MaxElapsedTime = window

	var found *iscsi.Attachment
	err := backoff.Retry(func() error {
		att, err := r.pick(ctx, target)
		if err != nil {
			return backoff.Permanent(err)
		}
		if att == nil {
			return ErrNoDevice
		}
		found = att
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil && !errors.Is(err, ErrNoDevice) {
		return nil, err
	}
	return found, nil
}
