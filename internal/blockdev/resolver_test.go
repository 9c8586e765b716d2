package blockdev

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctl/sanctl/internal/execx"
	"github.com/sanctl/sanctl/internal/iscsi"
)

const detailRunning = `Target: iqn.test:disk1 (non-flash)
	Current Portal: 10.0.0.5:3260,1
		iSCSI Session State: LOGGED_IN
			Attached scsi disk sdb		State: running
`

const detailOffline = `Target: iqn.test:disk1 (non-flash)
	Current Portal: 10.0.0.5:3260,1
		iSCSI Session State: LOGGED_IN
			Attached scsi disk sdb		State: offline
`

func newTestResolver(fake *execx.Fake, settle time.Duration) *Resolver {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	r := NewResolver(iscsi.NewClient(fake, log), log, settle)
	r.PollInterval = time.Millisecond
	r.verify = func(string) error { return nil }
	return r
}

func TestResolveFirstEnumeration(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("iscsiadm -m session -P 3", detailRunning, nil)

	path, err := newTestResolver(fake, 50*time.Millisecond).Resolve(context.Background(), "iqn.test:disk1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb", path)
	assert.False(t, fake.Called("iscsiadm -m session --rescan"), "no rescan needed when the first enumeration succeeds")
}

func TestResolveAfterRescan(t *testing.T) {
	fake := execx.NewFake()
	// First enumeration sees the disk still negotiating; after the
	// rescan the settle-window poll finds it running.
	fake.Respond("iscsiadm -m session -P 3", detailOffline, nil)
	fake.Respond("iscsiadm -m session -P 3", detailRunning, nil)

	path, err := newTestResolver(fake, 100*time.Millisecond).Resolve(context.Background(), "iqn.test:disk1")
	require.NoError(t, err)
	assert.Equal(t, "/dev/sdb", path)
	assert.True(t, fake.Called("iscsiadm -m session --rescan"))
}

func TestResolveNoOperationalDevice(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("iscsiadm -m session -P 3", detailOffline, nil)

	_, err := newTestResolver(fake, 5*time.Millisecond).Resolve(context.Background(), "iqn.test:disk1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestResolveMissingDevicePathIsFatal(t *testing.T) {
	fake := execx.NewFake()
	fake.Respond("iscsiadm -m session -P 3", detailRunning, nil)

	r := newTestResolver(fake, 10*time.Millisecond)
	r.verify = func(path string) error { return errors.New("stat " + path + ": no such file") }

	_, err := r.Resolve(context.Background(), "iqn.test:disk1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not usable")
}
