package prepare

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanctl/sanctl/internal/blockdev"
	"github.com/sanctl/sanctl/internal/execx"
)

const testUUID = "c0a1f2d3-4b5e-6f70-8192-a3b4c5d6e7f8"

const lsblkEmptyDisk = `{"blockdevices": [
  {"name": "sdb", "path": "/dev/sdb", "type": "disk", "size": 1099511627776}
]}`

const lsblkWithPartition = `{"blockdevices": [
  {"name": "sdb", "path": "/dev/sdb", "type": "disk", "size": 1099511627776,
   "children": [
     {"name": "sdb1", "path": "/dev/sdb1", "type": "part", "size": 1099510579200, "fstype": "ext4", "uuid": "` + testUUID + `"}
   ]}
]}`

// scriptedConfirmer answers destructive questions from a queue and
// records every question asked.
type scriptedConfirmer struct {
	answers   []bool
	questions []string
}

func (s *scriptedConfirmer) Confirm(question string) (bool, error) {
	s.questions = append(s.questions, question)
	if len(s.answers) == 0 {
		return false, nil
	}
	a := s.answers[0]
	s.answers = s.answers[1:]
	return a, nil
}

func newTestPreparer(fake *execx.Fake, confirm *scriptedConfirmer) *Preparer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return &Preparer{
		Disks:          blockdev.NewInspector(fake),
		Run:            fake,
		Confirm:        confirm,
		Log:            log,
		FilesystemType: "ext4",
		Settle:         0, // single lookup, no polling in tests
	}
}

func TestPrepareFreshDiskNeverPrompts(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkEmptyDisk, nil)    // initial inspection
	fake.Respond(lsblk, lsblkWithPartition, nil) // after parted
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "", errors.New("exit status 2"))
	fake.Respond("blkid -o value -s UUID /dev/sdb1", testUUID+"\n", nil)

	confirm := &scriptedConfirmer{}
	res, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	// Structure absent implies no confirmation prompt is ever shown.
	assert.Empty(t, confirm.questions)

	assert.True(t, fake.Called("parted -s /dev/sdb mklabel gpt"))
	assert.True(t, fake.Called("parted -s /dev/sdb mkpart primary 0% 100%"))
	assert.True(t, fake.Called("mkfs.ext4 -q /dev/sdb1"))

	assert.Equal(t, "/dev/sdb1", res.Partition)
	assert.Equal(t, testUUID, res.UUID)
	assert.Equal(t, "ext4", res.FSType)
	assert.True(t, res.Repartitioned)
	assert.True(t, res.Formatted)
}

func TestPrepareDeclinedPromptsAdoptEverything(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkWithPartition, nil)
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "ext4\n", nil)
	fake.Respond("blkid -o value -s UUID /dev/sdb1", testUUID+"\n", nil)

	// Empty answer queue: every prompt defaults to preserve.
	confirm := &scriptedConfirmer{}
	res, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	require.Len(t, confirm.questions, 2) // partition gate + filesystem gate
	assert.False(t, fake.Called("parted"))
	assert.False(t, fake.Called("mkfs"))

	// The original UUID survives untouched.
	assert.Equal(t, testUUID, res.UUID)
	assert.Equal(t, "ext4", res.FSType)
	assert.False(t, res.Repartitioned)
	assert.False(t, res.Formatted)
}

func TestPrepareConfirmedDestructionReformats(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkWithPartition, nil) // initial inspection
	fake.Respond(lsblk, lsblkWithPartition, nil) // re-inspection after parted
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "ext3\n", nil)
	fake.Respond("blkid -o value -s UUID /dev/sdb1", testUUID+"\n", nil)

	confirm := &scriptedConfirmer{answers: []bool{true, true}}
	res, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	assert.True(t, fake.Called("parted -s /dev/sdb mklabel gpt"))
	assert.True(t, fake.Called("mkfs.ext4 -q /dev/sdb1"))
	assert.True(t, res.Repartitioned)
	assert.True(t, res.Formatted)
	assert.Equal(t, "ext4", res.FSType)
}

func TestPrepareUnknownFilesystemDeclineAbortsCleanly(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkWithPartition, nil)
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "xfs\n", nil)

	// Keep the partitions (no), then decline the continue-anyway gate.
	confirm := &scriptedConfirmer{answers: []bool{false, false}}
	_, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.ErrorIs(t, err, ErrAborted)

	// Clean abort: nothing was mutated.
	assert.False(t, fake.Called("parted"))
	assert.False(t, fake.Called("mkfs"))
	require.Len(t, confirm.questions, 2)
	assert.Contains(t, confirm.questions[1], "continue anyway")
}

func TestPrepareUnknownFilesystemAdoptAfterContinue(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkWithPartition, nil)
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "xfs\n", nil)
	fake.Respond("blkid -o value -s UUID /dev/sdb1", testUUID+"\n", nil)

	// Keep partitions, continue despite unknown type, decline overwrite.
	confirm := &scriptedConfirmer{answers: []bool{false, true, false}}
	res, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	assert.False(t, fake.Called("mkfs"))
	assert.Equal(t, "xfs", res.FSType)
	assert.Equal(t, testUUID, res.UUID)
}

func TestPrepareVfatAdoptedWithSerialIdentifier(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkWithPartition, nil)
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "vfat\n", nil)
	fake.Respond("blkid -o value -s UUID /dev/sdb1", "1234-ABCD\n", nil)

	// Keep partitions, continue despite the foreign type, decline overwrite:
	// the filesystem is adopted as-is, serial identifier and all.
	confirm := &scriptedConfirmer{answers: []bool{false, true, false}}
	res, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.NoError(t, err)

	assert.False(t, fake.Called("mkfs"))
	assert.Equal(t, "vfat", res.FSType)
	assert.Equal(t, "1234-ABCD", res.UUID)
	assert.False(t, res.Formatted)
}

func TestPrepareMalformedExtUUIDIsFatal(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkWithPartition, nil)
	fake.Respond("blkid -o value -s TYPE /dev/sdb1", "ext4\n", nil)
	fake.Respond("blkid -o value -s UUID /dev/sdb1", "garbage\n", nil)

	confirm := &scriptedConfirmer{}
	_, err := newTestPreparer(fake, confirm).Prepare(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed ext4 UUID")
}

func TestPreparePartitionNeverAppearsIsFatal(t *testing.T) {
	fake := execx.NewFake()
	lsblk := "lsblk -J -b -o NAME,PATH,TYPE,SIZE,FSTYPE,UUID /dev/sdb"
	fake.Respond(lsblk, lsblkEmptyDisk, nil)
	fake.Respond(lsblk, lsblkEmptyDisk, nil) // still empty after parted

	_, err := newTestPreparer(fake, &scriptedConfirmer{}).Prepare(context.Background(), "/dev/sdb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never appeared")
}
