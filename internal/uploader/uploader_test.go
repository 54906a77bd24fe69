package uploader

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	"github.com/buildbeaver/queue-runner/internal/localstore"
	"github.com/buildbeaver/queue-runner/internal/logger"
)

func TestScheduleUploadCopiesLogFile(t *testing.T) {
	ctx := context.Background()

	f, err := os.CreateTemp(t.TempDir(), "build.log")
	require.NoError(t, err)
	_, err = f.WriteString("build output here")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	bucket, err := blob.OpenBucket(ctx, "mem://")
	require.NoError(t, err)
	defer bucket.Close()

	u := New(localstore.NewInMemory(), []Target{{Name: "primary", Bucket: bucket}}, logger.NewNoOpLog())
	svc := u.Start(ctx)
	defer svc.Stop()

	require.NoError(t, u.ScheduleUpload(nil, "logs/build-1", f.Name()))

	require.Eventually(t, func() bool {
		ok, _ := bucket.Exists(ctx, "logs/build-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	data, err := bucket.ReadAll(ctx, "logs/build-1")
	require.NoError(t, err)
	assert.Equal(t, "build output here", string(data))
}

func TestScheduleUploadRejectsWhenQueueFull(t *testing.T) {
	u := New(localstore.NewInMemory(), nil, logger.NewNoOpLog())
	u.queue = make(chan message)

	err := u.ScheduleUpload(nil, "logs/x", "/tmp/does-not-matter")
	require.Error(t, err)
}
