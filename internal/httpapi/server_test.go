package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildbeaver/queue-runner/internal/logger"
	"github.com/buildbeaver/queue-runner/internal/models"
	"github.com/buildbeaver/queue-runner/internal/queuemonitor"
)

type fakeSnapshotter struct {
	snap   *queuemonitor.Snapshot
	polled int
}

func (f *fakeSnapshotter) Snapshot() *queuemonitor.Snapshot { return f.snap }
func (f *fakeSnapshotter) TriggerPoll()                     { f.polled++ }

func TestHealthzReportsOK(t *testing.T) {
	srv := New(&fakeSnapshotter{snap: &queuemonitor.Snapshot{}}, logger.NewNoOpLog())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReportsSnapshotCounts(t *testing.T) {
	fake := &fakeSnapshotter{snap: &queuemonitor.Snapshot{StepCount: 3, BuildCount: 2, MachineCount: 1, JobsetCount: 4}}
	srv := New(fake, logger.NewNoOpLog())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body["steps"])
	assert.Equal(t, 2, body["builds"])
	assert.Equal(t, 1, body["machines"])
	assert.Equal(t, 4, body["jobsets"])
}

func TestStatusRefreshTriggersPoll(t *testing.T) {
	fake := &fakeSnapshotter{snap: &queuemonitor.Snapshot{}}
	srv := New(fake, logger.NewNoOpLog())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status/refresh", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, fake.polled)
}

func TestMachinesListsSnapshotMachines(t *testing.T) {
	fake := &fakeSnapshotter{snap: &queuemonitor.Snapshot{
		Machines: []queuemonitor.MachineSnapshot{{ID: models.MachineID("m1"), Hostname: "builder-1", InFlight: 2, MaxJobs: 4}},
	}}
	srv := New(fake, logger.NewNoOpLog())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/machines", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body []queuemonitor.MachineSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "builder-1", body[0].Hostname)
	assert.EqualValues(t, 2, body[0].InFlight)
}

func TestJobsetsListsSnapshotJobsets(t *testing.T) {
	fake := &fakeSnapshotter{snap: &queuemonitor.Snapshot{
		Jobsets: []queuemonitor.JobsetSnapshot{{ProjectName: "proj", Name: "main", Shares: 100, Seconds: 60, ShareUsed: 0.5}},
	}}
	srv := New(fake, logger.NewNoOpLog())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobsets", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body []queuemonitor.JobsetSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, "proj", body[0].ProjectName)
	assert.Equal(t, 0.5, body[0].ShareUsed)
}
