package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacob-bach/icarusd/pkg/callbackbus"
	"github.com/jacob-bach/icarusd/pkg/config"
	"github.com/jacob-bach/icarusd/pkg/sandbox/sandboxtest"
	"github.com/jacob-bach/icarusd/pkg/scheduler"
	"github.com/jacob-bach/icarusd/pkg/storage"
	"github.com/jacob-bach/icarusd/pkg/types"
)

type alwaysGreen struct{}

func (alwaysGreen) Level() types.AdmissionLevel { return types.LevelGreen }

func newTestServer(t *testing.T) (*Server, *sandboxtest.FakeDriver, storage.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.MaxConcurrent = 2
	cfg.StageTimeout = config.Duration(10 * time.Second)
	cfg.Sampler.Interval = config.Duration(20 * time.Millisecond)
	cfg.ReconcileOnStart = false

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	driver := sandboxtest.NewFakeDriver()
	bus := callbackbus.New()

	sched := scheduler.New(cfg, store, driver, alwaysGreen{}, bus)
	require.NoError(t, sched.Start())
	t.Cleanup(sched.Stop)

	return NewServer(sched, store, bus), driver, store
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(data)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestAPI_SpawnAndStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/jobs/spawn", spawnRequest{Task: "write hello", ProjectPath: "example/repo"})
	require.Equal(t, 202, rec.Code)

	var spawned map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spawned))
	require.NotEmpty(t, spawned["job_id"])
	require.Equal(t, "pending", spawned["status"])

	rec = doJSON(t, s, "GET", "/jobs/"+spawned["job_id"]+"/status", nil)
	require.Equal(t, 200, rec.Code)

	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, spawned["job_id"], job.ID)
}

func TestAPI_SpawnRejectsEmptyTask(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/jobs/spawn", spawnRequest{Task: "", ProjectPath: "example/repo"})
	require.Equal(t, 400, rec.Code)
}

func TestAPI_StatusNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, "GET", "/jobs/does-not-exist/status", nil)
	require.Equal(t, 404, rec.Code)
}

func TestAPI_CallbackDroppedForMissingJob(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/jobs/does-not-exist/callback", map[string]string{"status": "completed"})
	require.Equal(t, 200, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "dropped", body["status"])
}

func TestAPI_CallbackAppendsTelemetryAndSignalsCompletion(t *testing.T) {
	s, driver, store := newTestServer(t)

	rec := doJSON(t, s, "POST", "/jobs/spawn", spawnRequest{Task: "write hello", ProjectPath: "example/repo"})
	require.Equal(t, 202, rec.Code)
	var spawned map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spawned))
	jobID := spawned["job_id"]

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(jobID)
		require.NoError(t, err)
		if job.Status == types.JobBuilding {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	tool := "editor"
	cpu := 12.5
	ram := 256.0
	rec = doJSON(t, s, "POST", "/jobs/"+jobID+"/callback", callbackRequest{
		CurrentTool: &tool,
		CPUUsage:    &cpu,
		RAMUsageMB:  &ram,
	})
	require.Equal(t, 200, rec.Code)

	sample, err := store.LatestTelemetry(jobID)
	require.NoError(t, err)
	require.Equal(t, "editor", sample.CurrentTool)
	require.Equal(t, uint64(256*1024*1024), sample.MemoryBytes)

	status := "completed"
	rec = doJSON(t, s, "POST", "/jobs/"+jobID+"/callback", callbackRequest{Status: &status})
	require.Equal(t, 200, rec.Code)

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, call := range driver.Calls() {
			if call.Method == "Spawn" {
				driver.FinishNow(call.Handle)
			}
		}
		job, err := store.GetJob(jobID)
		require.NoError(t, err)
		if job.Status == types.JobAwaitingApproval {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached awaiting_approval")
}

func TestAPI_ApproveInvalidState(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := doJSON(t, s, "POST", "/jobs/spawn", spawnRequest{Task: "write hello", ProjectPath: "repo"})
	require.Equal(t, 202, rec.Code)
	var spawned map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spawned))

	rec = doJSON(t, s, "POST", "/jobs/"+spawned["job_id"]+"/approve", approveRequest{Approved: true})
	require.Equal(t, 409, rec.Code)
}

func TestAPI_ListJobs(t *testing.T) {
	s, _, _ := newTestServer(t)

	doJSON(t, s, "POST", "/jobs/spawn", spawnRequest{Task: "a", ProjectPath: "repo"})
	doJSON(t, s, "POST", "/jobs/spawn", spawnRequest{Task: "b", ProjectPath: "repo"})

	rec := doJSON(t, s, "GET", "/jobs?status=pending&limit=10", nil)
	require.Equal(t, 200, rec.Code)

	var jobs []types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.GreaterOrEqual(t, len(jobs), 1)
}
