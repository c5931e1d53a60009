package sentinel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jacob-bach/icarusd/pkg/sandbox"
	"github.com/jacob-bach/icarusd/pkg/sandbox/sandboxtest"
	"github.com/jacob-bach/icarusd/pkg/types"
)

func newTestSentinel(driver sandbox.Driver) *Sentinel {
	return New(Config{
		YellowThreshold: 60,
		RedThreshold:    85,
		PollInterval:    time.Hour,
	}, driver)
}

func TestSentinel_Classify_Boundaries(t *testing.T) {
	s := newTestSentinel(sandboxtest.NewFakeDriver())

	require.Equal(t, types.LevelGreen, s.classify(0))
	require.Equal(t, types.LevelGreen, s.classify(59.99))
	require.Equal(t, types.LevelYellow, s.classify(60))
	require.Equal(t, types.LevelYellow, s.classify(84.99))
	require.Equal(t, types.LevelRed, s.classify(85))
	require.Equal(t, types.LevelRed, s.classify(100))
}

func TestSentinel_InitialLevelIsGreen(t *testing.T) {
	s := newTestSentinel(sandboxtest.NewFakeDriver())
	require.Equal(t, types.LevelGreen, s.Level())
}

func TestSentinel_EnterRed_PausesRunningSandboxesAndRemembersThem(t *testing.T) {
	driver := sandboxtest.NewFakeDriver()
	_, err := driver.Spawn(context.Background(), sandbox.SpawnRequest{JobID: "job-1", Role: types.RoleBuilder})
	require.NoError(t, err)
	_, err = driver.Spawn(context.Background(), sandbox.SpawnRequest{JobID: "job-2", Role: types.RoleBuilder})
	require.NoError(t, err)

	s := newTestSentinel(driver)
	s.enterRed(context.Background())

	require.Len(t, s.pausedBy, 2)
	require.True(t, s.pausedBy["job-1-builder"])
	require.True(t, s.pausedBy["job-2-builder"])

	status, err := driver.Status(context.Background(), "job-1-builder")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusPaused, status)
}

func TestSentinel_LeaveRed_ResumesOnlyRememberedAndStillPaused(t *testing.T) {
	driver := sandboxtest.NewFakeDriver()
	_, err := driver.Spawn(context.Background(), sandbox.SpawnRequest{JobID: "job-1", Role: types.RoleBuilder})
	require.NoError(t, err)

	s := newTestSentinel(driver)
	s.enterRed(context.Background())
	require.Len(t, s.pausedBy, 1)

	s.leaveRed(context.Background())

	status, err := driver.Status(context.Background(), "job-1-builder")
	require.NoError(t, err)
	require.Equal(t, sandbox.StatusRunning, status)
	require.Empty(t, s.pausedBy, "leaveRed must clear the remembered set")
}

func TestSentinel_LeaveRed_ToleratesVanishedSandbox(t *testing.T) {
	driver := sandboxtest.NewFakeDriver()
	_, err := driver.Spawn(context.Background(), sandbox.SpawnRequest{JobID: "job-1", Role: types.RoleBuilder})
	require.NoError(t, err)

	s := newTestSentinel(driver)
	s.enterRed(context.Background())

	driver.RemoveHandle("job-1-builder")

	require.NotPanics(t, func() { s.leaveRed(context.Background()) })
}

func TestSentinel_LeaveRed_DoesNotResumeASandboxResumedByOtherMeans(t *testing.T) {
	driver := sandboxtest.NewFakeDriver()
	_, err := driver.Spawn(context.Background(), sandbox.SpawnRequest{JobID: "job-1", Role: types.RoleBuilder})
	require.NoError(t, err)

	s := newTestSentinel(driver)
	s.enterRed(context.Background())

	require.NoError(t, driver.Resume(context.Background(), "job-1-builder"))

	s.leaveRed(context.Background())

	calls := driver.Calls()
	resumeCalls := 0
	for _, c := range calls {
		if c.Method == "Resume" && c.Handle == "job-1-builder" {
			resumeCalls++
		}
	}
	require.Equal(t, 1, resumeCalls, "leaveRed must not resume a sandbox no longer in paused status")
}

func TestSentinel_StartStop(t *testing.T) {
	s := newTestSentinel(sandboxtest.NewFakeDriver())
	s.Start()
	s.Stop()
	require.Equal(t, types.LevelGreen, s.Level())
}
