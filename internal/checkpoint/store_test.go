package checkpoint

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testState(workflowID string) *models.WorkflowState {
	s := models.New(workflowID, "build a rest api", "trace-1", 500000, 20.0)
	s.Touch() // version 1, as the controller does at execution start
	return s
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	state.Artifacts["requirements"] = "# Requirements\n- one"
	state.ApplyUsage(1200, 0.05, "RequirementsAnalyst")
	state.PassQualityGate("requirements")

	id, err := store.Save("wf-1", state)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	loaded, err := store.Load(id)
	require.NoError(t, err)

	assert.Equal(t, state.WorkflowID, loaded.WorkflowID)
	assert.Equal(t, state.StateVersion, loaded.StateVersion)
	assert.Equal(t, state.UserRequest, loaded.UserRequest)
	assert.Equal(t, state.CurrentPhase, loaded.CurrentPhase)
	assert.Equal(t, state.Artifacts, loaded.Artifacts)
	assert.Equal(t, state.BudgetUsedTokens, loaded.BudgetUsedTokens)
	assert.Equal(t, state.BudgetRemainingTokens, loaded.BudgetRemainingTokens)
	assert.Equal(t, state.AgentTokenUsage, loaded.AgentTokenUsage)
	assert.Equal(t, state.QualityGatesPassed, loaded.QualityGatesPassed)
}

func TestLoad_NotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Load("no-such-checkpoint")
	require.Error(t, err)

	var notFound *wferr.CheckpointNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "no-such-checkpoint", notFound.CheckpointID)
}

func TestList_OrderedByVersionDescending(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	for i := 0; i < 4; i++ {
		_, err := store.Save("wf-1", state)
		require.NoError(t, err)
		state.Touch()
	}

	metas, err := store.List("wf-1", 0)
	require.NoError(t, err)
	require.Len(t, metas, 4)

	for i := 1; i < len(metas); i++ {
		assert.Greater(t, metas[i-1].StateVersion, metas[i].StateVersion,
			"versions should be strictly decreasing in listing order")
	}
}

func TestList_RespectsLimit(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	for i := 0; i < 12; i++ {
		_, err := store.Save("wf-1", state)
		require.NoError(t, err)
		state.Touch()
	}

	metas, err := store.List("wf-1", 0)
	require.NoError(t, err)
	assert.Len(t, metas, DefaultListLimit)

	metas, err = store.List("wf-1", 3)
	require.NoError(t, err)
	assert.Len(t, metas, 3)
}

func TestSave_DuplicateVersionRejected(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	_, err := store.Save("wf-1", state)
	require.NoError(t, err)

	// Same version again violates UNIQUE(workflow_id, state_version).
	_, err = store.Save("wf-1", state)
	require.Error(t, err)

	var storage *wferr.StorageError
	assert.True(t, errors.As(err, &storage))
}

func TestCleanupOld_DeletesOnlyPastRetention(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	oldID, err := store.Save("wf-1", state)
	require.NoError(t, err)

	state.Touch()
	freshID, err := store.Save("wf-1", state)
	require.NoError(t, err)

	// Age the first checkpoint past the retention window.
	aged := formatTime(time.Now().Add(-72 * time.Hour))
	_, err = store.conn.Exec(`UPDATE checkpoints SET created_at = ? WHERE checkpoint_id = ?`, aged, oldID)
	require.NoError(t, err)

	deleted, err := store.CleanupOld(48)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Load(oldID)
	var notFound *wferr.CheckpointNotFoundError
	assert.True(t, errors.As(err, &notFound))

	_, err = store.Load(freshID)
	assert.NoError(t, err)
}

func TestSave_UpsertsWorkflowMetadata(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	_, err := store.Save("wf-1", state)
	require.NoError(t, err)

	meta, err := store.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "running", meta.Status)
	assert.Equal(t, models.PhasePlanning, meta.Phase)
	assert.Equal(t, 0, meta.RejectionCount)
	assert.Nil(t, meta.CompletedAt)

	state.RecordRejection("tier_1_validator", "incomplete requirements")
	state.CurrentAgent = "RequirementsAnalyst"
	state.Complete(models.PhaseFailed)

	_, err = store.Save("wf-1", state)
	require.NoError(t, err)

	meta, err = store.GetWorkflow("wf-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", meta.Status)
	assert.Equal(t, models.PhaseFailed, meta.Phase)
	assert.Equal(t, "RequirementsAnalyst", meta.CurrentAgent)
	assert.Equal(t, 1, meta.RejectionCount)
	assert.NotNil(t, meta.CompletedAt)
}

func TestSave_AppendsAuditEvent(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	id, err := store.Save("wf-1", state)
	require.NoError(t, err)

	events, err := store.ListAudit("wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Equal(t, models.AuditCheckpointSaved, events[0].EventType)
	assert.Equal(t, "checkpoint_store", events[0].Actor)
	assert.Contains(t, events[0].Details, id)
}

func TestAppendAudit_StandaloneEvents(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	_, err := store.Save("wf-1", state)
	require.NoError(t, err)

	err = store.AppendAudit("wf-1", models.AuditEscalation, "deviation_handler",
		`{"root_cause":"circular routing"}`)
	require.NoError(t, err)

	events, err := store.ListAudit("wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	types := []string{events[0].EventType, events[1].EventType}
	assert.Contains(t, types, models.AuditEscalation)
	assert.Contains(t, types, models.AuditCheckpointSaved)
}

func TestListWorkflows(t *testing.T) {
	store := openTestStore(t)

	for _, id := range []string{"wf-a", "wf-b", "wf-c"} {
		state := testState(id)
		state.WorkflowID = id
		_, err := store.Save(id, state)
		require.NoError(t, err)
	}

	metas, err := store.ListWorkflows(0)
	require.NoError(t, err)
	assert.Len(t, metas, 3)

	metas, err = store.ListWorkflows(2)
	require.NoError(t, err)
	assert.Len(t, metas, 2)
}

func TestMonotonicVersions_AcrossSaves(t *testing.T) {
	store := openTestStore(t)

	state := testState("wf-1")
	var versions []int
	for i := 0; i < 5; i++ {
		_, err := store.Save("wf-1", state)
		require.NoError(t, err)
		versions = append(versions, state.StateVersion)
		state.Touch()
	}

	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
}
