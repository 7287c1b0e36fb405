package e2e

import (
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/models"
	testdb "github.com/pdfmap/jobstream/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ────────────────────────────────────────────────────────────
// Multi-replica test: cross-replica WebSocket delivery via
// PostgreSQL NOTIFY/LISTEN.
//
// Two jobstream replicas share one PostgreSQL schema (and with it the
// sequence counters) and one media root:
//   - Replica 1: has workers, runs pipelines and page jobs.
//   - Replica 2: zero workers (API/WS only), never claims work.
//
// The owner's WebSocket is connected to replica 2. Work is started on
// replica 1 (workspace pipeline) and on replica 2 (page region, written
// to the database and claimed by replica 1). Every event must reach the
// socket through NOTIFY, the code path of multi-pod deployments.
// ────────────────────────────────────────────────────────────

func TestE2E_MultiReplica(t *testing.T) {
	sharedDB := testdb.NewSharedTestDB(t)
	channel := fmt.Sprintf("jobstream_e2e_%d", time.Now().UnixNano())
	mediaRoot := t.TempDir()
	segmentation := NewSegmentationServer(t)

	app1 := NewTestApp(t,
		WithDBClient(sharedDB.NewClient(t)),
		WithPostgresTransport(sharedDB.ConnString(), channel),
		WithMediaRoot(mediaRoot),
		WithSegmentation(segmentation),
		WithPodID("replica-1"),
	)
	app2 := NewTestApp(t,
		WithDBClient(sharedDB.NewClient(t)),
		WithPostgresTransport(sharedDB.ConnString(), channel),
		WithMediaRoot(mediaRoot),
		WithSegmentation(segmentation),
		WithPodID("replica-2"),
		WithWorkerCount(0),
	)

	ws := app1.SeedWorkspace(t, ownerID, 1)
	taskID := strconv.FormatInt(ws.ID, 10)

	// Connect to replica 2 before any work starts.
	client := app2.ConnectWS(t, ownerID)

	// ═══════════════════════════════════════════════════════
	// Workspace pipeline runs on replica 1
	// ═══════════════════════════════════════════════════════

	app1.ProcessWorkspace(t, ownerID, ws.ID, http.StatusAccepted)
	_, err := client.WaitForTaskEvent(taskID, events.EventTaskCompleted, 30*time.Second)
	require.NoError(t, err, "replica 2 never received the completion")

	types := EventTypes(client.TaskEnvelopes(taskID))
	assert.Equal(t, string(events.EventTaskStarted), types[0])
	assert.Contains(t, types, string(events.EventTaskProgress))

	// Both replicas read the same projection.
	job1 := app1.GetJob(t, ownerID, taskID, http.StatusOK)
	job2 := app2.GetJob(t, ownerID, taskID, http.StatusOK)
	assert.Equal(t, string(models.JobStateSuccess), job2["state"])
	assert.Equal(t, job1["seq"], job2["seq"])

	// ═══════════════════════════════════════════════════════
	// Page region submitted to replica 2, run by replica 1
	// ═══════════════════════════════════════════════════════

	resp := app2.SubmitRegion(t, ownerID, ws.ID, 1, testRect, http.StatusAccepted)
	pageTask, _ := resp["task_id"].(string)
	require.NotEmpty(t, pageTask)

	_, err = client.WaitForTaskEvent(pageTask, events.EventTaskCompleted, 30*time.Second)
	require.NoError(t, err, "page job events never crossed replicas")
	pageTypes := EventTypes(client.TaskEnvelopes(pageTask))
	assert.Equal(t, string(events.EventTaskQueued), pageTypes[0])
	assert.Equal(t, string(events.EventTaskCompleted), pageTypes[len(pageTypes)-1])

	app2.WaitForPageStatus(t, ws.ID, 1, models.ExtractFinished)

	// Replica 2 never ran anything.
	health := app2.WorkerPool.Health(t.Context())
	assert.Equal(t, 0, health.TotalWorkers)
	assert.Equal(t, 0, health.ActiveJobs)
}
