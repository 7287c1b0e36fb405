package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"

	"github.com/pdfmap/jobstream/pkg/events"
	"github.com/pdfmap/jobstream/pkg/jobstatus"
	"github.com/pdfmap/jobstream/pkg/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Applier projects task events. Implemented by jobstatus.Projector.
type Applier interface {
	Apply(ctx context.Context, req jobstatus.ApplyRequest) (jobstatus.ApplyResult, error)
}

// Publisher sends events that bypass the job status projection.
// Implemented by events.Publisher.
type Publisher interface {
	Publish(ctx context.Context, req events.PublishRequest) events.PublishResult
}

// MemberSource lists users currently joined to a group. Implemented by
// events.SessionManager.
type MemberSource interface {
	GroupMembers(ctx context.Context, group string) ([]int64, error)
}

// TaskRef identifies the task an event belongs to and how it routes.
type TaskRef struct {
	TaskID      string
	JobType     events.JobType
	ProjectID   string
	UserID      int64
	WorkspaceID string
	PageID      string
	DetailURL   string
	// IncludePageGroups adds page routing; set for page jobs.
	IncludePageGroups bool
}

// WorkspaceTask is the processing task of a workspace. Its task id is the
// workspace id.
func WorkspaceTask(ws *models.Workspace) TaskRef {
	return workspaceRef(ws, ws.ProjectID(), events.JobPDFExtraction)
}

// SyncTask is the CRM sync task of a workspace.
func SyncTask(ws *models.Workspace) TaskRef {
	return workspaceRef(ws, "sync-"+ws.ProjectID(), events.JobSync)
}

func workspaceRef(ws *models.Workspace, taskID string, jobType events.JobType) TaskRef {
	id := ws.ProjectID()
	return TaskRef{
		TaskID:      taskID,
		JobType:     jobType,
		ProjectID:   id,
		UserID:      ws.UserID,
		WorkspaceID: id,
		DetailURL:   fmt.Sprintf("/api/workspaces/%s/", id),
	}
}

// PageTask is a region extraction job on one page.
func PageTask(ws *models.Workspace, page *models.PageImage, taskID string) TaskRef {
	id := ws.ProjectID()
	return TaskRef{
		TaskID:            taskID,
		JobType:           events.JobPolygonExtraction,
		ProjectID:         id,
		UserID:            ws.UserID,
		WorkspaceID:       id,
		PageID:            page.PageIDString(),
		DetailURL:         fmt.Sprintf("/api/workspaces/%s/pages/%d/", id, page.PageNumber),
		IncludePageGroups: true,
	}
}

// pageMeta adds the page routing keys clients use to find the page.
func pageMeta(page *models.PageImage, workspaceID string, meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+3)
	maps.Copy(out, meta)
	out["page_id"] = page.PageIDString()
	out["page_number"] = page.PageNumber
	out["workspace_id"] = workspaceID
	return out
}

// Notification is a system message for a project's subscribers.
type Notification struct {
	ProjectID string
	TaskID    string
	JobType   events.JobType
	Title     string
	Message   string
	Level     string
	Meta      map[string]any
	// Recipients always get a stored copy, connected or not.
	Recipients []int64
}

// NotifierOptions holds the optional collaborators of a Notifier.
type NotifierOptions struct {
	// Publisher sends NOTIFICATION envelopes. Nil disables notifications.
	Publisher Publisher
	// Members resolves who is connected to a notified group.
	Members MemberSource
	// DB stores notification copies. Nil disables storage.
	DB *gorm.DB
}

// Notifier turns pipeline transitions into job status writes and
// notifications.
type Notifier struct {
	projector Applier
	publisher Publisher
	members   MemberSource
	db        *gorm.DB
}

// NewNotifier creates a Notifier.
func NewNotifier(projector Applier, opts NotifierOptions) *Notifier {
	return &Notifier{
		projector: projector,
		publisher: opts.Publisher,
		members:   opts.Members,
		db:        opts.DB,
	}
}

// Emit projects one task event. A write error is returned for the caller
// to log; it must not stop the work the event describes.
func (n *Notifier) Emit(ctx context.Context, ref TaskRef, t events.EventType, meta map[string]any) (jobstatus.ApplyResult, error) {
	userID := ref.UserID
	return n.projector.Apply(ctx, jobstatus.ApplyRequest{
		TaskID:            ref.TaskID,
		EventType:         t,
		JobType:           ref.JobType,
		ProjectID:         ref.ProjectID,
		UserID:            &userID,
		PageID:            ref.PageID,
		WorkspaceID:       ref.WorkspaceID,
		Meta:              meta,
		DetailURL:         ref.DetailURL,
		IncludePageGroups: ref.IncludePageGroups,
	})
}

// EmitPage projects a page job event with the page routing keys in meta.
func (n *Notifier) EmitPage(ctx context.Context, ref TaskRef, page *models.PageImage, t events.EventType, meta map[string]any) (jobstatus.ApplyResult, error) {
	return n.Emit(ctx, ref, t, pageMeta(page, ref.WorkspaceID, meta))
}

// emit logs and drops write errors.
func (n *Notifier) emit(ctx context.Context, ref TaskRef, t events.EventType, meta map[string]any) {
	if _, err := n.Emit(ctx, ref, t, meta); err != nil {
		slog.Warn("Task event not recorded",
			"task_id", ref.TaskID, "event_type", t, "error", err)
	}
}

func (n *Notifier) emitPage(ctx context.Context, ref TaskRef, page *models.PageImage, t events.EventType, meta map[string]any) {
	n.emit(ctx, ref, t, pageMeta(page, ref.WorkspaceID, meta))
}

// Notify sends a NOTIFICATION to the project group and the task's job
// group, then stores a copy for every connected member of those groups
// and for note.Recipients.
func (n *Notifier) Notify(ctx context.Context, note Notification) events.PublishResult {
	if n.publisher == nil {
		return events.PublishResult{Err: events.ErrNoTransport}
	}
	level := note.Level
	if level == "" {
		level = models.NotificationInfo
	}
	jobType := note.JobType
	if jobType == "" {
		jobType = events.JobDataProcessing
	}
	taskID := note.TaskID
	if taskID == "" {
		taskID = note.ProjectID
	}

	meta := make(map[string]any, len(note.Meta)+3)
	maps.Copy(meta, note.Meta)
	meta["title"] = note.Title
	meta["message"] = note.Message
	meta["level"] = level

	targets := events.ProjectGroups(note.ProjectID, events.SystemUserID)[:1]
	targets = append(targets, events.JobGroups(taskID, note.ProjectID)[0])
	res := n.publisher.Publish(ctx, events.PublishRequest{
		EventType: events.EventNotification,
		TaskID:    taskID,
		JobType:   jobType,
		ProjectID: note.ProjectID,
		UserID:    events.SystemUserID,
		Meta:      meta,
		Targets:   targets,
	})
	if !res.Success {
		slog.Warn("Notification not dispatched", "project_id", note.ProjectID, "task_id", taskID, "error", res.Err)
	}
	n.store(ctx, note, taskID, level, meta, res)
	return res
}

func (n *Notifier) store(ctx context.Context, note Notification, taskID, level string, meta map[string]any, res events.PublishResult) {
	if n.db == nil {
		return
	}
	projectGroup := "project_" + note.ProjectID
	recipients := make(map[int64]string)
	for _, uid := range note.Recipients {
		recipients[uid] = projectGroup
	}
	if n.members != nil {
		for _, group := range res.Groups {
			ids, err := n.members.GroupMembers(ctx, group)
			if err != nil {
				slog.Warn("Failed to list group members", "group", group, "error", err)
				continue
			}
			for _, uid := range ids {
				if _, ok := recipients[uid]; !ok {
					recipients[uid] = group
				}
			}
		}
	}
	if len(recipients) == 0 {
		return
	}

	rows := make([]models.Notification, 0, len(recipients))
	for uid, group := range recipients {
		if uid == events.SystemUserID {
			continue
		}
		rows = append(rows, models.Notification{
			UserID:  uid,
			Group:   group,
			TaskID:  taskID,
			Seq:     res.Seq,
			Title:   note.Title,
			Message: note.Message,
			Level:   level,
			Meta:    datatypes.JSONMap(meta),
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := n.db.WithContext(ctx).Create(&rows).Error; err != nil {
		slog.Warn("Failed to store notifications", "task_id", taskID, "count", len(rows), "error", err)
	}
}

// ProgressFunc reports progress from inside a tracked task.
type ProgressFunc func(percent int, step, message string, extra map[string]any)

// TrackedTask is a unit of work whose lifecycle is mirrored to its job
// status row.
type TrackedTask struct {
	Ref    TaskRef
	Worker string
	// MaxRetries is how often a failed Run is retried. Each retry emits
	// TASK_QUEUED with the retry count.
	MaxRetries int
	Run        func(ctx context.Context, progress ProgressFunc) (any, error)
}

// Queued announces that a task was enqueued.
func (n *Notifier) Queued(ctx context.Context, ref TaskRef, message string) {
	if message == "" {
		message = "Task queued"
	}
	n.emit(ctx, ref, events.EventTaskQueued, map[string]any{"message": message})
}

// RunTracked runs task.Run between TASK_STARTED and TASK_COMPLETED or
// TASK_FAILED. The error of the last attempt is returned.
func (n *Notifier) RunTracked(ctx context.Context, task TrackedTask) (any, error) {
	ref := task.Ref
	n.emit(ctx, ref, events.EventTaskStarted, map[string]any{
		"message": "Task started",
		"worker":  task.Worker,
	})
	progress := func(percent int, step, message string, extra map[string]any) {
		meta := make(map[string]any, len(extra)+4)
		maps.Copy(meta, extra)
		meta["progress_percent"] = percent
		meta["step"] = step
		meta["message"] = message
		meta["timestamp"] = nowMillis()
		n.emit(ctx, ref, events.EventTaskProgress, meta)
		slog.Info("Task progress", "task_id", ref.TaskID, "percent", percent, "step", step, "message", message)
	}

	var (
		result any
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = task.Run(ctx, progress)
		if err == nil || attempt >= task.MaxRetries || ctx.Err() != nil {
			break
		}
		n.emit(ctx, ref, events.EventTaskQueued, map[string]any{
			"retry_count": attempt + 1,
			"error":       err.Error(),
			"message":     "Task retry #" + strconv.Itoa(attempt+1),
		})
	}

	finalCtx, cancel := finalContext(ctx)
	defer cancel()
	if err != nil {
		n.emit(finalCtx, ref, events.EventTaskFailed, map[string]any{
			"error":   err.Error(),
			"message": "Task failed: " + err.Error(),
		})
		return nil, err
	}
	n.emit(finalCtx, ref, events.EventTaskCompleted, map[string]any{
		"result":  result,
		"message": "Task completed successfully",
	})
	return result, nil
}
