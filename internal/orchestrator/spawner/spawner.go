// Package spawner runs the task creation pipeline: accepted lobby messages
// become a task room, a forked sandbox, and a launched bridge process.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/events/bus"
	"github.com/roomspark/roomspark/internal/identifiers"
	"github.com/roomspark/roomspark/internal/matrix"
	"github.com/roomspark/roomspark/internal/orchestrator/reconciler"
	"github.com/roomspark/roomspark/internal/spark"
	"github.com/roomspark/roomspark/internal/statestore"
)

// ErrPersistence marks a failed state save. Callers must treat it as
// fatal: the on-disk snapshot no longer reflects external resources.
var ErrPersistence = errors.New("state persistence failed")

const (
	maxTopicLen       = 255
	maxNoticeErrLen   = 500
	maxPromptEchoLen  = 4000
	bridgeEnvCodexPfx = "CODEX_"
)

// ChatAPI is the chat capability the pipeline needs.
type ChatAPI interface {
	CreateRoom(ctx context.Context, name, topic string, invites []string) (string, error)
	LinkRoomUnderSpace(ctx context.Context, parentID, childID string) error
	SendNotice(ctx context.Context, roomID, text string) (string, error)
	LeaveAndForget(ctx context.Context, roomID string)
	HomeserverURL() string
	AccessToken() string
	UserID() string
}

// SandboxAPI is the sandbox capability the pipeline needs.
type SandboxAPI interface {
	CreateTaskSandboxFork(ctx context.Context, spec spark.ForkSpec) error
	LaunchBridgeInSandbox(ctx context.Context, spec spark.LaunchSpec) (*spark.LaunchResult, error)
}

// Pipeline turns one lobby message into a running task.
type Pipeline struct {
	chat     ChatAPI
	sandbox  SandboxAPI
	store    *statestore.Store
	cfg      *config.Config
	eventBus bus.EventBus
	logger   *logger.Logger

	now     func() time.Time
	environ func() []string
}

// New creates a pipeline.
func New(chat ChatAPI, sandbox SandboxAPI, store *statestore.Store, cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) *Pipeline {
	return &Pipeline{
		chat:     chat,
		sandbox:  sandbox,
		store:    store,
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "spawner")),
		now:      time.Now,
		environ:  os.Environ,
	}
}

// SpawnTask executes the full pipeline for one accepted lobby message.
// The waiting task record is persisted before any external resource is
// created, so a crash mid-pipeline never replays the event.
func (p *Pipeline) SpawnTask(ctx context.Context, project *config.ProjectConfig, rec *statestore.ProjectRecord, ev matrix.RoomEvent) error {
	prompt := ev.MessageBody()
	ids := identifiers.Build(project.Key, prompt, ev.EventID, p.now())
	log := p.logger.WithTaskID(ids.TaskID).WithFields(zap.String("project", project.Key))

	now := p.now().UTC()
	task := &statestore.TaskRecord{
		ID:            ids.TaskID,
		ProjectKey:    project.Key,
		LobbyRoomID:   rec.LobbyRoomID,
		LobbyEventID:  ev.EventID,
		Status:        statestore.TaskStatusWaiting,
		InitialPrompt: prompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	p.store.Update(func(s *statestore.State) {
		s.Tasks[task.ID] = task
		s.EventIndex[statestore.EventKey(rec.LobbyRoomID, ev.EventID)] = task.ID
	})
	if err := p.store.Save(); err != nil {
		return fmt.Errorf("%w: accept task %s: %v", ErrPersistence, task.ID, err)
	}
	log.Info("task accepted", zap.String("lobby_event_id", ev.EventID))

	roomName := project.Matrix.TaskRoomPrefix + "-" + ids.RoomLabel
	roomID, err := p.chat.CreateRoom(ctx, roomName, truncate(prompt, maxTopicLen), p.cfg.Workspace.TeamMembers)
	if err != nil {
		return fmt.Errorf("create task room: %w", err)
	}
	p.store.Update(func(*statestore.State) {
		task.TaskRoomID = roomID
		task.TaskRoomName = roomName
		task.UpdatedAt = p.now().UTC()
	})

	if err := p.chat.LinkRoomUnderSpace(ctx, rec.ProjectSpaceID, roomID); err != nil {
		return fmt.Errorf("link task room: %w", err)
	}

	meta := strings.Join([]string{
		"status: waiting",
		"task: " + task.ID,
		"project: " + project.Key,
		"sandbox: " + project.Spark.Project + "/" + ids.SandboxName,
	}, "\n")
	if _, err := p.chat.SendNotice(ctx, roomID, meta); err != nil {
		return fmt.Errorf("post task metadata: %w", err)
	}
	if _, err := p.chat.SendNotice(ctx, roomID, truncate(prompt, maxPromptEchoLen)); err != nil {
		return fmt.Errorf("post initial prompt: %w", err)
	}

	if err := p.sandbox.CreateTaskSandboxFork(ctx, spark.ForkSpec{
		Project:     project.Spark.Project,
		TaskSandbox: ids.SandboxName,
		MainSandbox: project.Spark.MainSpark,
		Tags: map[string]string{
			"matrix_room_id":        roomID,
			"matrix_project":        project.Key,
			"matrix_lobby_room_id":  rec.LobbyRoomID,
			"matrix_lobby_event_id": ev.EventID,
		},
	}); err != nil {
		return fmt.Errorf("fork sandbox: %w", err)
	}
	p.store.Update(func(*statestore.State) {
		task.SandboxProject = project.Spark.Project
		task.SandboxName = ids.SandboxName
		task.UpdatedAt = p.now().UTC()
	})

	result, err := p.sandbox.LaunchBridgeInSandbox(ctx, spark.LaunchSpec{
		Project:     project.Spark.Project,
		SandboxName: ids.SandboxName,
		Entrypoint:  p.cfg.Runtime.BridgeEntrypoint,
		Workdir:     reconciler.RepoWorkdir(p.cfg, project),
		Env:         p.bridgeEnv(project, roomID, prompt, ids.SandboxName),
	})
	if err != nil {
		return fmt.Errorf("launch bridge: %w", err)
	}
	p.store.Update(func(*statestore.State) {
		task.Bridge = statestore.BridgeInfo{
			PID:       result.PID,
			ProcessID: result.ProcessID,
			RawOutput: result.RawOutput,
		}
		task.Status = statestore.TaskStatusActive
		task.UpdatedAt = p.now().UTC()
	})

	confirmation := strings.Join([]string{
		"Task created: " + task.ID,
		"room: " + roomName + " (" + roomID + ") https://matrix.to/#/" + roomID,
		"sandbox: " + project.Spark.Project + "/" + ids.SandboxName,
	}, "\n")
	if _, err := p.chat.SendNotice(ctx, rec.LobbyRoomID, confirmation); err != nil {
		log.Warn("lobby confirmation notice failed", zap.Error(err))
	}

	if err := p.store.Save(); err != nil {
		return fmt.Errorf("%w: activate task %s: %v", ErrPersistence, task.ID, err)
	}

	log.Info("task active",
		zap.String("task_room_id", roomID),
		zap.String("sandbox", ids.SandboxName),
		zap.Int("bridge_pid", result.PID))

	if p.eventBus != nil {
		_ = p.eventBus.Publish(ctx, bus.SubjectTaskCreated,
			bus.NewEvent(bus.SubjectTaskCreated, "spawner", map[string]any{
				"task_id":    task.ID,
				"project":    project.Key,
				"room_id":    roomID,
				"sandbox":    ids.SandboxName,
				"bridge_pid": result.PID,
			}))
	}
	return nil
}

// MarkFailedEvent records a pipeline failure so the originating event is
// never retried: the task record (if one was created) flips to error, the
// task room is optionally abandoned, and the lobby gets a short notice.
// Events that failed before a record existed get a sentinel index entry.
func (p *Pipeline) MarkFailedEvent(ctx context.Context, project *config.ProjectConfig, rec *statestore.ProjectRecord, ev matrix.RoomEvent, cause error) error {
	log := p.logger.WithFields(
		zap.String("project", project.Key),
		zap.String("lobby_event_id", ev.EventID))
	log.Error("task pipeline failed", zap.Error(cause))

	key := statestore.EventKey(rec.LobbyRoomID, ev.EventID)
	var abandonedRoomID string
	p.store.Update(func(s *statestore.State) {
		task, ok := s.Tasks[s.EventIndex[key]]
		if !ok {
			s.EventIndex[key] = fmt.Sprintf("failed-%d", p.now().Unix())
			return
		}
		task.Status = statestore.TaskStatusError
		task.StatusReason = cause.Error()
		task.UpdatedAt = p.now().UTC()
		if task.TaskRoomID != "" && !p.cfg.Runtime.KeepErrorRooms {
			abandonedRoomID = task.TaskRoomID
		}
	})
	if abandonedRoomID != "" {
		p.chat.LeaveAndForget(ctx, abandonedRoomID)
	}

	if _, err := p.chat.SendNotice(ctx, rec.LobbyRoomID,
		"Task creation failed: "+truncate(cause.Error(), maxNoticeErrLen)); err != nil {
		log.Warn("lobby failure notice failed", zap.Error(err))
	}

	if err := p.store.Save(); err != nil {
		return fmt.Errorf("%w: record failure for event %s: %v", ErrPersistence, ev.EventID, err)
	}

	if p.eventBus != nil {
		_ = p.eventBus.Publish(ctx, bus.SubjectTaskSpawnFailed,
			bus.NewEvent(bus.SubjectTaskSpawnFailed, "spawner", map[string]any{
				"project":        project.Key,
				"lobby_event_id": ev.EventID,
				"error":          cause.Error(),
			}))
	}
	return nil
}

// bridgeEnv assembles the bridge process environment: a small pass-through
// allowlist from the orchestrator's own environment plus the fixed wiring
// the bridge needs to reach its room and sandbox.
func (p *Pipeline) bridgeEnv(project *config.ProjectConfig, taskRoomID, prompt, sandboxName string) map[string]string {
	env := make(map[string]string)
	for _, kv := range p.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !passThroughEnv(name) {
			continue
		}
		env[name] = value
	}

	env["MATRIX_HOMESERVER_URL"] = p.chat.HomeserverURL()
	env["MATRIX_ACCESS_TOKEN"] = p.chat.AccessToken()
	env["MATRIX_BOT_USER"] = p.chat.UserID()
	env["MATRIX_ROOM_ID"] = taskRoomID
	env["PROJECT_KEY"] = project.Key
	env["SPARK_PROJECT"] = project.Spark.Project
	env["SPARK_NAME"] = sandboxName
	env["INITIAL_PROMPT"] = prompt
	return env
}

func passThroughEnv(name string) bool {
	return name == "OPENAI_API_KEY" ||
		name == "LOG_LEVEL" ||
		strings.HasPrefix(name, bridgeEnvCodexPfx)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
