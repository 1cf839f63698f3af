package spawner

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/matrix"
	"github.com/roomspark/roomspark/internal/spark"
	"github.com/roomspark/roomspark/internal/statestore"
)

type notice struct {
	roomID string
	text   string
}

type fakeChat struct {
	createdRooms []string
	createErr    error
	links        [][2]string
	notices      []notice
	left         []string
}

func (f *fakeChat) CreateRoom(ctx context.Context, name, topic string, invites []string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	id := fmt.Sprintf("!task-%d:example.org", len(f.createdRooms)+1)
	f.createdRooms = append(f.createdRooms, id)
	return id, nil
}

func (f *fakeChat) LinkRoomUnderSpace(ctx context.Context, parentID, childID string) error {
	f.links = append(f.links, [2]string{parentID, childID})
	return nil
}

func (f *fakeChat) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	f.notices = append(f.notices, notice{roomID: roomID, text: text})
	return "$notice", nil
}

func (f *fakeChat) LeaveAndForget(ctx context.Context, roomID string) {
	f.left = append(f.left, roomID)
}

func (f *fakeChat) HomeserverURL() string { return "https://matrix.example.org" }
func (f *fakeChat) AccessToken() string   { return "syt_token" }
func (f *fakeChat) UserID() string        { return "@bot:example.org" }

type fakeSandbox struct {
	forks     []spark.ForkSpec
	forkErr   error
	launches  []spark.LaunchSpec
	launchErr error
}

func (f *fakeSandbox) CreateTaskSandboxFork(ctx context.Context, spec spark.ForkSpec) error {
	if f.forkErr != nil {
		return f.forkErr
	}
	f.forks = append(f.forks, spec)
	return nil
}

func (f *fakeSandbox) LaunchBridgeInSandbox(ctx context.Context, spec spark.LaunchSpec) (*spark.LaunchResult, error) {
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launches = append(f.launches, spec)
	return &spark.LaunchResult{PID: 4242, ProcessID: "proc-1", RawOutput: "pid: 4242"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		HomeserverURL: "https://matrix.example.org",
		BotUserID:     "@bot:example.org",
		Workspace: config.WorkspaceConfig{
			Name:        "Acme",
			TeamMembers: []string{"@alice:example.org"},
		},
		Runtime: config.RuntimeConfig{
			BridgeEntrypoint: "/usr/local/bin/bridge",
			SyncTimeoutMs:    30000,
		},
		Projects: []config.ProjectConfig{{
			Key:         "website",
			DisplayName: "Website",
			Repo:        "git@github.com:acme/website.git",
			Matrix: config.ProjectMatrixConfig{
				LobbyRoomName:  "website-lobby",
				TaskRoomPrefix: "website",
			},
			Spark: config.ProjectSparkConfig{
				Project:   "acme",
				Base:      "ubuntu-24.04",
				MainSpark: "website-main",
				ForkMode:  config.ForkModeSparkFork,
				Work:      config.WorkConfig{Volume: "acme-work", MountPath: "/work"},
			},
		}},
	}
}

func newTestPipeline(t *testing.T, chat *fakeChat, sandbox *fakeSandbox) (*Pipeline, *statestore.Store) {
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.json"), logger.NewNop())
	require.NoError(t, err)

	p := New(chat, sandbox, store, testConfig(), nil, logger.NewNop())
	p.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	p.environ = func() []string {
		return []string{
			"OPENAI_API_KEY=sk-test",
			"CODEX_MODEL=gpt-large",
			"HOME=/root",
			"AWS_SECRET_ACCESS_KEY=leaky",
		}
	}
	return p, store
}

func lobbyRecord() *statestore.ProjectRecord {
	return &statestore.ProjectRecord{
		ProjectSpaceID: "!ps:example.org",
		LobbyRoomID:    "!lobby:example.org",
	}
}

func lobbyEvent(body string) matrix.RoomEvent {
	return matrix.RoomEvent{
		Type:    "m.room.message",
		EventID: "$evt1:example.org",
		Sender:  "@alice:example.org",
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestSpawnTaskHappyPath(t *testing.T) {
	chat := &fakeChat{}
	sandbox := &fakeSandbox{}
	p, store := newTestPipeline(t, chat, sandbox)
	cfg := p.cfg
	rec := lobbyRecord()

	err := p.SpawnTask(context.Background(), &cfg.Projects[0], rec, lobbyEvent("Fix the login page"))
	require.NoError(t, err)

	state := store.State()
	require.Len(t, state.Tasks, 1)
	var task *statestore.TaskRecord
	for _, tk := range state.Tasks {
		task = tk
	}
	assert.Equal(t, statestore.TaskStatusActive, task.Status)
	assert.Equal(t, "Fix the login page", task.InitialPrompt)
	assert.Equal(t, "!task-1:example.org", task.TaskRoomID)
	assert.True(t, strings.HasPrefix(task.TaskRoomName, "website-"))
	assert.Equal(t, "acme", task.SandboxProject)
	assert.Equal(t, 4242, task.Bridge.PID)

	// Task room is linked under the project space.
	assert.Contains(t, chat.links, [2]string{"!ps:example.org", "!task-1:example.org"})

	// Metadata notice, prompt echo, then lobby confirmation.
	require.Len(t, chat.notices, 3)
	assert.Equal(t, "!task-1:example.org", chat.notices[0].roomID)
	assert.Contains(t, chat.notices[0].text, "status: waiting")
	assert.Contains(t, chat.notices[0].text, "project: website")
	assert.Equal(t, "Fix the login page", chat.notices[1].text)
	assert.Equal(t, "!lobby:example.org", chat.notices[2].roomID)
	assert.Contains(t, chat.notices[2].text, "Task created")
	assert.Contains(t, chat.notices[2].text, "!task-1:example.org")
	assert.Contains(t, chat.notices[2].text, "acme/"+task.SandboxName)

	// Fork carries the linking tags.
	require.Len(t, sandbox.forks, 1)
	fork := sandbox.forks[0]
	assert.Equal(t, "website-main", fork.MainSandbox)
	assert.Equal(t, "!task-1:example.org", fork.Tags["matrix_room_id"])
	assert.Equal(t, "website", fork.Tags["matrix_project"])
	assert.Equal(t, "!lobby:example.org", fork.Tags["matrix_lobby_room_id"])
	assert.Equal(t, "$evt1:example.org", fork.Tags["matrix_lobby_event_id"])

	// Event is marked processed with the task ID.
	assert.True(t, store.HasProcessedEvent("!lobby:example.org", "$evt1:example.org"))
	assert.Equal(t, task.ID, state.EventIndex[statestore.EventKey("!lobby:example.org", "$evt1:example.org")])
}

func TestSpawnTaskBridgeEnv(t *testing.T) {
	chat := &fakeChat{}
	sandbox := &fakeSandbox{}
	p, _ := newTestPipeline(t, chat, sandbox)
	cfg := p.cfg

	err := p.SpawnTask(context.Background(), &cfg.Projects[0], lobbyRecord(), lobbyEvent("Fix the login page"))
	require.NoError(t, err)

	require.Len(t, sandbox.launches, 1)
	env := sandbox.launches[0].Env

	// Allowlisted pass-through.
	assert.Equal(t, "sk-test", env["OPENAI_API_KEY"])
	assert.Equal(t, "gpt-large", env["CODEX_MODEL"])
	assert.NotContains(t, env, "HOME")
	assert.NotContains(t, env, "AWS_SECRET_ACCESS_KEY")

	// Fixed wiring.
	assert.Equal(t, "https://matrix.example.org", env["MATRIX_HOMESERVER_URL"])
	assert.Equal(t, "syt_token", env["MATRIX_ACCESS_TOKEN"])
	assert.Equal(t, "@bot:example.org", env["MATRIX_BOT_USER"])
	assert.Equal(t, "!task-1:example.org", env["MATRIX_ROOM_ID"])
	assert.Equal(t, "website", env["PROJECT_KEY"])
	assert.Equal(t, "acme", env["SPARK_PROJECT"])
	assert.Equal(t, sandbox.launches[0].SandboxName, env["SPARK_NAME"])
	assert.Equal(t, "Fix the login page", env["INITIAL_PROMPT"])

	assert.Equal(t, "/usr/local/bin/bridge", sandbox.launches[0].Entrypoint)
	assert.Equal(t, "/work/repo", sandbox.launches[0].Workdir)
}

func TestSpawnTaskSafeUnderConcurrentSnapshotReaders(t *testing.T) {
	chat := &fakeChat{}
	sandbox := &fakeSandbox{}
	p, store := newTestPipeline(t, chat, sandbox)
	cfg := p.cfg
	rec := lobbyRecord()

	// Snapshot readers run concurrently with the pipeline, the same way
	// the operational API reads state while tasks are being spawned.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = store.Snapshot()
		}
	}()

	for i := 0; i < 20; i++ {
		ev := matrix.RoomEvent{
			Type:    "m.room.message",
			EventID: fmt.Sprintf("$evt%d:example.org", i),
			Sender:  "@alice:example.org",
			Content: map[string]any{"msgtype": "m.text", "body": "Fix the login page"},
		}
		require.NoError(t, p.SpawnTask(context.Background(), &cfg.Projects[0], rec, ev))
	}
	<-done

	assert.Len(t, store.State().Tasks, 20)
}

func TestSpawnTaskPersistsWaitingRecordBeforeRoomCreation(t *testing.T) {
	chat := &fakeChat{createErr: fmt.Errorf("boom")}
	sandbox := &fakeSandbox{}
	p, store := newTestPipeline(t, chat, sandbox)
	cfg := p.cfg

	err := p.SpawnTask(context.Background(), &cfg.Projects[0], lobbyRecord(), lobbyEvent("Fix it"))
	require.Error(t, err)

	// The event was still recorded as accepted, so a restart cannot replay it.
	assert.True(t, store.HasProcessedEvent("!lobby:example.org", "$evt1:example.org"))
	reloaded, err := statestore.Open(store.Path(), logger.NewNop())
	require.NoError(t, err)
	require.Len(t, reloaded.State().Tasks, 1)
	for _, task := range reloaded.State().Tasks {
		assert.Equal(t, statestore.TaskStatusWaiting, task.Status)
	}
}

func TestMarkFailedEventFlipsTaskToError(t *testing.T) {
	chat := &fakeChat{}
	sandbox := &fakeSandbox{forkErr: fmt.Errorf("fork exploded")}
	p, store := newTestPipeline(t, chat, sandbox)
	cfg := p.cfg
	rec := lobbyRecord()
	ev := lobbyEvent("Fix it")

	spawnErr := p.SpawnTask(context.Background(), &cfg.Projects[0], rec, ev)
	require.Error(t, spawnErr)
	require.NoError(t, p.MarkFailedEvent(context.Background(), &cfg.Projects[0], rec, ev, spawnErr))

	state := store.State()
	require.Len(t, state.Tasks, 1)
	for _, task := range state.Tasks {
		assert.Equal(t, statestore.TaskStatusError, task.Status)
		assert.Contains(t, task.StatusReason, "fork exploded")
	}

	// keep_error_rooms defaults to false, so the task room is abandoned.
	assert.Equal(t, []string{"!task-1:example.org"}, chat.left)

	last := chat.notices[len(chat.notices)-1]
	assert.Equal(t, "!lobby:example.org", last.roomID)
	assert.Contains(t, last.text, "Task creation failed")
}

func TestMarkFailedEventKeepsRoomWhenConfigured(t *testing.T) {
	chat := &fakeChat{}
	sandbox := &fakeSandbox{forkErr: fmt.Errorf("fork exploded")}
	p, _ := newTestPipeline(t, chat, sandbox)
	p.cfg.Runtime.KeepErrorRooms = true
	cfg := p.cfg
	rec := lobbyRecord()
	ev := lobbyEvent("Fix it")

	spawnErr := p.SpawnTask(context.Background(), &cfg.Projects[0], rec, ev)
	require.Error(t, spawnErr)
	require.NoError(t, p.MarkFailedEvent(context.Background(), &cfg.Projects[0], rec, ev, spawnErr))

	assert.Empty(t, chat.left)
}

func TestMarkFailedEventWithoutTaskWritesSentinel(t *testing.T) {
	chat := &fakeChat{}
	sandbox := &fakeSandbox{}
	p, store := newTestPipeline(t, chat, sandbox)
	cfg := p.cfg
	rec := lobbyRecord()
	ev := lobbyEvent("Fix it")

	require.NoError(t, p.MarkFailedEvent(context.Background(), &cfg.Projects[0], rec, ev, fmt.Errorf("rejected")))

	key := statestore.EventKey(rec.LobbyRoomID, ev.EventID)
	value := store.State().EventIndex[key]
	assert.True(t, strings.HasPrefix(value, "failed-"), "expected failure sentinel, got %q", value)
	assert.True(t, store.HasProcessedEvent(rec.LobbyRoomID, ev.EventID))
}
