package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/matrix"
	"github.com/roomspark/roomspark/internal/orchestrator/spawner"
	"github.com/roomspark/roomspark/internal/statestore"
)

type fakeChat struct {
	verifyErr error
	responses []*matrix.SyncResponse
	calls     int
	cancel    context.CancelFunc
}

func (f *fakeChat) VerifyConnection(ctx context.Context) error { return f.verifyErr }

func (f *fakeChat) Sync(ctx context.Context, since string, timeout time.Duration, roomIDs []string) (*matrix.SyncResponse, error) {
	if f.calls < len(f.responses) {
		resp := f.responses[f.calls]
		f.calls++
		return resp, nil
	}
	// Script exhausted: stop the loop.
	if f.cancel != nil {
		f.cancel()
	}
	return nil, ctx.Err()
}

type fakeSandbox struct{ verifyErr error }

func (f *fakeSandbox) VerifyAvailability(ctx context.Context) error { return f.verifyErr }

type fakeReconciler struct {
	err    error
	called bool
	store  *statestore.Store
}

func (f *fakeReconciler) Reconcile(ctx context.Context) error {
	f.called = true
	if f.err != nil {
		return f.err
	}
	state := f.store.State()
	state.Workspace.SpaceID = "!ws:example.org"
	state.Projects["website"] = &statestore.ProjectRecord{
		ProjectSpaceID: "!ps:example.org",
		LobbyRoomID:    "!lobby:example.org",
	}
	return nil
}

type spawnCall struct {
	project string
	eventID string
}

type fakePipeline struct {
	store    *statestore.Store
	spawnErr error
	spawned  []spawnCall
	failed   []spawnCall
}

func (f *fakePipeline) SpawnTask(ctx context.Context, project *config.ProjectConfig, rec *statestore.ProjectRecord, ev matrix.RoomEvent) error {
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned = append(f.spawned, spawnCall{project: project.Key, eventID: ev.EventID})
	f.store.MarkEventProcessed(rec.LobbyRoomID, ev.EventID, "task-"+ev.EventID)
	return nil
}

func (f *fakePipeline) MarkFailedEvent(ctx context.Context, project *config.ProjectConfig, rec *statestore.ProjectRecord, ev matrix.RoomEvent, cause error) error {
	f.failed = append(f.failed, spawnCall{project: project.Key, eventID: ev.EventID})
	f.store.MarkEventProcessed(rec.LobbyRoomID, ev.EventID, fmt.Sprintf("failed-%d", time.Now().Unix()))
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		HomeserverURL: "https://matrix.example.org",
		BotUserID:     "@bot:example.org",
		Workspace:     config.WorkspaceConfig{Name: "Acme"},
		Runtime: config.RuntimeConfig{
			BridgeEntrypoint: "/usr/local/bin/bridge",
			SyncTimeoutMs:    100,
		},
		Projects: []config.ProjectConfig{{
			Key:  "website",
			Repo: "git@github.com:acme/website.git",
			Spark: config.ProjectSparkConfig{
				Project: "acme", Base: "ubuntu-24.04", MainSpark: "website-main",
				ForkMode: config.ForkModeSparkFork,
				Work:     config.WorkConfig{Volume: "acme-work", MountPath: "/work"},
			},
		}},
	}
}

func messageEvent(eventID, sender, body string) matrix.RoomEvent {
	return matrix.RoomEvent{
		Type:    "m.room.message",
		EventID: eventID,
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func syncWithEvents(nextBatch string, events ...matrix.RoomEvent) *matrix.SyncResponse {
	return &matrix.SyncResponse{
		NextBatch: nextBatch,
		Rooms: matrix.SyncRooms{
			Join: map[string]matrix.JoinedRoomSync{
				"!lobby:example.org": {Timeline: matrix.Timeline{Events: events}},
			},
		},
	}
}

func newTestScheduler(t *testing.T, chat *fakeChat, pipeline *fakePipeline) (*Scheduler, *statestore.Store) {
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.json"), logger.NewNop())
	require.NoError(t, err)

	if pipeline != nil {
		pipeline.store = store
	}
	rec := &fakeReconciler{store: store}
	s := New(chat, &fakeSandbox{}, rec, pipeline, store, testConfig(), logger.NewNop())
	s.sleep = func(ctx context.Context, d time.Duration) {}
	return s, store
}

func TestInitializePrimesSinceToken(t *testing.T) {
	chat := &fakeChat{responses: []*matrix.SyncResponse{{NextBatch: "tok0"}}}
	s, _ := newTestScheduler(t, chat, &fakePipeline{})

	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, "tok0", s.sinceToken)
	require.Len(t, s.lobbies, 1)
	assert.Equal(t, "!lobby:example.org", s.lobbies[0].record.LobbyRoomID)
}

func TestInitializeFailsOnVerify(t *testing.T) {
	chat := &fakeChat{verifyErr: fmt.Errorf("homeserver down")}
	s, _ := newTestScheduler(t, chat, &fakePipeline{})
	require.Error(t, s.Initialize(context.Background()))
}

func TestRunSpawnsTaskFromLobbyMessage(t *testing.T) {
	chat := &fakeChat{responses: []*matrix.SyncResponse{
		{NextBatch: "tok0"},
		syncWithEvents("tok1", messageEvent("$evt1", "@alice:example.org", "Fix the login page")),
	}}
	pipeline := &fakePipeline{}
	s, _ := newTestScheduler(t, chat, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat.cancel = cancel

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Run(ctx))

	require.Len(t, pipeline.spawned, 1)
	assert.Equal(t, spawnCall{project: "website", eventID: "$evt1"}, pipeline.spawned[0])
	assert.Equal(t, "tok1", s.sinceToken)
	assert.Equal(t, int64(1), s.Stats().Processed)
}

func TestRunFiltersNonWorkMessages(t *testing.T) {
	chat := &fakeChat{responses: []*matrix.SyncResponse{
		{NextBatch: "tok0"},
		syncWithEvents("tok1",
			messageEvent("$bot", "@bot:example.org", "Task created"),
			messageEvent("$cmd", "@alice:example.org", "/status"),
			messageEvent("$empty", "@alice:example.org", "   "),
			matrix.RoomEvent{Type: "m.reaction", EventID: "$react", Sender: "@alice:example.org"},
			messageEvent("", "@alice:example.org", "no event id"),
			messageEvent("$real", "@alice:example.org", "Do the thing"),
		),
	}}
	pipeline := &fakePipeline{}
	s, _ := newTestScheduler(t, chat, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat.cancel = cancel

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Run(ctx))

	require.Len(t, pipeline.spawned, 1)
	assert.Equal(t, "$real", pipeline.spawned[0].eventID)
}

func TestRunDedupesProcessedEvents(t *testing.T) {
	chat := &fakeChat{responses: []*matrix.SyncResponse{
		{NextBatch: "tok0"},
		syncWithEvents("tok1", messageEvent("$evt1", "@alice:example.org", "Fix it")),
		syncWithEvents("tok2", messageEvent("$evt1", "@alice:example.org", "Fix it")),
	}}
	pipeline := &fakePipeline{}
	s, _ := newTestScheduler(t, chat, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat.cancel = cancel

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Run(ctx))

	assert.Len(t, pipeline.spawned, 1, "replayed event must not spawn twice")
	assert.Equal(t, int64(1), s.Stats().Deduped)
}

func TestRunRoutesPipelineFailure(t *testing.T) {
	chat := &fakeChat{responses: []*matrix.SyncResponse{
		{NextBatch: "tok0"},
		syncWithEvents("tok1", messageEvent("$evt1", "@alice:example.org", "Fix it")),
	}}
	pipeline := &fakePipeline{spawnErr: fmt.Errorf("fork exploded")}
	s, _ := newTestScheduler(t, chat, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat.cancel = cancel

	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Run(ctx))

	require.Len(t, pipeline.failed, 1)
	assert.Equal(t, "$evt1", pipeline.failed[0].eventID)
	assert.Equal(t, int64(1), s.Stats().Failed)
	assert.Equal(t, int64(0), s.Stats().Processed)
}

func TestRunAbortsOnPersistenceFailure(t *testing.T) {
	chat := &fakeChat{responses: []*matrix.SyncResponse{
		{NextBatch: "tok0"},
		syncWithEvents("tok1", messageEvent("$evt1", "@alice:example.org", "Fix it")),
	}}
	pipeline := &fakePipeline{spawnErr: fmt.Errorf("%w: disk full", spawner.ErrPersistence)}
	s, _ := newTestScheduler(t, chat, pipeline)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chat.cancel = cancel

	require.NoError(t, s.Initialize(ctx))
	err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, spawner.ErrPersistence)
	assert.Empty(t, pipeline.failed, "persistence failures must not be swallowed into a failure marker")
}
