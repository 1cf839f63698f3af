// Package scheduler drives the lobby sync loop: it verifies connectivity,
// reconciles declared resources, then long-polls the chat server and feeds
// accepted lobby messages into the task pipeline.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/matrix"
	"github.com/roomspark/roomspark/internal/orchestrator/spawner"
	"github.com/roomspark/roomspark/internal/statestore"
)

const syncErrorBackoff = 1500 * time.Millisecond

// ChatAPI is the chat capability the scheduler needs.
type ChatAPI interface {
	VerifyConnection(ctx context.Context) error
	Sync(ctx context.Context, since string, timeout time.Duration, roomIDs []string) (*matrix.SyncResponse, error)
}

// SandboxAPI is the sandbox capability the scheduler needs.
type SandboxAPI interface {
	VerifyAvailability(ctx context.Context) error
}

// Reconciler converges declared resources before the loop starts.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// TaskSpawner runs the pipeline for one accepted lobby message.
type TaskSpawner interface {
	SpawnTask(ctx context.Context, project *config.ProjectConfig, rec *statestore.ProjectRecord, ev matrix.RoomEvent) error
	MarkFailedEvent(ctx context.Context, project *config.ProjectConfig, rec *statestore.ProjectRecord, ev matrix.RoomEvent, cause error) error
}

// Stats are the loop counters exposed on the operational API.
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Deduped   int64 `json:"deduped"`
	Running   bool  `json:"running"`
}

// Scheduler owns the sync loop.
type Scheduler struct {
	chat       ChatAPI
	sandbox    SandboxAPI
	reconciler Reconciler
	pipeline   TaskSpawner
	store      *statestore.Store
	cfg        *config.Config
	logger     *logger.Logger

	sinceToken string
	lobbies    []lobbyBinding

	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	processed atomic.Int64
	failed    atomic.Int64
	deduped   atomic.Int64
	running   atomic.Bool

	sleep func(ctx context.Context, d time.Duration)
}

type lobbyBinding struct {
	project *config.ProjectConfig
	record  *statestore.ProjectRecord
}

// New creates a scheduler.
func New(chat ChatAPI, sandbox SandboxAPI, rec Reconciler, pipeline TaskSpawner, store *statestore.Store, cfg *config.Config, log *logger.Logger) *Scheduler {
	return &Scheduler{
		chat:       chat,
		sandbox:    sandbox,
		reconciler: rec,
		pipeline:   pipeline,
		store:      store,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "scheduler")),
		inFlight:   make(map[string]struct{}),
		sleep:      sleepCtx,
	}
}

// Initialize verifies both external systems, reconciles declared resources,
// and primes the sync token so only messages posted after startup are seen.
func (s *Scheduler) Initialize(ctx context.Context) error {
	if err := s.chat.VerifyConnection(ctx); err != nil {
		return err
	}
	if err := s.sandbox.VerifyAvailability(ctx); err != nil {
		return err
	}
	if err := s.reconciler.Reconcile(ctx); err != nil {
		return err
	}

	state := s.store.State()
	s.lobbies = s.lobbies[:0]
	for i := range s.cfg.Projects {
		project := &s.cfg.Projects[i]
		rec := state.Projects[project.Key]
		if rec == nil || rec.LobbyRoomID == "" {
			s.logger.Warn("project has no lobby after reconcile, skipping",
				zap.String("project", project.Key))
			continue
		}
		s.lobbies = append(s.lobbies, lobbyBinding{project: project, record: rec})
	}

	resp, err := s.chat.Sync(ctx, "", 0, s.lobbyRoomIDs())
	if err != nil {
		return err
	}
	s.sinceToken = resp.NextBatch

	s.logger.Info("scheduler initialized",
		zap.Int("lobbies", len(s.lobbies)),
		zap.String("since", s.sinceToken))
	return nil
}

// Run long-polls until the context is cancelled. Sync and handler errors
// are logged and retried after a short backoff without advancing the token;
// persistence failures abort the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	timeout := time.Duration(s.cfg.Runtime.SyncTimeoutMs) * time.Millisecond
	for {
		if ctx.Err() != nil {
			return nil
		}

		resp, err := s.chat.Sync(ctx, s.sinceToken, timeout, s.lobbyRoomIDs())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("sync failed", zap.Error(err))
			s.sleep(ctx, syncErrorBackoff)
			continue
		}

		if err := s.handleSync(ctx, resp); err != nil {
			if errors.Is(err, spawner.ErrPersistence) {
				return err
			}
			s.logger.Warn("sync batch failed", zap.Error(err))
			s.sleep(ctx, syncErrorBackoff)
			continue
		}
		s.sinceToken = resp.NextBatch
	}
}

// Stats returns a copy of the loop counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Deduped:   s.deduped.Load(),
		Running:   s.running.Load(),
	}
}

func (s *Scheduler) lobbyRoomIDs() []string {
	ids := make([]string, 0, len(s.lobbies))
	for _, lb := range s.lobbies {
		ids = append(ids, lb.record.LobbyRoomID)
	}
	return ids
}

// handleSync walks lobby timelines in declared project order and hands
// each accepted message to the pipeline.
func (s *Scheduler) handleSync(ctx context.Context, resp *matrix.SyncResponse) error {
	for _, lb := range s.lobbies {
		room, ok := resp.Rooms.Join[lb.record.LobbyRoomID]
		if !ok {
			continue
		}
		for _, ev := range room.Timeline.Events {
			if !s.accepts(ev) {
				continue
			}
			if err := s.handleLobbyMessage(ctx, lb, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// accepts filters lobby events down to fresh human work requests.
func (s *Scheduler) accepts(ev matrix.RoomEvent) bool {
	if ev.Type != "m.room.message" || ev.EventID == "" || ev.Sender == "" {
		return false
	}
	if ev.Sender == s.cfg.BotUserID {
		return false
	}
	body := ev.MessageBody()
	if body == "" || strings.HasPrefix(body, "/") {
		return false
	}
	return true
}

func (s *Scheduler) handleLobbyMessage(ctx context.Context, lb lobbyBinding, ev matrix.RoomEvent) error {
	key := statestore.EventKey(lb.record.LobbyRoomID, ev.EventID)

	if s.store.HasProcessedEvent(lb.record.LobbyRoomID, ev.EventID) {
		s.deduped.Add(1)
		return nil
	}

	s.inFlightMu.Lock()
	if _, busy := s.inFlight[key]; busy {
		s.inFlightMu.Unlock()
		s.deduped.Add(1)
		return nil
	}
	s.inFlight[key] = struct{}{}
	s.inFlightMu.Unlock()

	defer func() {
		s.inFlightMu.Lock()
		delete(s.inFlight, key)
		s.inFlightMu.Unlock()
	}()

	if err := s.pipeline.SpawnTask(ctx, lb.project, lb.record, ev); err != nil {
		if errors.Is(err, spawner.ErrPersistence) {
			return err
		}
		s.failed.Add(1)
		return s.pipeline.MarkFailedEvent(ctx, lb.project, lb.record, ev, err)
	}
	s.processed.Add(1)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
