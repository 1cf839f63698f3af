// Package reconciler converges the declared workspace and project
// configuration onto the chat hierarchy and the sandbox fleet. It is
// idempotent and runs on every boot.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/config"
	"github.com/roomspark/roomspark/internal/common/logger"
	"github.com/roomspark/roomspark/internal/events/bus"
	"github.com/roomspark/roomspark/internal/spark"
	"github.com/roomspark/roomspark/internal/statestore"
)

// ChatAPI is the chat capability the reconciler needs.
type ChatAPI interface {
	EnsureJoinedRoom(ctx context.Context, roomID string) error
	CreateSpace(ctx context.Context, name, topic string, invites []string) (string, error)
	CreateRoom(ctx context.Context, name, topic string, invites []string) (string, error)
	LinkRoomUnderSpace(ctx context.Context, parentID, childID string) error
	EnsureInvites(ctx context.Context, roomID string, userIDs []string) error
}

// SandboxAPI is the sandbox capability the reconciler needs.
type SandboxAPI interface {
	EnsureWorkVolume(ctx context.Context, project, volume string) error
	EnsureMainSandbox(ctx context.Context, spec spark.MainSandboxSpec) error
	EnsureRepoInMainSandbox(ctx context.Context, spec spark.RepoSyncSpec) error
	RunBootstrap(ctx context.Context, spec spark.BootstrapSpec) error
}

// Reconciler converges config onto external resources.
type Reconciler struct {
	chat     ChatAPI
	sandbox  SandboxAPI
	store    *statestore.Store
	cfg      *config.Config
	eventBus bus.EventBus
	logger   *logger.Logger
}

// New creates a reconciler.
func New(chat ChatAPI, sandbox SandboxAPI, store *statestore.Store, cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) *Reconciler {
	return &Reconciler{
		chat:     chat,
		sandbox:  sandbox,
		store:    store,
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.WithFields(zap.String("component", "reconciler")),
	}
}

// Reconcile converges the workspace space, every declared project's spaces
// and lobby, and each project's sandbox side. State is persisted exactly
// once at the end. Chat failures on recorded resources clear the stored ID
// and fall through to re-creation; failures creating new resources abort.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	team := r.cfg.Workspace.TeamMembers

	workspaceSpaceID, err := r.reconcileWorkspace(ctx)
	if err != nil {
		return err
	}

	for i := range r.cfg.Projects {
		project := &r.cfg.Projects[i]

		var existingSpaceID, existingLobbyID string
		if rec := r.store.State().Projects[project.Key]; rec != nil {
			existingSpaceID = rec.ProjectSpaceID
			existingLobbyID = rec.LobbyRoomID
		}

		spaceID, err := r.resolveOrCreateRoom(ctx, existingSpaceID, team, func() (string, error) {
			return r.chat.CreateSpace(ctx, project.DisplayName, "", team)
		})
		if err != nil {
			return fmt.Errorf("project %s: provision project space: %w", project.Key, err)
		}

		if err := r.chat.LinkRoomUnderSpace(ctx, workspaceSpaceID, spaceID); err != nil {
			return fmt.Errorf("project %s: link project space: %w", project.Key, err)
		}
		if err := r.chat.EnsureInvites(ctx, spaceID, team); err != nil {
			return fmt.Errorf("project %s: invite to project space: %w", project.Key, err)
		}

		lobbyID, err := r.resolveOrCreateRoom(ctx, existingLobbyID, team, func() (string, error) {
			return r.chat.CreateRoom(ctx, project.Matrix.LobbyRoomName, "Post a message here to start a task", team)
		})
		if err != nil {
			return fmt.Errorf("project %s: provision lobby: %w", project.Key, err)
		}

		if err := r.chat.LinkRoomUnderSpace(ctx, spaceID, lobbyID); err != nil {
			return fmt.Errorf("project %s: link lobby: %w", project.Key, err)
		}
		if err := r.chat.EnsureInvites(ctx, lobbyID, team); err != nil {
			return fmt.Errorf("project %s: invite to lobby: %w", project.Key, err)
		}

		if err := r.reconcileSandbox(ctx, project); err != nil {
			return fmt.Errorf("project %s: sandbox: %w", project.Key, err)
		}

		r.store.Update(func(s *statestore.State) {
			rec := s.Projects[project.Key]
			if rec == nil {
				rec = &statestore.ProjectRecord{}
				s.Projects[project.Key] = rec
			}
			rec.DisplayName = project.DisplayName
			rec.ProjectSpaceID = spaceID
			rec.LobbyRoomID = lobbyID
			rec.LobbyRoomName = project.Matrix.LobbyRoomName
			rec.Spark = statestore.SparkShape{
				Project:       project.Spark.Project,
				Base:          project.Spark.Base,
				MainSandbox:   project.Spark.MainSpark,
				WorkVolume:    project.Spark.Work.Volume,
				WorkMountPath: project.Spark.Work.MountPath,
			}
			rec.UpdatedAt = time.Now().UTC()
		})

		r.logger.Info("project reconciled",
			zap.String("project", project.Key),
			zap.String("project_space_id", spaceID),
			zap.String("lobby_room_id", lobbyID))
	}

	if err := r.store.Save(); err != nil {
		return fmt.Errorf("persist reconciled state: %w", err)
	}

	if r.eventBus != nil {
		_ = r.eventBus.Publish(ctx, bus.SubjectReconcileCompleted,
			bus.NewEvent(bus.SubjectReconcileCompleted, "reconciler", map[string]any{
				"projects": len(r.cfg.Projects),
			}))
	}
	return nil
}

func (r *Reconciler) reconcileWorkspace(ctx context.Context) (string, error) {
	team := r.cfg.Workspace.TeamMembers

	spaceID, err := r.resolveOrCreateRoom(ctx, r.store.State().Workspace.SpaceID, team, func() (string, error) {
		return r.chat.CreateSpace(ctx, r.cfg.Workspace.Name, r.cfg.Workspace.Topic, team)
	})
	if err != nil {
		return "", fmt.Errorf("provision workspace space: %w", err)
	}

	r.store.Update(func(s *statestore.State) {
		s.Workspace.Name = r.cfg.Workspace.Name
		s.Workspace.Topic = r.cfg.Workspace.Topic
		s.Workspace.SpaceID = spaceID
		s.Workspace.UpdatedAt = time.Now().UTC()
	})
	return spaceID, nil
}

// resolveOrCreateRoom confirms a recorded room is still reachable, or
// creates a fresh one. A failure against the recorded ID is logged and
// treated as "resource gone"; a failure creating a new resource aborts.
func (r *Reconciler) resolveOrCreateRoom(ctx context.Context, existingID string, team []string, create func() (string, error)) (string, error) {
	if existingID != "" {
		err := r.chat.EnsureJoinedRoom(ctx, existingID)
		if err == nil {
			if err := r.chat.EnsureInvites(ctx, existingID, team); err == nil {
				return existingID, nil
			} else {
				r.logger.Warn("stored room unreachable for invites, re-creating",
					zap.String("room_id", existingID), zap.Error(err))
			}
		} else {
			r.logger.Warn("stored room unreachable, re-creating",
				zap.String("room_id", existingID), zap.Error(err))
		}
	}
	return create()
}

func (r *Reconciler) reconcileSandbox(ctx context.Context, project *config.ProjectConfig) error {
	sp := project.Spark

	if err := r.sandbox.EnsureWorkVolume(ctx, sp.Project, sp.Work.Volume); err != nil {
		return err
	}
	if err := r.sandbox.EnsureMainSandbox(ctx, spark.MainSandboxSpec{
		Project:       sp.Project,
		Base:          sp.Base,
		MainSandbox:   sp.MainSpark,
		WorkVolume:    sp.Work.Volume,
		WorkMountPath: sp.Work.MountPath,
	}); err != nil {
		return err
	}

	workdir := RepoWorkdir(r.cfg, project)
	if err := r.sandbox.EnsureRepoInMainSandbox(ctx, spark.RepoSyncSpec{
		Project:     sp.Project,
		SandboxName: sp.MainSpark,
		Repo:        project.Repo,
		Branch:      project.DefaultBranch,
		Workdir:     workdir,
	}); err != nil {
		return err
	}

	return r.sandbox.RunBootstrap(ctx, spark.BootstrapSpec{
		Project:     sp.Project,
		SandboxName: sp.MainSpark,
		Workdir:     workdir,
		ScriptPath:  sp.Bootstrap.ScriptIfExists,
		TimeoutSec:  sp.Bootstrap.TimeoutSec,
		Retries:     sp.Bootstrap.Retries,
	})
}

// RepoWorkdir returns where the project repo lives inside its sandboxes:
// the configured bridge workdir, or <mount_path>/repo.
func RepoWorkdir(cfg *config.Config, project *config.ProjectConfig) string {
	if cfg.Runtime.BridgeWorkdir != "" {
		return cfg.Runtime.BridgeWorkdir
	}
	return project.Spark.Work.MountPath + "/repo"
}
