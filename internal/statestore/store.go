// Package statestore persists the orchestrator's view of workspaces,
// projects, tasks, and processed chat events as a single JSON snapshot.
// Writes are crash-safe: serialize to a temp file, fsync, atomic rename.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomspark/roomspark/internal/common/logger"
)

// SchemaVersion is the current snapshot schema version.
const SchemaVersion = 1

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskStatusWaiting    TaskStatus = "waiting"
	TaskStatusActive     TaskStatus = "active"
	TaskStatusNeedsInput TaskStatus = "needs_input"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusError      TaskStatus = "error"
)

func validStatus(s TaskStatus) bool {
	switch s {
	case TaskStatusWaiting, TaskStatusActive, TaskStatusNeedsInput, TaskStatusCompleted, TaskStatusError:
		return true
	}
	return false
}

// WorkspaceRecord is the singleton workspace entry.
type WorkspaceRecord struct {
	Name      string    `json:"name,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	SpaceID   string    `json:"spaceId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// SparkShape captures the provisioned sandbox coordinates for a project.
type SparkShape struct {
	Project       string `json:"project,omitempty"`
	Base          string `json:"base,omitempty"`
	MainSandbox   string `json:"mainSandbox,omitempty"`
	WorkVolume    string `json:"workVolume,omitempty"`
	WorkMountPath string `json:"workMountPath,omitempty"`
}

// ProjectRecord is the persisted state for one declared project.
type ProjectRecord struct {
	DisplayName    string     `json:"displayName,omitempty"`
	ProjectSpaceID string     `json:"projectSpaceId,omitempty"`
	LobbyRoomID    string     `json:"lobbyRoomId,omitempty"`
	LobbyRoomName  string     `json:"lobbyRoomName,omitempty"`
	Spark          SparkShape `json:"spark"`
	UpdatedAt      time.Time  `json:"updatedAt,omitempty"`
}

// BridgeInfo records what the bridge launch reported.
type BridgeInfo struct {
	PID       int    `json:"pid,omitempty"`
	ProcessID string `json:"processId,omitempty"`
	RawOutput string `json:"rawOutput,omitempty"`
}

// TaskRecord is one accepted work request.
type TaskRecord struct {
	ID             string     `json:"id"`
	ProjectKey     string     `json:"projectKey"`
	LobbyRoomID    string     `json:"lobbyRoomId"`
	LobbyEventID   string     `json:"lobbyEventId"`
	TaskRoomID     string     `json:"taskRoomId,omitempty"`
	TaskRoomName   string     `json:"taskRoomName,omitempty"`
	SandboxProject string     `json:"sandboxProject,omitempty"`
	SandboxName    string     `json:"sandboxName,omitempty"`
	Status         TaskStatus `json:"status"`
	StatusReason   string     `json:"statusReason,omitempty"`
	Bridge         BridgeInfo `json:"bridge"`
	InitialPrompt  string     `json:"initialPrompt"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// State is the full persisted snapshot.
type State struct {
	Version    int                       `json:"version"`
	Workspace  WorkspaceRecord           `json:"workspace"`
	Projects   map[string]*ProjectRecord `json:"projects"`
	Tasks      map[string]*TaskRecord    `json:"tasks"`
	EventIndex map[string]string         `json:"eventIndex"`
}

// NewState returns an empty snapshot at the current schema version.
func NewState() *State {
	return &State{
		Version:    SchemaVersion,
		Projects:   make(map[string]*ProjectRecord),
		Tasks:      make(map[string]*TaskRecord),
		EventIndex: make(map[string]string),
	}
}

// EventKey builds the dedupe key for a chat event.
func EventKey(roomID, eventID string) string {
	return roomID + ":" + eventID
}

// Sanitize drops records that would poison startup: tasks missing required
// fields or carrying an unknown status, and index entries without a value.
// Sanitize is idempotent.
func Sanitize(s *State) *State {
	if s == nil {
		return NewState()
	}
	s.Version = SchemaVersion
	if s.Projects == nil {
		s.Projects = make(map[string]*ProjectRecord)
	}
	if s.Tasks == nil {
		s.Tasks = make(map[string]*TaskRecord)
	}
	if s.EventIndex == nil {
		s.EventIndex = make(map[string]string)
	}
	for key, rec := range s.Projects {
		if key == "" || rec == nil {
			delete(s.Projects, key)
		}
	}
	for id, task := range s.Tasks {
		if task == nil || task.ID == "" || task.ProjectKey == "" ||
			task.LobbyRoomID == "" || task.LobbyEventID == "" ||
			task.InitialPrompt == "" || !validStatus(task.Status) {
			delete(s.Tasks, id)
		}
	}
	for key, value := range s.EventIndex {
		if key == "" || value == "" {
			delete(s.EventIndex, key)
		}
	}
	return s
}

// Store owns the snapshot file. The orchestrator loop is the only writer;
// the read lock exists for the operational HTTP API.
type Store struct {
	path   string
	logger *logger.Logger

	mu    sync.RWMutex
	state *State
}

// Open loads the snapshot at path. A missing or corrupt file yields an
// empty state rather than an error.
func Open(path string, log *logger.Logger) (*Store, error) {
	st := &Store{path: path, logger: log.WithFields(zap.String("component", "statestore"))}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		st.state = NewState()
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		st.logger.Warn("state file is corrupt, starting from empty state",
			zap.String("path", path), zap.Error(err))
		st.state = NewState()
		return st, nil
	}
	st.state = Sanitize(&s)
	return st, nil
}

// State returns the live snapshot for READ access on the orchestrator
// loop. All mutations must go through Update so they are serialized
// against Snapshot readers.
func (st *Store) State() *State {
	return st.state
}

// Update runs fn with exclusive access to the live state. Callers must
// follow up with Save; fn must not call back into the store.
func (st *Store) Update(fn func(*State)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.state)
}

// Snapshot returns a deep copy for concurrent readers.
func (st *Store) Snapshot() *State {
	st.mu.RLock()
	defer st.mu.RUnlock()

	data, err := json.Marshal(st.state)
	if err != nil {
		return NewState()
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return NewState()
	}
	return Sanitize(&out)
}

// HasProcessedEvent reports whether the event is already in the index.
func (st *Store) HasProcessedEvent(roomID, eventID string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.state.EventIndex[EventKey(roomID, eventID)]
	return ok
}

// MarkEventProcessed records the event as definitively handled. The value
// is either a task ID or a permanent failure marker.
func (st *Store) MarkEventProcessed(roomID, eventID, value string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.EventIndex[EventKey(roomID, eventID)] = value
}

// Save writes the snapshot atomically: temp file with a unique suffix,
// fsync, rename over the canonical path, then a best-effort directory
// fsync. Errors are fatal for the caller; the orchestrator must not keep
// running if it cannot persist progress.
func (st *Store) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := st.path + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename state file: %w", err)
	}

	// Directory fsync is best-effort; some filesystems do not support it.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// Path returns the canonical snapshot path.
func (st *Store) Path() string {
	return st.path
}
