package matrix

import "strings"

// SyncResponse is the subset of the /sync response the orchestrator reads.
type SyncResponse struct {
	NextBatch string    `json:"next_batch"`
	Rooms     SyncRooms `json:"rooms"`
}

// SyncRooms holds the joined-room section of a sync response.
type SyncRooms struct {
	Join map[string]JoinedRoomSync `json:"join"`
}

// JoinedRoomSync is the per-room payload inside a sync response.
type JoinedRoomSync struct {
	Timeline Timeline `json:"timeline"`
}

// Timeline is the ordered event list for one room.
type Timeline struct {
	Events []RoomEvent `json:"events"`
}

// RoomEvent is a single timeline event.
type RoomEvent struct {
	Type           string         `json:"type"`
	EventID        string         `json:"event_id"`
	Sender         string         `json:"sender"`
	StateKey       *string        `json:"state_key,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
}

// MessageBody returns the trimmed text body of a message event, or "".
func (e *RoomEvent) MessageBody() string {
	if e.Content == nil {
		return ""
	}
	body, _ := e.Content["body"].(string)
	return strings.TrimSpace(body)
}

type versionsResponse struct {
	Versions []string `json:"versions"`
}

type whoamiResponse struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

type joinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

type sendResponse struct {
	EventID string `json:"event_id"`
}

type membersResponse struct {
	Chunk []memberEvent `json:"chunk"`
}

type memberEvent struct {
	StateKey string `json:"state_key"`
	Content  struct {
		Membership string `json:"membership"`
	} `json:"content"`
}

type rateLimitBody struct {
	RetryAfterMs *int64 `json:"retry_after_ms"`
}
