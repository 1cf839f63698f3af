// Package identifiers derives deterministic task, sandbox, and room
// identifiers from a project key, a prompt, and the originating lobby
// event.
package identifiers

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"time"
)

const (
	maxSlugLen        = 24
	maxSandboxNameLen = 63

	slugFallback = "task"
)

// TaskIdentifiers is the derived identifier set for one task.
type TaskIdentifiers struct {
	TaskID      string
	SandboxName string
	RoomLabel   string
}

// Build derives identifiers. Repeated calls with identical inputs yield
// identical results; the sandbox name never exceeds 63 characters.
func Build(projectKey, prompt, lobbyEventID string, now time.Time) TaskIdentifiers {
	timestamp := now.UTC().Format("20060102150405")
	hash := shortHash(projectKey + ":" + lobbyEventID)
	slug := Slugify(prompt, slugFallback, maxSlugLen)

	return TaskIdentifiers{
		TaskID:      projectKey + "-" + timestamp + "-" + hash,
		SandboxName: truncate("task-"+timestamp+"-"+slug+"-"+hash, maxSandboxNameLen),
		RoomLabel:   slug + "-" + hash,
	}
}

func shortHash(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:6]
}

// Slugify lowercases, replaces non-alphanumeric runs with single dashes,
// trims edge dashes, and truncates. An empty result yields the fallback.
func Slugify(s, fallback string, maxLen int) string {
	var sb strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				sb.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(sb.String(), "-")
	if len(slug) > maxLen {
		slug = strings.Trim(slug[:maxLen], "-")
	}
	if slug == "" {
		return fallback
	}
	return slug
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
