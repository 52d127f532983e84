package transcript

import (
	"context"
	"time"
)

// TurnRecord stores one side of a conversational turn: the user's transcript
// or the avatar's spoken reply.
type TurnRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleUser   = "user"
	RoleAvatar = "avatar"
)

// Store persists and retrieves conversation transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
