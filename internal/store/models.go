package store

import "time"

type User struct {
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt    time.Time `json:"created_at"`
}

// Session groups the exchanges of one conversation under its owner.
type Session struct {
	SessionID  string    `json:"session_id"` // client-generated
	OwnerEmail string    `json:"owner_email"`
	CreatedAt  time.Time `json:"created_at"`
}

// Exchange is one persisted query/response pair.
type Exchange struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	Query     string    `json:"query"`
	Response  string    `json:"response"` // rendered HTML
	CreatedAt time.Time `json:"created_at"`
}
