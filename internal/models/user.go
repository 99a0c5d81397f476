package models

import "time"

const (
	ProviderEmail  = "email"
	ProviderGoogle = "google"
)

// User is an account that owns CVs and a chat history.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"created_at"`
}
