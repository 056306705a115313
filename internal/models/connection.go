package models

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies a calendar provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderMicrosoft:
		return true
	}
	return false
}

// SyncStatus is the outcome recorded on a connection after a sync attempt.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial"
	SyncStatusFailed  SyncStatus = "failed"
)

// CalendarConnection is a user's link to one calendar provider account.
// Token fields hold sealed material and are never exposed over the API.
type CalendarConnection struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id"`
	Provider       Provider  `json:"provider"`

	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenExpiry  time.Time `json:"token_expiry"`
	NeedsReauth  bool      `json:"needs_reauth"`

	SyncEnabled bool `json:"sync_enabled"`

	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	LastSyncStatus SyncStatus `json:"last_sync_status,omitempty"`
	LastSyncError  string     `json:"last_sync_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialUpdate is the token material written back after a refresh.
// Both fields are sealed; an empty RefreshToken keeps the stored one.
type CredentialUpdate struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// SyncStatusUpdate is the bookkeeping written at the end of every sync attempt.
type SyncStatusUpdate struct {
	At     time.Time
	Status SyncStatus
	Error  string
}
