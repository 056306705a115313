package models

import (
	"time"

	"github.com/google/uuid"
)

// SyncResult summarises one sync run for one connection.
type SyncResult struct {
	ConnectionID   uuid.UUID  `json:"connection_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Provider       Provider   `json:"provider,omitempty"`
	Status         SyncStatus `json:"status"`

	Synced  int      `json:"synced"`
	New     int      `json:"new"`
	Updated int      `json:"updated"`
	Deleted int      `json:"deleted"`
	Errors  []string `json:"errors"`

	// Error is set when the run failed as a whole.
	Error string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Changed holds the ids of meetings inserted or updated in this run.
	Changed []uuid.UUID `json:"-"`
}

// AddError appends an item-level error message.
func (r *SyncResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
}

// FinalStatus derives success or partial from the accumulated item errors.
func (r *SyncResult) FinalStatus() SyncStatus {
	if len(r.Errors) > 0 {
		return SyncStatusPartial
	}
	return SyncStatusSuccess
}

// SyncCompletedEvent is the payload published after each sync attempt.
type SyncCompletedEvent struct {
	ConnectionID   uuid.UUID  `json:"connection_id"`
	OrganizationID uuid.UUID  `json:"organization_id"`
	Status         SyncStatus `json:"status"`
	Synced         int        `json:"synced"`
	New            int        `json:"new"`
	Updated        int        `json:"updated"`
	Deleted        int        `json:"deleted"`
	Errors         []string   `json:"errors"`
	FinishedAt     time.Time  `json:"finished_at"`
}

// CompletedEvent builds the outbox payload for r.
func (r *SyncResult) CompletedEvent() SyncCompletedEvent {
	return SyncCompletedEvent{
		ConnectionID:   r.ConnectionID,
		OrganizationID: r.OrganizationID,
		Status:         r.Status,
		Synced:         r.Synced,
		New:            r.New,
		Updated:        r.Updated,
		Deleted:        r.Deleted,
		Errors:         r.Errors,
		FinishedAt:     r.FinishedAt,
	}
}
