package stores

import (
	"time"
)

// Deployment is the registry row for one deployment. The event log is
// authoritative for live status; the row carries the last derived
// status so listings do not have to re-fold every log.
type Deployment struct {
	ID           string     `json:"id"`
	Repo         string     `json:"repo"`
	Instructions string     `json:"instructions,omitempty"`
	Region       string     `json:"region"`
	Status       string     `json:"status"`
	PublicURL    *string    `json:"public_url,omitempty"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DestroyedAt  *time.Time `json:"destroyed_at,omitempty"`
}

// TTLEntry is a scheduled expiry for a deployment.
type TTLEntry struct {
	DeploymentID string    `json:"deployment_id"`
	TTLHours     int       `json:"ttl_hours"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Cancelled    bool      `json:"cancelled"`
}

// Expired reports whether the entry is past its expiry at the given
// time. Cancelled entries never expire.
func (t TTLEntry) Expired(now time.Time) bool {
	return !t.Cancelled && !now.Before(t.ExpiresAt)
}
