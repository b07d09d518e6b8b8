// Package domain contains core domain types for the agentroom server.
package domain

import (
	"time"
)

// Room is an ordered message stream scoped to one tenant.
type Room struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"-"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantKey maps the hash of an issued API key to its tenant.
type TenantKey struct {
	Hash      string
	TenantID  string
	CreatedAt time.Time
}

// LinkPreview is a cached unfurl result for a URL.
type LinkPreview struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	SiteName    string    `json:"site_name,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Fresh reports whether the preview is younger than ttl.
func (p *LinkPreview) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.FetchedAt) < ttl
}
