// Package gateway announces simulation events on chat platforms.
package gateway

import (
	"context"
	"time"
)

// AnnouncementType categorizes an announcement.
type AnnouncementType string

const (
	AnnounceDialogue   AnnouncementType = "dialogue"
	AnnounceExamReport AnnouncementType = "exam_report"
	AnnounceDay        AnnouncementType = "day"
)

// Announcement is a message pushed to every registered platform.
type Announcement struct {
	Type      AnnouncementType `json:"type"`
	Title     string           `json:"title"`
	Content   string           `json:"content"`
	Agent     string           `json:"agent,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Text renders the announcement as a single chat message.
func (a *Announcement) Text() string {
	if a.Title == "" {
		return a.Content
	}
	return "*" + a.Title + "*\n" + a.Content
}

// Announcer is the interface every platform implements.
type Announcer interface {
	Platform() string
	Connect(ctx context.Context) error
	Announce(ctx context.Context, a *Announcement) error
	Close() error
}

// Status reports an announcer's connection state.
type Status struct {
	Platform    string     `json:"platform"`
	Connected   bool       `json:"connected"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
