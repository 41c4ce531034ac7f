// Package notice defines core types shared across the ingestion pipeline.
package notice

import "time"

// StatusCode classifies the outcome of one polling cycle.
type StatusCode int

// Status codes persisted to the status table. The numeric values are part of
// the stored data and must stay stable.
const (
	StatusSynced            StatusCode = 0
	StatusErrorLoginGateway StatusCode = 1
	StatusErrorLoginPortal  StatusCode = 2
	StatusErrorDownload     StatusCode = 3
)

// String returns the label used in logs and the status feed.
func (c StatusCode) String() string {
	switch c {
	case StatusSynced:
		return "SYNCED"
	case StatusErrorLoginGateway:
		return "ERROR-LOGIN-GATEWAY"
	case StatusErrorLoginPortal:
		return "ERROR-LOGIN-PORTAL"
	case StatusErrorDownload:
		return "ERROR-DOWNLOAD"
	default:
		return "UNKNOWN"
	}
}

// Notice is a single announcement persisted from the portal feed.
type Notice struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Author      string       `json:"author"`
	HTML        string       `json:"html"`
	Summary     string       `json:"summary"`
	URL         string       `json:"url"`
	CreatedAt   time.Time    `json:"created_at"`
	IsPushed    bool         `json:"is_pushed"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a downloadable file linked from a notice detail page. Its
// lifetime is tied to the owning notice.
type Attachment struct {
	NoticeID string `json:"notice_id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
}

// Draft is a notice as assembled by the scraper, before the persistence
// gateway has accepted it.
type Draft struct {
	ID          string
	Title       string
	Author      string
	HTML        string
	Summary     string
	URL         string
	CreatedAt   time.Time
	Attachments []Attachment
}

// StatusRecord is one append-only row of cycle-outcome telemetry.
type StatusRecord struct {
	Code StatusCode `json:"code"`
	Time time.Time  `json:"time"`
}
