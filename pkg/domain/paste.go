package domain

// Paste is the sole persisted entity. Timestamps are unix seconds; the id
// is assigned by the store, never reused, and doubles as the high-water
// mark for total records ever created.
type Paste struct {
	ID               int64  `json:"id"`
	Token            string `json:"token"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	Language         string `json:"language"`
	CreatedAt        int64  `json:"created_at"`
	ExpiresAt        int64  `json:"expires_at"`
	OriginalDuration int64  `json:"original_duration"`
	Views            int64  `json:"views"`
	MaxViews         *int64 `json:"max_views,omitempty"`
	IsPublic         bool   `json:"is_public"`
}

// BurnLimited reports whether the record self-deletes after a fixed number
// of reads. A max_views of zero or less counts as unlimited.
func (p *Paste) BurnLimited() bool {
	return p.MaxViews != nil && *p.MaxViews > 0
}

// RemainingViews returns how many more reads are guaranteed after the read
// that produced this snapshot.
func (p *Paste) RemainingViews() int64 {
	if !p.BurnLimited() {
		return 0
	}
	r := *p.MaxViews - p.Views
	if r < 0 {
		return 0
	}
	return r
}

type CreateParams struct {
	Title       string
	Content     string
	ExpiresIn   int64 // requested TTL, seconds
	TokenLength int
	Language    string
	MaxViews    *int64
	IsPublic    bool
}

type Stats struct {
	TotalCreated int64 `json:"total_created"`
	Live         int64 `json:"live"`
	Faded        int64 `json:"faded"`
	Public       int64 `json:"public"`
}
