package types

import "time"

// FetchEvent records which tier served one user-facing read.
type FetchEvent struct {
	Pipeline   string        `json:"pipeline"`
	Key        string        `json:"key"`
	Provenance Provenance    `json:"provenance"`
	Stale      bool          `json:"stale,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	At         time.Time     `json:"at"`
}

// Fields renders the event for structured logging.
func (e FetchEvent) Fields() map[string]interface{} {
	f := map[string]interface{}{
		"pipeline":   e.Pipeline,
		"key":        e.Key,
		"provenance": string(e.Provenance),
		"duration":   e.Duration.String(),
	}
	if e.Stale {
		f["stale"] = true
	}
	if e.Error != "" {
		f["error"] = e.Error
	}
	return f
}
