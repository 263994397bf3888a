// Package queue persists captured voice/text commands in a local sqlite
// store until they are processed into task mutations.
package queue

import "time"

// Command lifecycle statuses.
const (
	StatusQueued       = "queued"
	StatusRecorded     = "recorded"
	StatusTranscribing = "transcribing"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
)

// Command is a locally-originated user command awaiting processing.
// Unlike tasks, commands are owned by this store.
type Command struct {
	ID            string
	Text          string
	Transcription string
	Status        string
	Failed        bool
	ActionNeeded  bool
	AudioPath     string
	PhotoPaths    []string
	ErrorMessage  string
	CreatedAt     time.Time
}

// EffectiveText returns the transcription when one exists, the raw text
// otherwise.
func (c Command) EffectiveText() string {
	if c.Transcription != "" {
		return c.Transcription
	}
	return c.Text
}
