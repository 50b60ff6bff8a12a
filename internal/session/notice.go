package session

import (
	"time"

	"github.com/google/uuid"
)

// NoticeLevel grades user-visible messages
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
)

// Notice is a transient, auto-dismissing message for the UI shell. Failure
// paths surface notices, never modal errors: the call surface always returns
// to idle.
type Notice struct {
	ID        string      `json:"id"`
	Level     NoticeLevel `json:"level"`
	Message   string      `json:"message"`
	CreatedAt time.Time   `json:"created_at"`
}

const (
	noticeTTL  = 10 * time.Second
	maxNotices = 10
)

func newNotice(level NoticeLevel, message string) Notice {
	return Notice{
		ID:        uuid.NewString(),
		Level:     level,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// pruneNotices drops expired notices and caps the backlog
func pruneNotices(notices []Notice, now time.Time) []Notice {
	kept := notices[:0]
	for _, n := range notices {
		if now.Sub(n.CreatedAt) < noticeTTL {
			kept = append(kept, n)
		}
	}
	if len(kept) > maxNotices {
		kept = kept[len(kept)-maxNotices:]
	}
	return kept
}
