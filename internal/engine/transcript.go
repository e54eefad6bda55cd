package engine

import (
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"foreman/internal/domain"
)

// Transcript kinds.
const (
	KindModel        = "model"
	KindTool         = "tool"
	KindVerification = "verification"
	KindRouting      = "routing"
	KindFailure      = "failure"
	KindPolicy       = "policy"
)

// Transcript is the shared, append-only log of a session. Every turn reads
// it through Tail when building prompts.
type Transcript struct {
	mu      sync.Mutex
	entries []domain.TranscriptEntry
	now     func() time.Time
}

func NewTranscript(now func() time.Time) *Transcript {
	if now == nil {
		now = time.Now
	}
	return &Transcript{now: now}
}

func (t *Transcript) Append(issueID, seat, kind, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, domain.TranscriptEntry{
		IssueID: issueID,
		Seat:    seat,
		Kind:    kind,
		Content: content,
		TS:      t.now().UTC().Format(time.RFC3339Nano),
	})
}

// Tail returns a copy of the last n entries; n <= 0 returns all.
func (t *Transcript) Tail(n int) []domain.TranscriptEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := 0
	if n > 0 && len(t.entries) > n {
		start = len(t.entries) - n
	}
	return append([]domain.TranscriptEntry(nil), t.entries[start:]...)
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func digest(entries []domain.TranscriptEntry) string {
	b, _ := json.Marshal(entries)
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
