package request

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/accordhq/accord/internal/hub"
)

// HistoryEntry is one append-only status-transition record.
// Entries are immutable once written.
type HistoryEntry struct {
	TS          time.Time             `json:"ts"`
	RequestID   string                `json:"request_id"`
	FromStatus  Status                `json:"from_status"`
	ToStatus    Status                `json:"to_status"`
	Actor       string                `json:"actor"`
	DirectiveID string                `json:"directive_id,omitempty"`
	Detail      string                `json:"detail,omitempty"`
	DurationMs  int64                 `json:"duration_ms,omitempty"`
	CostUSD     float64               `json:"cost_usd,omitempty"`
	NumTurns    int                   `json:"num_turns,omitempty"`
	Usage       *UsageTotals          `json:"usage,omitempty"`
	ModelUsage  map[string]ModelUsage `json:"model_usage,omitempty"`
}

// AppendHistory writes one JSONL line to the actor's file for the entry's
// day (comms/history/YYYY-MM-DD-{actor}.jsonl), creating it if needed.
func AppendHistory(root string, entry HistoryEntry) error {
	if entry.TS.IsZero() {
		entry.TS = time.Now()
	}
	if err := os.MkdirAll(hub.HistoryDir(root), 0750); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}

	path := hub.HistoryFile(root, entry.Actor, entry.TS)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600) //nolint:gosec // G304: path derives from hub root
	if err != nil {
		return fmt.Errorf("opening history file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// ReadHistory parses one history JSONL file. Malformed lines are skipped.
func ReadHistory(path string) ([]HistoryEntry, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path derives from hub root
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
