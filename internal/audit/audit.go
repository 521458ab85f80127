// Package audit keeps an append-only trail of safety-relevant bridge
// decisions: emergency stops, latch clears, and command failures. Entries go
// to a JSONL file and, when configured, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Decision values recorded in the trail.
const (
	DecisionEmergencyStop  = "emergency_stop"
	DecisionEmergencyClear = "emergency_clear"
	DecisionCommandFailed  = "command_failed"
	DecisionSafetyWarning  = "safety_warning"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	stopCount atomic.Int64
)

// Init opens the JSONL trail at <homeDir>/logs/audit.jsonl. Calling Init
// twice is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// StopCount returns how many emergency stops have been recorded since
// startup.
func StopCount() int64 {
	return stopCount.Load()
}

// Record appends one audit entry. It never fails the caller: a broken sink
// loses the entry, nothing else.
func Record(decision, action, reason, subject string) {
	if decision == DecisionEmergencyStop {
		stopCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (subject, action, decision, reason)
			VALUES (?, ?, ?, ?);
		`, subject, action, decision, reason)
	}
}
