package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func tempLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "logs", "events.jsonl")
}

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	path := tempLog(t)
	w := NewWriter(path, true)

	payload := map[string]any{"input": "hi", "event_type": "user_agt"}
	response := map[string]any{"event_result": "passed"}
	if err := w.Append("inv-1", "UserPromptSubmit", "s1", payload, response); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := w.Append("inv-2", "Stop", "s1", payload, TelemetrySkipped()); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		records = append(records, rec)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].HookName != "UserPromptSubmit" || records[0].InvocationID != "inv-1" {
		t.Errorf("first record wrong: %+v", records[0])
	}
	if records[0].Timestamp == "" {
		t.Error("timestamp missing")
	}
	resp := records[1].Response.(map[string]any)
	if resp["event_result"] != "telemetry_skipped" {
		t.Errorf("synthetic response wrong: %v", resp)
	}
}

func TestDisabledWriterDropsRecords(t *testing.T) {
	path := tempLog(t)
	w := NewWriter(path, false)
	if err := w.Append("inv", "Stop", "s", nil, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("disabled writer created the log file")
	}
}

func TestSyntheticResponses(t *testing.T) {
	if TelemetrySkipped()["event_result"] != "telemetry_skipped" {
		t.Error("telemetry synthetic wrong")
	}
	if LLMLocalOnly()["event_result"] != "llm_local_only" {
		t.Error("llm synthetic wrong")
	}
}
