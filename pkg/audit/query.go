package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// QueryOpts specifies filter criteria for reading the audit log.
type QueryOpts struct {
	// SessionID filters records to a single session.
	SessionID string

	// HookName filters to a specific hook event name.
	HookName string

	// Result filters on the response event_result (e.g. "blocked").
	Result string

	// Limit keeps only the newest N matching records (0 = no limit).
	Limit int
}

// Query reads the audit log and returns matching records in file order,
// oldest first, keeping at most opts.Limit of the newest. Unparseable lines
// are skipped; a missing file yields no records.
func Query(path string, opts QueryOpts) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if !matches(rec, opts) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("scan audit log: %w", err)
	}
	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[len(records)-opts.Limit:]
	}
	return records, nil
}

func matches(rec Record, opts QueryOpts) bool {
	if opts.SessionID != "" && rec.SessionID != opts.SessionID {
		return false
	}
	if opts.HookName != "" && rec.HookName != opts.HookName {
		return false
	}
	if opts.Result != "" && resultOf(rec) != opts.Result {
		return false
	}
	return true
}

// resultOf extracts the event_result from a record's response, "" if absent.
func resultOf(rec Record) string {
	resp, ok := rec.Response.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := resp["event_result"].(string)
	return s
}
