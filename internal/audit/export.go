package audit

import (
	"bytes"
	"encoding/csv"
	"strconv"
	"time"
)

var exportHeader = []string{
	"id", "timestamp", "actor_account_id", "actor_name", "actor_role", "action",
	"resource_type", "resource_id", "resource_name", "details", "is_success", "error_message",
}

// Export renders entries as CSV. It performs no authorization; callers pass
// entries they already obtained through Query or Search.
func Export(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			deref(e.ActorAccountID),
			e.ActorName,
			string(e.ActorRole),
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.ResourceName,
			e.Details,
			strconv.FormatBool(e.IsSuccess),
			deref(e.ErrorMessage),
		}
		for i := range row {
			row[i] = neutralize(row[i])
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// neutralize stops spreadsheet applications from evaluating cell values.
func neutralize(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}
