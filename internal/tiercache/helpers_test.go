package tiercache

import (
	"encoding/json"
	"strconv"
	"testing"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}
