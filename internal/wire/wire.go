// Package wire normalizes the loosely shaped JSON payloads of the chat
// backend (REST documents and socket events) into typed values.
package wire

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ValidationError reports a payload that cannot be turned into a typed value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid payload: " + e.Reason
	}
	return fmt.Sprintf("invalid payload: %s: %s", e.Field, e.Reason)
}

func parseObject(raw []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, &ValidationError{Reason: "not valid JSON"}
	}
	r := gjson.ParseBytes(raw)
	if !r.IsObject() {
		return gjson.Result{}, &ValidationError{Reason: "not a JSON object"}
	}
	return r, nil
}

// unwrap returns the nested document when the event wraps it in data or message.
func unwrap(r gjson.Result, marker string) gjson.Result {
	if r.Get(marker).Exists() {
		return r
	}
	for _, k := range []string{"data", "message"} {
		if inner := r.Get(k); inner.IsObject() {
			return inner
		}
	}
	return r
}

// str returns the first non-empty string among paths. Object values are
// reduced to their _id or id, so populated references read like plain ids.
func str(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		v := r.Get(p)
		if !v.Exists() {
			continue
		}
		if v.IsObject() {
			if id := str(v, "_id", "id"); id != "" {
				return id
			}
			continue
		}
		if s := strings.TrimSpace(v.String()); s != "" {
			return s
		}
	}
	return ""
}

// parseTime accepts an ISO-8601 string, a numeric string or a number of
// milliseconds since the epoch. ok is false when the field is absent.
func parseTime(v gjson.Result) (ms int64, ok bool, err error) {
	if !v.Exists() || v.Type == gjson.Null {
		return 0, false, nil
	}
	if v.Type == gjson.Number {
		return v.Int(), true, nil
	}
	s := strings.TrimSpace(v.String())
	if s == "" {
		return 0, false, nil
	}
	if n, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return n, true, nil
	}
	t, perr := time.Parse(time.RFC3339Nano, s)
	if perr != nil {
		return 0, true, perr
	}
	return t.UnixMilli(), true, nil
}

// truthy interprets the backend's mixed status conventions.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Int() >= 200 && v.Int() < 300 || v.Int() == 1
	case gjson.String:
		switch strings.ToLower(v.String()) {
		case "success", "ok", "true", "authenticated":
			return true
		}
	}
	return false
}

// FormatTime renders ms as the ISO-8601 form the backend expects.
func FormatTime(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
