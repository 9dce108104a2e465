package actions

import (
	"fmt"
	"strconv"
	"strings"
)

// Callback payload kinds. The full payload is "<kind>:<token>" or
// "<kind>:<token>:<option-index>", which at 16 token characters stays
// far below the 64-byte inline-button data limit.
const (
	KindQuestion   = "q"
	KindPermission = "p"
	KindSession    = "s"
)

// Payload builds a callback payload. A negative index is omitted.
func Payload(kind, token string, idx int) string {
	if idx < 0 {
		return kind + ":" + token
	}
	return fmt.Sprintf("%s:%s:%d", kind, token, idx)
}

// ParsePayload splits a callback payload into kind, token and option
// index (-1 when absent).
func ParsePayload(payload string) (kind, token string, idx int, err error) {
	parts := strings.Split(payload, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return "", "", 0, fmt.Errorf("malformed callback payload %q", payload)
	}
	kind, token = parts[0], parts[1]
	idx = -1
	if len(parts) == 3 {
		idx, err = strconv.Atoi(parts[2])
		if err != nil || idx < 0 {
			return "", "", 0, fmt.Errorf("malformed option index in %q", payload)
		}
	}
	switch kind {
	case KindQuestion, KindPermission, KindSession:
		return kind, token, idx, nil
	}
	return "", "", 0, fmt.Errorf("unknown callback kind %q", kind)
}
