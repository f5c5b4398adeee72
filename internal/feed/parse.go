package feed

import (
	"encoding/json"
	"strconv"
	"strings"

	"ladder_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Upstream tick frames vary by feed version: the payload may sit at the top
// level or be nested one or more levels under "data"/"Data", and field names
// differ across versions. parseTick unwraps and tries each known spelling.
//
// Returns a non-zero code for error frames so the caller can decide whether
// the condition is fatal.
func parseTick(message []byte) (core.Tick, int, bool) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(message, &payload); err != nil {
		return core.Tick{}, 0, false
	}

	payload = unwrap(payload)

	if code := errorCode(payload); code != 0 {
		return core.Tick{}, code, false
	}

	id, ok := securityID(payload)
	if !ok {
		return core.Tick{}, 0, false
	}

	ltp := firstDecimal(payload, "LTP", "ltp", "last_traded_price", "last_price")
	if ltp.IsZero() {
		return core.Tick{}, 0, false
	}

	volume := firstInt(payload, "volume", "total_volume")

	return core.Tick{SecurityID: id, LTP: ltp, Volume: volume}, 0, true
}

// unwrap descends through nested "data" wrappers until the innermost object.
func unwrap(payload map[string]json.RawMessage) map[string]json.RawMessage {
	for depth := 0; depth < 4; depth++ {
		raw, ok := payload["data"]
		if !ok {
			raw, ok = payload["Data"]
		}
		if !ok {
			return payload
		}
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			return payload
		}
		payload = inner
	}
	return payload
}

func errorCode(payload map[string]json.RawMessage) int {
	typ := firstString(payload, "type", "Type")
	if !strings.EqualFold(typ, "error") && !strings.EqualFold(typ, "disconnect") {
		// Some frames carry only the code.
		if _, ok := payload["errorCode"]; !ok {
			return 0
		}
	}
	code := firstInt(payload, "code", "errorCode", "error_code")
	return int(code)
}

func securityID(payload map[string]json.RawMessage) (int64, bool) {
	for _, key := range []string{"security_id", "securityId", "sec_id"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func firstString(payload map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return ""
}

func firstInt(payload map[string]json.RawMessage, keys ...string) int64 {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return int64(f)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func firstDecimal(payload map[string]json.RawMessage, keys ...string) decimal.Decimal {
	for _, key := range keys {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return decimal.NewFromFloat(f)
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
				return d
			}
		}
	}
	return decimal.Zero
}
