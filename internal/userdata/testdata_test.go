package userdata

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"userstream/logger"
)

// omit removes a key from a payload built by the helpers below.
type omit struct{}

func accountInfoPayload(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	base := map[string]interface{}{
		"e": "outboundAccountInfo",
		"E": int64(1499405658849),
		"m": 10,
		"t": 10,
		"b": 0,
		"s": 0,
		"T": true,
		"W": true,
		"D": false,
		"u": int64(1499405658848),
		"B": []map[string]interface{}{
			{"a": "LTC", "f": "17366.18538083", "l": "0.00000000"},
			{"a": "BTC", "f": "10537.85314051", "l": "2.19464093"},
			{"a": "ETH", "f": "17902.35190619", "l": "0.00000000"},
		},
	}
	return payload(t, base, overrides)
}

func executionReportPayload(t *testing.T, overrides map[string]interface{}) []byte {
	t.Helper()
	base := map[string]interface{}{
		"e": "executionReport",
		"E": int64(1499405658658),
		"s": "ETHBTC",
		"c": "mUvoqJxFIILMdfAW5iGSOW",
		"S": "BUY",
		"o": "LIMIT",
		"f": "GTC",
		"q": "1.00000000",
		"p": "0.10264410",
		"P": "0.00000000",
		"F": "0.00000000",
		"g": -1,
		"C": "",
		"x": "NEW",
		"X": "NEW",
		"r": "NONE",
		"i": 4293153,
		"l": "0.00000000",
		"z": "0.00000000",
		"L": "0.00000000",
		"n": "0",
		"N": nil,
		"T": int64(1499405658657),
		"t": -1,
		"I": 8641984,
		"w": true,
		"m": false,
		"M": false,
	}
	return payload(t, base, overrides)
}

func tradeOverrides() map[string]interface{} {
	return map[string]interface{}{
		"x": "TRADE",
		"X": "PARTIALLY_FILLED",
		"t": 77,
		"L": "0.10264000",
		"l": "0.40000000",
		"z": "0.40000000",
		"n": "0.00012000",
		"N": "BNB",
		"T": int64(1499405658700),
		"m": true,
		"M": true,
	}
}

func payload(t *testing.T, base, overrides map[string]interface{}) []byte {
	t.Helper()
	for k, v := range overrides {
		if _, ok := v.(omit); ok {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	raw, err := json.Marshal(base)
	if err != nil {
		t.Fatalf("failed to build payload: %v", err)
	}
	return raw
}

func newTestLog() (*logger.Log, *test.Hook) {
	l, hook := test.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return logger.FromLogrus(l), hook
}

func entriesAt(hook *test.Hook, level logrus.Level) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}
