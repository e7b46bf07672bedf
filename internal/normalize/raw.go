package normalize

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// RawCandle is an OHLCV record as delivered by the historical endpoint.
// Each field keeps its raw JSON so that numbers and numeric strings can both be accepted.
//
// Both object records ({"time": ..., "open": "1.2", ...}) and positional rows
// ([time, open, high, low, close, volume]) are decoded.
type RawCandle struct {
	Time   json.RawMessage `json:"time"`
	Open   json.RawMessage `json:"open"`
	High   json.RawMessage `json:"high"`
	Low    json.RawMessage `json:"low"`
	Close  json.RawMessage `json:"close"`
	Volume json.RawMessage `json:"volume"`
}

// field aliases accepted in object records, first match wins
var (
	timeKeys   = []string{"time", "timestamp", "t"}
	openKeys   = []string{"open", "o"}
	highKeys   = []string{"high", "h"}
	lowKeys    = []string{"low", "l"}
	closeKeys  = []string{"close", "c"}
	volumeKeys = []string{"volume", "v"}
)

// UnmarshalJSON accepts either the object or the positional row form.
func (r *RawCandle) UnmarshalJSON(data []byte) error {
	// records that are neither a row nor an object are left empty so that
	// Normalize rejects them; one bad record never fails the whole payload
	*r = RawCandle{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}

	if data[0] == '[' {
		var row []json.RawMessage
		if err := json.Unmarshal(data, &row); err != nil || len(row) < 5 {
			return nil
		}
		*r = RawCandle{Time: row[0], Open: row[1], High: row[2], Low: row[3], Close: row[4]}
		if len(row) > 5 {
			r.Volume = row[5]
		}
		return nil
	}

	var obj map[string]json.RawMessage
	if data[0] != '{' || json.Unmarshal(data, &obj) != nil {
		return nil
	}
	*r = RawCandle{
		Time:   pick(obj, timeKeys),
		Open:   pick(obj, openKeys),
		High:   pick(obj, highKeys),
		Low:    pick(obj, lowKeys),
		Close:  pick(obj, closeKeys),
		Volume: pick(obj, volumeKeys),
	}
	return nil
}

func pick(obj map[string]json.RawMessage, keys []string) json.RawMessage {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v
		}
	}
	return nil
}

// ParseNumber parses a JSON number or a numeric string. Non-finite values are rejected.
func ParseNumber(raw json.RawMessage) (float64, bool) {
	s := bytes.TrimSpace(raw)
	if len(s) == 0 || bytes.Equal(s, []byte("null")) {
		return 0, false
	}
	text := string(s)
	if s[0] == '"' {
		if err := json.Unmarshal(s, &text); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(text)
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Raw builds a RawCandle from already-typed values. Values are encoded with encoding/json,
// so strings stay strings and numbers stay numbers.
func Raw(t, open, high, low, closePrice, volume any) RawCandle {
	return RawCandle{
		Time:   encode(t),
		Open:   encode(open),
		High:   encode(high),
		Low:    encode(low),
		Close:  encode(closePrice),
		Volume: encode(volume),
	}
}

func encode(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
