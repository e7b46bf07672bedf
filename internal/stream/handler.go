package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"dexchart/internal/normalize"
	"dexchart/pkg/market"
)

// Decoder turns inbound frames into ticks.
type Decoder struct {
	// PriceScale divides the fixed-point price field (e.g. 1e6).
	PriceScale float64
	now        func() time.Time
}

// NewDecoder creates a decoder. scale <= 0 means prices are not scaled.
func NewDecoder(scale float64) *Decoder {
	if scale <= 0 {
		scale = 1
	}
	return &Decoder{PriceScale: scale, now: time.Now}
}

// Decode parses msg. channels is the set of channels currently subscribed to;
// ok is false (with a nil error) for frames that are not price updates, such as
// subscription acks or pongs. Malformed price frames return an error wrapping
// market.ErrProtocol.
func (d *Decoder) Decode(msg []byte, channels map[string]bool) (tick market.Tick, ok bool, err error) {
	// Step 1: peek the routing envelope
	var env inboundMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		return market.Tick{}, false, fmt.Errorf("%w: decode envelope: %v", market.ErrProtocol, err)
	}
	if env.Channel == "" || !channels[env.Channel] {
		return market.Tick{}, false, nil
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return market.Tick{}, false, nil
	}

	// Step 2: unwrap string-encoded payloads
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return market.Tick{}, false, fmt.Errorf("%w: decode data string: %v", market.ErrProtocol, err)
		}
		data = []byte(inner)
	}

	var p pricePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return market.Tick{}, false, fmt.Errorf("%w: decode price payload: %v", market.ErrProtocol, err)
	}

	raw, ok := normalize.ParseNumber(p.Price)
	if !ok {
		return market.Tick{}, false, fmt.Errorf("%w: missing or invalid price on %s", market.ErrProtocol, env.Channel)
	}
	price := raw / d.PriceScale
	if price <= 0 {
		return market.Tick{}, false, fmt.Errorf("%w: non-positive price %v", market.ErrProtocol, price)
	}

	tick = market.Tick{Market: firstNonEmpty(env.Market, p.Market, p.Symbol), Price: price}
	ts, ok := normalize.ParseNumber(p.Timestamp)
	if !ok {
		ts, ok = normalize.ParseNumber(p.Time)
	}
	switch {
	case !ok || ts <= 0:
		tick.Time = d.now().Unix()
	case ts > 1e10:
		tick.Time = int64(ts / 1000)
	default:
		tick.Time = int64(ts)
	}
	return tick, true, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
