package memorystore

import "dexchart/pkg/market"

// UpdateKind tells a chart consumer how to apply an Update.
type UpdateKind string

const (
	// UpdateReset means the series was replaced or cleared; re-read it with GetAll.
	UpdateReset UpdateKind = "reset"
	// UpdateAppend means Candle opened a new bucket.
	UpdateAppend UpdateKind = "append"
	// UpdateLatest means Candle replaced the newest stored candle.
	UpdateLatest UpdateKind = "update"
)

// Update is a change notification pushed to subscribers.
type Update struct {
	Kind   UpdateKind    `json:"kind"`
	Candle market.Candle `json:"candle"`
	Size   int           `json:"size,omitempty"` // number of candles handed to BulkLoad
}

// Subscribe registers a listener for store changes. Sends never block the writer:
// when the channel buffer is full the update is dropped, so consumers should
// re-read the store on UpdateReset and tolerate gaps. The returned func unsubscribes
// and closes the channel.
func (s *CandleStore) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Update, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *CandleStore) publish(u Update) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
