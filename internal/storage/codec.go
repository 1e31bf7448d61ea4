package storage

import (
	jsoniter "github.com/json-iterator/go"

	"recworker/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// eventRecord is the stored form of a domain event.
type eventRecord struct {
	ID      string              `json:"id"`
	Kind    string              `json:"kind"`
	At      int64               `json:"at"`
	Payload jsoniter.RawMessage `json:"payload"`
}

func encodeEvent(ev events.Event) (eventRecord, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return eventRecord{}, err
	}
	return eventRecord{ID: ev.ID(), Kind: string(ev.Kind()), At: ev.OccurredAt().UnixMilli(), Payload: b}, nil
}
