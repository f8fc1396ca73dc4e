package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/faults"
)

// changeRecord is the wire shape returned by the polling fallback surface.
type changeRecord struct {
	Kind      EventKind       `json:"kind"`
	RecordID  string          `json:"record_id"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewHTTPFetcher builds a FetchFunc against GET <baseURL>/updates?since=<ISO8601>
// for one channel. A non-2xx response counts as a poll failure.
func NewHTTPFetcher(baseURL, channel string, client *http.Client) FetchFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, since time.Time) ([]Event, error) {
		query := url.Values{}
		query.Set("channel", channel)
		query.Set("since", since.UTC().Format(time.RFC3339Nano))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/updates?"+query.Encode(), nil)
		if err != nil {
			return nil, faults.Classify(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, faults.Classify(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, faults.ClassifyStatus(resp.StatusCode)
		}

		var records []changeRecord
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			return nil, faults.Wrap(faults.KindServerError, "malformed poll response", err)
		}

		events := make([]Event, 0, len(records))
		for _, record := range records {
			event := Event{
				Kind:      record.Kind,
				Channel:   channel,
				RecordID:  record.RecordID,
				Payload:   record.Payload,
				Timestamp: record.Timestamp,
			}
			if event.Kind == "" {
				event.Kind = EventInsert
			}
			if event.RecordID == "" {
				event.RecordID = record.ID
			}
			if event.Timestamp.IsZero() {
				return nil, faults.New(faults.KindServerError, fmt.Sprintf("poll record %q missing timestamp", event.RecordID))
			}
			events = append(events, event)
		}
		return events, nil
	}
}
