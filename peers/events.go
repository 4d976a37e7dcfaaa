package peers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

// Events talks to the event manager service, the authoritative store of
// event records.
type Events struct {
	client
}

// NewEvents builds an event manager client for the given base URL.
func NewEvents(base string) *Events {
	return &Events{client: newClient(base)}
}

// Get fetches the canonical record of an event.
func (e *Events) Get(ctx context.Context, eventID string) (*Event, error) {
	ev := &Event{}
	if err := e.do(ctx, http.MethodGet, "/events/"+url.PathEscape(eventID), nil, ev); err != nil {
		return nil, errors.Wrapf(err, "could not fetch event %s", eventID)
	}
	return ev, nil
}

type statusPatch struct {
	Status         string    `json:"status"`
	ExpectedStatus string    `json:"expectedStatus"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// UpdateStatus performs the conditional state write: the event manager only
// applies the patch while the stored status still equals expected. A 409
// response maps to ErrStateConflict so concurrent writers serialize through
// the peer rather than clobbering each other.
func (e *Events) UpdateStatus(ctx context.Context, eventID, status, expected string) error {
	body := statusPatch{Status: status, ExpectedStatus: expected, UpdatedAt: time.Now().UTC()}
	err := e.do(ctx, http.MethodPatch, "/events/"+url.PathEscape(eventID), body, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return errors.Wrapf(ErrStateConflict, "event %s expected %s", eventID, expected)
	}
	if err != nil {
		return errors.Wrapf(err, "could not update event %s to %s", eventID, status)
	}
	return nil
}

// IngestChainEvent posts a normalized contract log for the event manager to
// record. Replays of the same log are deduplicated peer-side.
func (e *Events) IngestChainEvent(ctx context.Context, rec *ChainEventRecord) error {
	if err := e.do(ctx, http.MethodPost, "/events/blockchain", rec, nil); err != nil {
		return errors.Wrapf(err, "could not ingest %s log for event %s", rec.Kind, rec.EventID)
	}
	return nil
}
