package peers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/events/e1", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(Event{ID: "e1", Status: "LIVENESS", DisputeCount: 2}))
	}))
	defer srv.Close()

	ev, err := NewEvents(srv.URL).Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, "e1", ev.ID)
	require.Equal(t, "LIVENESS", ev.Status)
	require.Equal(t, 2, ev.DisputeCount)
}

func TestEvents_GetNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such event", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewEvents(srv.URL).Get(context.Background(), "e1")
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestEvents_UpdateStatusSendsConditionalPatch(t *testing.T) {
	var got statusPatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/events/e1", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewEvents(srv.URL).UpdateStatus(context.Background(), "e1", "RESOLVED", "LIVENESS")
	require.NoError(t, err)
	assert.Equal(t, "RESOLVED", got.Status)
	assert.Equal(t, "LIVENESS", got.ExpectedStatus)
	assert.WithinDuration(t, time.Now().UTC(), got.UpdatedAt, time.Minute)
}

func TestEvents_UpdateStatusConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "status moved", http.StatusConflict)
	}))
	defer srv.Close()

	err := NewEvents(srv.URL).UpdateStatus(context.Background(), "e1", "RESOLVED", "LIVENESS")
	require.ErrorIs(t, err, ErrStateConflict)
}

func TestEvents_IngestChainEvent(t *testing.T) {
	var got ChainEventRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/events/blockchain", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	rec := &ChainEventRecord{
		Kind:            "ProposalSubmitted",
		EventID:         "0xe1",
		ProposalID:      "0xp1",
		BlockNumber:     42,
		TransactionHash: "0xtx",
	}
	require.NoError(t, NewEvents(srv.URL).IngestChainEvent(context.Background(), rec))
	assert.Equal(t, *rec, got)
}

func TestDisputes_OpenForProposal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/disputes", r.URL.Path)
		require.Equal(t, "p1", r.URL.Query().Get("proposalId"))
		require.NoError(t, json.NewEncoder(w).Encode([]Dispute{{ID: "d1", ProposalID: "p1"}}))
	}))
	defer srv.Close()

	open, err := NewDisputes(srv.URL).OpenForProposal(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "d1", open[0].ID)
}

func TestNotifications_NotifyArbitrators(t *testing.T) {
	var got arbitratorNotice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/notify-arbitrators", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewNotifications(srv.URL).NotifyArbitrators(context.Background(), "p1", json.RawMessage(`{"reason":"stale data"}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", got.ProposalID)
	assert.JSONEq(t, `{"reason":"stale data"}`, string(got.DisputeData))
}

func TestRewards_Distribute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/distribute", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "e1", body["eventId"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewRewards(srv.URL).Distribute(context.Background(), "e1"))
}

func TestClient_TrailingSlashBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/events/e1", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(Event{ID: "e1"}))
	}))
	defer srv.Close()

	_, err := NewEvents(srv.URL + "/").Get(context.Background(), "e1")
	require.NoError(t, err)
}

func TestClient_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewEvents(srv.URL).Get(ctx, "e1")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded))
}
