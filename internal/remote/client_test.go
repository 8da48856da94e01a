package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphnote/graphnote/internal/logging"
	"github.com/graphnote/graphnote/internal/schema"
)

func newTestClient() *Client {
	return NewClient(WithLogger(logging.Discard()))
}

func TestGetPullableNodes(t *testing.T) {
	var gotAuth, gotAfter, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAfter = r.URL.Query().Get("after")
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(NodesResponse{Nodes: []*schema.Node{{
			ID:        "n1",
			SpaceID:   "s1",
			UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC),
		}}})
	}))
	defer srv.Close()

	b := schema.Binding{SpaceID: "s1", URL: srv.URL + "/sync", AccessToken: "tok"}
	nodes, err := newTestClient().GetPullableNodes(context.Background(), b, schema.FromMillis(1500))
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "1500", gotAfter)
	assert.Equal(t, "/sync/spaces/s1/nodes", gotPath)
	assert.Equal(t, 123000000, nodes[0].UpdatedAt.Nanosecond(), "timestamps are truncated to milliseconds")
}

func TestPushNodes(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(PushAck{Accepted: len(got.Nodes), LastUpdatedAt: 42})
	}))
	defer srv.Close()

	b := schema.Binding{SpaceID: "s1", URL: srv.URL, AccessToken: "tok"}
	nodes := []*schema.Node{{ID: "a", SpaceID: "s1"}, {ID: "b", SpaceID: "s1"}}
	ack, err := newTestClient().PushNodes(context.Background(), b, nodes)
	require.NoError(t, err)
	assert.Equal(t, 2, ack.Accepted)
	assert.Equal(t, int64(42), ack.LastUpdatedAt)
	assert.Len(t, got.Nodes, 2)
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", schema.ErrUnauthorized},
		{"not found", http.StatusNotFound, "", schema.ErrNotFound},
		{"server error", http.StatusInternalServerError, "", schema.ErrNetwork},
		{"rate limited", http.StatusTooManyRequests, "", schema.ErrNetwork},
		{"bad request", http.StatusBadRequest,
			`{"success":false,"error":{"code":"BAD_REQUEST","reason":"INVALID_ARGUMENT","message":"This is a reserved name. Please choose another one."}}`,
			schema.ErrInvalidArgument},
		{"precondition", http.StatusBadRequest,
			`{"success":false,"error":{"code":"BAD_REQUEST","reason":"PRECONDITION_FAILED","message":"no sync server available"}}`,
			schema.ErrPreconditionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			b := schema.Binding{SpaceID: "s1", URL: srv.URL, AccessToken: "tok"}
			_, err := newTestClient().GetPullableNodes(context.Background(), b, time.Time{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b := schema.Binding{SpaceID: "s1", URL: url, AccessToken: "tok"}
	_, err := newTestClient().GetPullableNodes(context.Background(), b, time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrNetwork)
	assert.True(t, schema.IsRetryable(err))
}

func TestCheckCompatible(t *testing.T) {
	assert.NoError(t, CheckCompatible("v1.0.0"))
	assert.NoError(t, CheckCompatible("v1.9.3"))
	assert.ErrorIs(t, CheckCompatible("v2.0.0"), schema.ErrPreconditionFailed)
	assert.ErrorIs(t, CheckCompatible("1.0"), schema.ErrPreconditionFailed)
	assert.ErrorIs(t, CheckCompatible(""), schema.ErrPreconditionFailed)
}

func TestAPIClient_CreateSpace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/spaces", r.URL.Path)
		var req CreateSpaceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.UserID)

		data, _ := json.Marshal(CreateSpaceResponse{
			Space:                 &schema.Space{ID: "s1", UserID: "u1", Name: "Work"},
			SyncServerAccessToken: "tok",
			SyncServerURL:         "http://sync",
		})
		json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL+"/api/", WithLogger(logging.Discard()))
	resp, err := api.CreateSpace(context.Background(), CreateSpaceRequest{UserID: "u1", SpaceData: `{"id":"s1","name":"Work"}`})
	require.NoError(t, err)
	assert.Equal(t, "tok", resp.SyncServerAccessToken)
	assert.Equal(t, "s1", resp.Space.ID)
}

func TestAPIClient_ErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(APIResponse{Error: &APIError{
			Code:    CodeBadRequest,
			Reason:  ReasonInvalidArgument,
			Message: schema.ReservedNameMessage,
		}})
	}))
	defer srv.Close()

	api := NewAPIClient(srv.URL, WithLogger(logging.Discard()))
	_, err := api.CreateSpace(context.Background(), CreateSpaceRequest{UserID: "u1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrInvalidArgument)
	assert.Equal(t, schema.ReservedNameMessage, Message(err))
}
