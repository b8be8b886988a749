package qdrant_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/vector/qdrant"
)

func TestIndex_Ensure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr bool
	}{
		{
			name: "collection already exists",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					w.WriteHeader(http.StatusOK)
					require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"result": "ok"}))
				}
			},
			wantErr: false,
		},
		{
			name: "create new collection",
			handler: func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodGet {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				if r.Method == http.MethodPut {
					var payload map[string]any
					require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

					vectors := payload["vectors"].(map[string]any)
					assert.Equal(t, float64(1536), vectors["size"])
					assert.Equal(t, "Cosine", vectors["distance"])

					w.WriteHeader(http.StatusOK)
					require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"result": "ok"}))
				}
			},
			wantErr: false,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tt.handler)
			defer server.Close()

			idx := qdrant.New(server.URL, "test-api-key", "trials", 0)
			err := idx.Ensure(context.Background())

			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestIndex_Upsert(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/trials/points", r.URL.Path)
		assert.Equal(t, "test-api-key", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"result": "ok"}))
	}))
	defer server.Close()

	idx := qdrant.New(server.URL, "test-api-key", "trials", 1536)
	payload := map[string]any{"registry": "ctgov", "status": "RECRUITING"}
	err := idx.Upsert(context.Background(), "ctgov:NCT01234567", []float32{0.1, 0.2}, payload)
	require.NoError(t, err)

	points := captured["points"].([]any)
	require.Len(t, points, 1)
	pt := points[0].(map[string]any)
	assert.NotEmpty(t, pt["id"], "point id must be derived from the trial key")
	pl := pt["payload"].(map[string]any)
	assert.Equal(t, "ctgov:NCT01234567", pl["trial_key"])
	assert.Equal(t, "ctgov", pl["registry"])
	assert.Equal(t, "RECRUITING", pl["status"])

	// Caller's map stays untouched.
	_, has := payload["trial_key"]
	assert.False(t, has)
}

func TestIndex_UpsertStableIDs(t *testing.T) {
	t.Parallel()

	var ids []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		pt := body["points"].([]any)[0].(map[string]any)
		ids = append(ids, pt["id"].(string))
		w.WriteHeader(http.StatusOK)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"result": "ok"}))
	}))
	defer server.Close()

	idx := qdrant.New(server.URL, "", "trials", 1536)
	for i := 0; i < 2; i++ {
		require.NoError(t, idx.Upsert(context.Background(), "isrctn:ISRCTN12345678", []float32{0.5}, nil))
	}

	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "same trial key must map to the same point id")
}

func TestIndex_Search(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/collections/trials/points/search", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(10), payload["limit"])
		assert.Equal(t, true, payload["with_payload"])
		assert.Equal(t, 0.6, payload["score_threshold"])

		filter := payload["filter"].(map[string]any)
		must := filter["must"].([]any)
		require.Len(t, must, 1)
		clause := must[0].(map[string]any)
		assert.Equal(t, "status", clause["key"])
		assert.Equal(t, map[string]any{"value": "RECRUITING"}, clause["match"])

		w.WriteHeader(http.StatusOK)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"id": "a", "score": 0.95, "payload": map[string]any{"trial_key": "ctgov:NCT00000001"}},
				{"id": "b", "score": 0.72, "payload": map[string]any{"trial_key": "isrctn:ISRCTN00000002"}},
				{"id": "c", "score": 0.70, "payload": map[string]any{"registry": "ctis"}},
			},
		}))
	}))
	defer server.Close()

	idx := qdrant.New(server.URL, "", "trials", 1536)
	hits, err := idx.Search(context.Background(), []float32{0.1, 0.2}, 10, 0.6, map[string]string{"status": "RECRUITING"})
	require.NoError(t, err)

	// The hit without a trial_key payload is dropped.
	require.Len(t, hits, 2)
	assert.Equal(t, "ctgov:NCT00000001", hits[0].TrialKey)
	assert.InDelta(t, 0.95, hits[0].Score, 1e-9)
	assert.Equal(t, "isrctn:ISRCTN00000002", hits[1].TrialKey)
}

func TestIndex_SearchServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	idx := qdrant.New(server.URL, "", "trials", 1536)
	_, err := idx.Search(context.Background(), []float32{0.1}, 5, 0, nil)
	require.Error(t, err)
}

func TestIndex_Delete(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/collections/trials/points/delete", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"result": "ok"}))
	}))
	defer server.Close()

	idx := qdrant.New(server.URL, "", "trials", 1536)
	err := idx.Delete(context.Background(), []string{"ctgov:NCT00000001", "ctis:2022-500014-26-00"})
	require.NoError(t, err)

	points := captured["points"].([]any)
	assert.Len(t, points, 2)
}

func TestIndex_DeleteEmptyIsNoop(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected for empty delete")
	}))
	defer server.Close()

	idx := qdrant.New(server.URL, "", "trials", 1536)
	require.NoError(t, idx.Delete(context.Background(), nil))
}

func TestIndex_Ping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{name: "successful ping", status: http.StatusOK, wantErr: false},
		{name: "ping with server error", status: http.StatusInternalServerError, wantErr: true},
		{name: "ping with not found", status: http.StatusNotFound, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			idx := qdrant.New(server.URL, "test-api-key", "trials", 1536)
			err := idx.Ping(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
