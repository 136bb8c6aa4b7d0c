package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registryServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchParsesManifest(t *testing.T) {
	srv := registryServer(t, http.StatusOK, `{
		"tools": [
			{
				"name": "calendar_block_slot",
				"description": "Block a viewing slot",
				"endpoint": "http://calendar.local/block",
				"schema": {
					"fields": {
						"start": {"type": "string", "required": true, "format": "rfc3339"},
						"end":   {"type": "string", "required": true, "format": "rfc3339"}
					},
					"datetime_ranges": [["start", "end"]]
				}
			},
			{
				"name": "lead_score_lookup",
				"endpoint": "http://crm.local/score",
				"idempotent": true,
				"schema": {"fields": {"lead_id": {"type": "string", "required": true}}}
			}
		]
	}`)

	snap, err := NewClient(srv.URL, srv.Client()).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Tools, 2)
	assert.False(t, snap.Stale)

	cal, ok := snap.Lookup("calendar_block_slot")
	require.True(t, ok)
	assert.False(t, cal.Idempotent)
	assert.Equal(t, [][2]string{{"start", "end"}}, cal.Schema.DatetimeRanges)

	lookup, ok := snap.Lookup("lead_score_lookup")
	require.True(t, ok)
	assert.True(t, lookup.Idempotent)
}

func TestFetchRejectsBadDocuments(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing endpoint", `{"tools": [{"name": "x", "schema": {"fields": {}}}]}`},
		{"unknown field type", `{"tools": [{"name": "x", "endpoint": "http://x", "schema": {"fields": {"a": {"type": "blob"}}}}]}`},
		{"duplicate names", `{"tools": [{"name": "x", "endpoint": "http://x"}, {"name": "x", "endpoint": "http://y"}]}`},
		{"range on non-rfc3339 field", `{"tools": [{"name": "x", "endpoint": "http://x", "schema": {"fields": {"a": {"type": "string"}}, "datetime_ranges": [["a", "a"]]}}]}`},
		{"not json", `nope`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := registryServer(t, http.StatusOK, tc.body)
			_, err := NewClient(srv.URL, srv.Client()).Fetch(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestFetchNon200(t *testing.T) {
	srv := registryServer(t, http.StatusServiceUnavailable, ``)
	_, err := NewClient(srv.URL, srv.Client()).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
