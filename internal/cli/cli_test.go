package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
}

func newTestServer(t *testing.T, status int, payload string) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: string(body)})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, payload)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func runCmd(t *testing.T, build func(func() *Client, func() *Output) *cobra.Command, url string, jsonMode bool, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := build(
		func() *Client { return NewClient(url) },
		func() *Output { return NewOutputTo(&stdout, &stderr, jsonMode) },
	)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCampaignPause_SendsReason(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK,
		`{"data":{"id":"c1","name":"Q4 outreach","status":"paused","pause_reason":"holiday"}}`)

	out, _, err := runCmd(t, NewCampaignCmd, srv.URL+"/", false, "pause", "c1", "--reason", "holiday")
	require.NoError(t, err)

	require.Len(t, *calls, 1)
	assert.Equal(t, http.MethodPost, (*calls)[0].method)
	assert.Equal(t, "/api/v1/campaigns/c1/pause", (*calls)[0].path)
	assert.JSONEq(t, `{"reason":"holiday"}`, (*calls)[0].body)

	assert.Contains(t, out, "Q4 outreach")
	assert.Contains(t, out, "holiday")
}

func TestCampaignStatus_JSON(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusOK,
		`{"data":{"campaign_id":"c1","status":"active","contacts_by_status":{"active":3},"jobs_by_status":{"pending":1},"sent":5,"delivered":4}}`)

	out, _, err := runCmd(t, NewCampaignCmd, srv.URL, true, "status", "c1")
	require.NoError(t, err)

	var stats CampaignStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 5, stats.Sent)
	assert.Equal(t, 4, stats.Delivered)
	assert.Equal(t, 3, stats.ContactsByStatus["active"])
}

func TestCampaignStart_APIError(t *testing.T) {
	srv, _ := newTestServer(t, http.StatusUnprocessableEntity,
		`{"error":{"code":"INVALID_STATE","message":"campaign is active"}}`)

	_, _, err := runCmd(t, NewCampaignCmd, srv.URL, false, "start", "c1")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "INVALID_STATE", apiErr.Code)
	assert.Equal(t, "INVALID_STATE: campaign is active", err.Error())
}

func TestQueueDrain(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK,
		`{"data":{"processed":3,"outcomes":{"sent":2,"retry":1}}}`)

	out, msg, err := runCmd(t, NewQueueCmd, srv.URL, false, "drain")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/queue/drain", (*calls)[0].path)
	assert.Contains(t, out, "OUTCOME")
	assert.Contains(t, out, "sent")
	assert.Contains(t, msg, "3 jobs processed")
}

func TestIdentityList_RequiresTenant(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK, `{"data":[],"total":0}`)

	_, _, err := runCmd(t, NewIdentityCmd, srv.URL, false, "list")
	require.Error(t, err)
	assert.Empty(t, *calls)
}

func TestIdentityList(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK,
		`{"data":[{"identity_id":"i1","email":"a@example.com","provider":"smtp","status":"active","health_score":90,"daily_sent":10,"daily_limit":50,"remaining_quota":40}],"total":1}`)

	out, _, err := runCmd(t, NewIdentityCmd, srv.URL, false, "list", "--tenant-id", "t1")
	require.NoError(t, err)

	assert.Equal(t, "tenant_id=t1", (*calls)[0].query)
	assert.Contains(t, out, "a@example.com")
	assert.Contains(t, out, "10/50")
}

func TestConversationList_HandoffFilter(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK,
		`{"data":[{"id":"v1","contact_id":"k1","stage":"qualifying","status":"active","last_intent":"interested","requires_handoff":true,"total_responses":2}],"total":1}`)

	out, _, err := runCmd(t, NewConversationCmd, srv.URL, false, "list", "--campaign-id", "c1", "--handoff")
	require.NoError(t, err)

	assert.Equal(t, "campaign_id=c1&handoff=true", (*calls)[0].query)
	assert.Contains(t, out, "interested")
	assert.Contains(t, out, "true")
}

func TestContactResume(t *testing.T) {
	srv, calls := newTestServer(t, http.StatusOK,
		`{"data":{"id":"k1","email":"lead@example.com","status":"active","sequence_position":1}}`)

	out, _, err := runCmd(t, NewContactCmd, srv.URL, false, "resume", "k1")
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/contacts/k1/resume", (*calls)[0].path)
	assert.Contains(t, out, "lead@example.com")
}
