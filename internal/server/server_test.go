package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/emate/decision-core/internal/contracts"
	"github.com/danielpatrickdp/emate/decision-core/internal/metrics"
	"github.com/danielpatrickdp/emate/decision-core/internal/persona"
)

// #region fake
type fakeDecider struct {
	mu        sync.Mutex
	decided   []contracts.DecisionRequest
	submitted map[string]bool
	active    string
	rejected  int
}

func (f *fakeDecider) Decide(_ context.Context, req contracts.DecisionRequest) (contracts.OutputCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decided = append(f.decided, req)
	if req.Perception.UserText == "bad" {
		return contracts.OutputCommand{
			CycleID:      "fc",
			ActionID:     "none",
			ChosenPolicy: contracts.SourceFallback,
			Action:       contracts.NoneAction(),
			Flags:        []string{contracts.FlagFailClosed},
		}, fmt.Errorf("%w: user_text", contracts.ErrMalformedRequest)
	}
	return contracts.OutputCommand{
		CycleID:      fmt.Sprintf("c%d", len(f.decided)),
		StateKey:     "emotion=overwhelmed",
		ActionID:     "focus_45",
		ChosenPolicy: contracts.SourceHybrid,
		Action:       contracts.EnterFocusMode(45, "Phoenix draft"),
	}, nil
}

func (f *fakeDecider) Reject(cause error) contracts.OutputCommand {
	f.mu.Lock()
	f.rejected++
	f.mu.Unlock()
	return contracts.OutputCommand{
		CycleID:      "rejected",
		ActionID:     "none",
		ChosenPolicy: contracts.SourceFallback,
		Action:       contracts.NoneAction(),
		Flags:        []string{contracts.FlagFailClosed},
		Explanation:  cause.Error(),
	}
}

func (f *fakeDecider) SubmitReward(sub contracts.RewardSubmission) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.CycleID == "missing" {
		return false, contracts.ErrUnknownCycle
	}
	if f.submitted == nil {
		f.submitted = make(map[string]bool)
	}
	if f.submitted[sub.SubmissionID] {
		return true, nil
	}
	f.submitted[sub.SubmissionID] = true
	return false, nil
}

func (f *fakeDecider) ActivatePersona(id string, version int) (*persona.Constitution, error) {
	if id != "WarmSister" {
		return nil, fmt.Errorf("%w: %s", persona.ErrUnknownPersona, id)
	}
	f.mu.Lock()
	f.active = id
	f.mu.Unlock()
	return &persona.Constitution{PersonaID: id, Version: 1}, nil
}

func (f *fakeDecider) Personas() []persona.Summary {
	return []persona.Summary{{PersonaID: "StandardAssistant", Versions: []int{1}, Active: true, ActiveVer: 1}}
}

// #endregion fake

func newTestServer(t *testing.T) (*httptest.Server, *fakeDecider, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	d := &fakeDecider{}
	s := New(DefaultConfig(), d, metrics.New(reg), reg, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, d, reg
}

func post(t *testing.T, url, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestDecideReturnsCommand(t *testing.T) {
	ts, d, _ := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/decide",
		`{"session_id":"s1","user_id":"u1","perception_input":{"user_text":"remind me about Phoenix","speech_emotion":"stress"},"system_context":{"agent_mode":"Hybrid"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var out contracts.OutputCommand
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	assert.Equal(t, "c1", out.CycleID)
	assert.Equal(t, contracts.SourceHybrid, out.ChosenPolicy)
	assert.Equal(t, 45, out.Action.Params.Duration)

	require.Len(t, d.decided, 1)
	assert.Equal(t, "s1", d.decided[0].SessionID)
	assert.Equal(t, "stress", d.decided[0].Perception.SpeechEmotion)
}

func TestDecideMalformed(t *testing.T) {
	ts, d, _ := newTestServer(t)

	resp, body := post(t, ts.URL+"/v1/decide", `{"perception_input":{"user_text":"bad"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, contracts.FlagFailClosed)

	for _, raw := range []string{`{not json`, `{"perception_input":{"user_text":42}}`} {
		resp, body = post(t, ts.URL+"/v1/decide", raw)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var got struct {
			Error   string                   `json:"error"`
			Command *contracts.OutputCommand `json:"command"`
		}
		require.NoError(t, json.Unmarshal([]byte(body), &got), body)
		assert.NotEmpty(t, got.Error)
		require.NotNil(t, got.Command, body)
		assert.Equal(t, contracts.ActionNone, got.Command.Action.Type)
		assert.Contains(t, got.Command.Flags, contracts.FlagFailClosed)
	}
	d.mu.Lock()
	assert.Equal(t, 2, d.rejected)
	d.mu.Unlock()
}

func TestDecideRejectsWrongMethod(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/v1/decide")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRewardDuplicate(t *testing.T) {
	ts, _, _ := newTestServer(t)
	body := `{"submission_id":"r1","state_key":"emotion=calm","action_id":"focus_25","reward":0.5}`

	resp, raw := post(t, ts.URL+"/v1/reward", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"accepted":true,"duplicate":false}`, raw)

	resp, raw = post(t, ts.URL+"/v1/reward", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"accepted":false,"duplicate":true}`, raw)

	resp, _ = post(t, ts.URL+"/v1/reward", `{"submission_id":"r2","cycle_id":"missing","channel":"explicit","value":1}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPersonaRoutes(t *testing.T) {
	ts, d, _ := newTestServer(t)

	resp, raw := post(t, ts.URL+"/v1/personas/activate", `{"persona_id":"WarmSister"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, raw, `"persona_id":"WarmSister"`)
	assert.Equal(t, "WarmSister", d.active)

	resp, _ = post(t, ts.URL+"/v1/personas/activate", `{"persona_id":"Ghost"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, ts.URL+"/v1/personas/activate", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(ts.URL + "/v1/personas")
	require.NoError(t, err)
	defer get.Body.Close()
	list, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	assert.Contains(t, string(list), "StandardAssistant")
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _, _ := newTestServer(t)
	post(t, ts.URL+"/v1/decide", `{"perception_input":{"user_text":"hello"}}`)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `emate_http_requests_total{route="decide",status="200"} 1`)
}

func TestStreamDecides(t *testing.T) {
	ts, d, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"session_id":"s1","perception_input":{"user_text":"focus please"}}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out contracts.OutputCommand
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "focus_45", out.ActionID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"perception_input":{"user_text":"bad"}}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "malformed request")
	assert.Contains(t, string(data), contracts.FlagFailClosed)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`nope`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"error"`)
	assert.Contains(t, string(data), contracts.FlagFailClosed)

	d.mu.Lock()
	assert.Len(t, d.decided, 2)
	d.mu.Unlock()
}
