package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadhive/leadhive/pkg/auth"
	"github.com/leadhive/leadhive/pkg/events"
	"github.com/leadhive/leadhive/pkg/federation"
	"github.com/leadhive/leadhive/pkg/ledger"
	"github.com/leadhive/leadhive/pkg/log"
	"github.com/leadhive/leadhive/pkg/statestore"
	"github.com/leadhive/leadhive/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

type serverFixture struct {
	srv        *Server
	store      *statestore.Store
	ledger     *ledger.Ledger
	broker     *events.Broker
	handler    http.Handler
	adminToken string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := statestore.NewStore(filepath.Join(dir, "slots"))
	require.NoError(t, err)
	led, err := ledger.Open(filepath.Join(dir, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	authn := auth.New("test-secret", time.Hour)
	reg, err := federation.NewRegistry(filepath.Join(dir, "nodes.yml"), "node_a", "A", authn)
	require.NoError(t, err)
	broker := events.NewBroker()

	srv := New(":0", store, led, authn, reg, broker, nil)
	token, err := authn.Mint("test-admin", auth.RoleAdmin, nil)
	require.NoError(t, err)

	return &serverFixture{
		srv:        srv,
		store:      store,
		ledger:     led,
		broker:     broker,
		handler:    srv.routes(),
		adminToken: token,
	}
}

func (fx *serverFixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

// TestHealthz tests the unauthenticated health probe
func TestHealthz(t *testing.T) {
	fx := newServerFixture(t)
	rec := fx.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "node_a")
}

// TestAuthEnforcement tests 401 without a token and 403 for
// out-of-scope slots
func TestAuthEnforcement(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	require.NoError(t, fx.store.CreateSlot("s2"))

	rec := fx.do(t, "GET", "/api/slots", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	clientToken := fx.mintClient(t, "client1", []string{"s1"})

	// Slot list is filtered, not rejected.
	rec = fx.do(t, "GET", "/api/slots", "", clientToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Slots []slotSummary `json:"slots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Slots, 1)
	assert.Equal(t, "s1", list.Slots[0].SlotID)

	// Direct access to a foreign slot is forbidden.
	rec = fx.do(t, "GET", "/api/slots/s2", "", clientToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Admin-only routes reject client tokens.
	rec = fx.do(t, "POST", "/api/slots", `{"slot_id":"s3"}`, clientToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Remote refs are authorized locally before any forwarding.
	rec = fx.do(t, "GET", "/api/slots/node_b::s2", "", clientToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func (fx *serverFixture) mintClient(t *testing.T, subject string, slots []string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"subject": subject, "role": auth.RoleClient, "slots": slots,
	})
	rec := fx.do(t, "POST", "/api/auth/token", string(body), fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

// TestSlotCRUD tests create, get, duplicate and delete
func TestSlotCRUD(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, "POST", "/api/slots", `{"slot_id":"s1","mode":"ACTIVE"}`, fx.adminToken)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created types.SlotState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, types.ModeActive, created.Mode)
	assert.Equal(t, types.SlotStopped, created.Status)

	rec = fx.do(t, "POST", "/api/slots", `{"slot_id":"s1"}`, fx.adminToken)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = fx.do(t, "POST", "/api/slots", `{"slot_id":"Bad Slot!"}`, fx.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, "GET", "/api/slots/s1", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		State      types.SlotState          `json:"state"`
		LeadCounts map[types.LeadStatus]int `json:"lead_counts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, types.ModeActive, detail.State.Mode)

	rec = fx.do(t, "DELETE", "/api/slots/s1", "", fx.adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, fx.store.SlotExists("s1"))

	rec = fx.do(t, "GET", "/api/slots/s1", "", fx.adminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDeleteLiveSlotRefused tests the 409 guard for running workers
func TestDeleteLiveSlotRefused(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	_, err := fx.store.UpdateState("s1", func(s *types.SlotState) {
		s.Status = types.SlotRunning
		s.PID = 4242
	})
	require.NoError(t, err)

	rec := fx.do(t, "DELETE", "/api/slots/s1", "", fx.adminToken)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, fx.store.SlotExists("s1"))
}

// TestCommandEndpoints tests that commands land in the state document
func TestCommandEndpoints(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	sub := fx.broker.Subscribe(8)
	defer sub.Cancel()

	rec := fx.do(t, "POST", "/api/slots/s1/start", "", fx.adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code)

	state, err := fx.store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandStart, state.Command)

	select {
	case ev := <-sub.C:
		assert.Equal(t, events.SlotCommand, ev.Type)
		assert.Equal(t, "START", ev.Detail)
	case <-time.After(time.Second):
		t.Fatal("command event not published")
	}

	rec = fx.do(t, "POST", "/api/slots/s1/stop", "", fx.adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	state, err = fx.store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandStop, state.Command)

	rec = fx.do(t, "POST", "/api/slots/s1/restart", "", fx.adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	state, err = fx.store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandRestart, state.Command)

	rec = fx.do(t, "POST", "/api/slots/ghost/start", "", fx.adminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDryRunToggle tests the on/off config shortcut
func TestDryRunToggle(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))

	rec := fx.do(t, "POST", "/api/slots/s1/dry-run/on", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err := fx.store.LoadConfig("s1")
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)

	rec = fx.do(t, "POST", "/api/slots/s1/dry-run/off", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err = fx.store.LoadConfig("s1")
	require.NoError(t, err)
	assert.False(t, cfg.DryRun)

	rec = fx.do(t, "POST", "/api/slots/s1/dry-run/maybe", "", fx.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestConfigProjections tests the per-field config views
func TestConfigProjections(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))

	rec := fx.do(t, "POST", "/api/slots/s1/quality", `{"quality_level":70}`, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = fx.do(t, "GET", "/api/slots/s1/quality", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"quality_level":70}`, rec.Body.String())

	rec = fx.do(t, "POST", "/api/slots/s1/quality", `{"quality_level":101}`, fx.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Partial client-limits updates leave omitted fields alone.
	rec = fx.do(t, "POST", "/api/slots/s1/client-limits",
		`{"max_clicks_per_run":5,"client_regions":["india"]}`, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = fx.do(t, "POST", "/api/slots/s1/client-limits", `{"max_run_minutes":90}`, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg, err := fx.store.LoadConfig("s1")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxClicksPerRun)
	assert.Equal(t, 90, cfg.MaxRunMinutes)
	assert.Equal(t, []string{"india"}, cfg.ClientRegions)
	assert.Equal(t, 70, cfg.QualityLevel)

	rec = fx.do(t, "POST", "/api/slots/s1/login-mode", `{"login_mode":true}`, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = fx.do(t, "GET", "/api/slots/s1/login-mode", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"login_mode":true}`, rec.Body.String())

	rec = fx.do(t, "POST", "/api/slots/s1/headless", `{"headless":false}`, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err = fx.store.LoadConfig("s1")
	require.NoError(t, err)
	require.NotNil(t, cfg.Headless)
	assert.False(t, *cfg.Headless)

	rec = fx.do(t, "POST", "/api/slots/s1/display-name", `{"display_name":"Copper Desk"}`, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err = fx.store.LoadConfig("s1")
	require.NoError(t, err)
	assert.Equal(t, "Copper Desk", cfg.DisplayName)

	rec = fx.do(t, "GET", "/api/slots/ghost/quality", "", fx.adminToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestStatusAndMetricsProjections tests the read-only state views
func TestStatusAndMetricsProjections(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	_, err := fx.store.UpdateState("s1", func(s *types.SlotState) {
		s.Status = types.SlotRunning
		s.PID = 4242
		s.Metrics.LeadsParsed = 7
	})
	require.NoError(t, err)

	rec := fx.do(t, "GET", "/api/slots/s1/status", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "RUNNING", status["status"])
	assert.Equal(t, float64(4242), status["pid"])

	rec = fx.do(t, "GET", "/api/slots/s1/metrics", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var m types.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, int64(7), m.LeadsParsed)
}

// TestClusterPaths tests the /cluster/... variants re-serving through
// the slot routes
func TestClusterPaths(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))

	// Local aliases resolve in-process.
	rec := fx.do(t, "GET", "/cluster/slots/local/s1/status", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s1")

	rec = fx.do(t, "POST", "/cluster/slots/node_a/s1/start", "", fx.adminToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	state, err := fx.store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandStart, state.Command)

	rec = fx.do(t, "GET", "/cluster/slots/local/s1", "", fx.adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Cluster paths keep the same auth rules.
	clientToken := fx.mintClient(t, "client1", []string{"other"})
	rec = fx.do(t, "GET", "/cluster/slots/local/s1/status", "", clientToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown peers surface as bad gateway.
	rec = fx.do(t, "GET", "/cluster/slots/node_zz/s1/status", "", fx.adminToken)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

// TestConfigRoundTrip tests PUT then GET of a slot config
func TestConfigRoundTrip(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))

	body := `{"display_name":"Copper Desk","search_terms":["copper"],"max_age_seconds":300}`
	rec := fx.do(t, "PUT", "/api/slots/s1/config", body, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, "GET", "/api/slots/s1/config", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg types.SlotConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "Copper Desk", cfg.DisplayName)
	assert.Equal(t, []string{"copper"}, cfg.SearchTerms)
}

func seedLeads(t *testing.T, fx *serverFixture) {
	t.Helper()
	now := time.Now().UTC()
	earlier := now.Add(-time.Minute)
	require.NoError(t, fx.ledger.AppendLeads("s1", []*types.Lead{
		{Key: "id:1", LeadID: "1", Status: types.LeadCaptured, Title: "Copper Wire", FetchedAt: &earlier},
		{Key: "id:2", LeadID: "2", Status: types.LeadClicked, Title: "Brass Rod", FetchedAt: &now, ClickedAt: &now},
	}))
}

// TestLeadsEndpoint tests listing and status filtering
func TestLeadsEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	seedLeads(t, fx)

	rec := fx.do(t, "GET", "/api/slots/s1/leads", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Leads []*types.Lead `json:"leads"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	rec = fx.do(t, "GET", "/api/slots/s1/leads?status=clicked", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "id:2", resp.Leads[0].Key)
}

// TestLeadsCSV tests the export shape
func TestLeadsCSV(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	seedLeads(t, fx)

	rec := fx.do(t, "GET", "/api/slots/s1/leads.csv", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "s1-leads.csv")

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(csvHeader, ","), lines[0])
	assert.Contains(t, rec.Body.String(), "Copper Wire")
}

// TestUploadSession tests cookie install and NEEDS_LOGIN clearing
func TestUploadSession(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))
	_, err := fx.store.UpdateState("s1", func(s *types.SlotState) {
		s.Status = types.SlotNeedsLogin
		s.StopReason = types.StopNoSession
	})
	require.NoError(t, err)

	body := `[{"name":"ImeshVisitor","value":"v","domain":".indiamart.com"}]`
	rec := fx.do(t, "POST", "/api/slots/s1/session", body, fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)

	state, err := fx.store.ReadState("s1")
	require.NoError(t, err)
	assert.Equal(t, types.SlotStopped, state.Status)
	assert.Empty(t, state.StopReason)

	cookies, err := fx.store.ReadCookies("s1")
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "ImeshVisitor", cookies[0].Name)

	// The wrapped export shape works too.
	rec = fx.do(t, "POST", "/api/slots/s1/session", `{"cookies":[{"name":"a","value":"1"}]}`, fx.adminToken)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, "POST", "/api/slots/s1/session", "not json", fx.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestWorkerLogTail tests the ?lines window
func TestWorkerLogTail(t *testing.T) {
	fx := newServerFixture(t)
	require.NoError(t, fx.store.CreateSlot("s1"))

	rec := fx.do(t, "GET", "/api/slots/s1/log", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)

	content := "one\ntwo\nthree\nfour\n"
	require.NoError(t, os.WriteFile(fx.store.WorkerLogPath("s1"), []byte(content), 0644))

	rec = fx.do(t, "GET", "/api/slots/s1/log?lines=2", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"three", "four"}, resp.Lines)
}

// TestLoginSessionsDisabled tests the nil-manager responses
func TestLoginSessionsDisabled(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, "POST", "/api/login-sessions", `{"slot_id":"s1"}`, fx.adminToken)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = fx.do(t, "GET", "/api/login-sessions", "", fx.adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

// TestMintTokenEndpoint tests validation on the token route
func TestMintTokenEndpoint(t *testing.T) {
	fx := newServerFixture(t)

	rec := fx.do(t, "POST", "/api/auth/token", `{"role":"client"}`, fx.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, "POST", "/api/auth/token", `{"subject":"x","role":"superuser"}`, fx.adminToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
