package logging

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/emate/decision-core/internal/config"
)

// #region helpers
func setupAudit(t *testing.T) (*AuditLog, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	a, err := NewAuditLog(db)
	require.NoError(t, err)
	return a, db
}

// #endregion helpers

// #region audit-tests
func TestLog_Success(t *testing.T) {
	a, _ := setupAudit(t)

	err := a.Log(AuditEntry{
		Kind:        KindDecision,
		CycleID:     "c1",
		SessionID:   "s1",
		PersonaID:   "StandardAssistant",
		StateKey:    "rhythm=scattered|health=ok|emotion=overwhelmed|goal=important_today|env=quiet",
		ActionID:    "focus_45",
		Policy:      "Hybrid",
		PayloadJSON: `{"confidence":0.71}`,
		CreatedAt:   time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	got, err := a.ForCycle("c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindDecision, got[0].Kind)
	assert.Equal(t, "focus_45", got[0].ActionID)
	assert.Equal(t, "Hybrid", got[0].Policy)
	assert.True(t, got[0].CreatedAt.Equal(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
}

func TestLog_ZeroCreatedAt(t *testing.T) {
	a, _ := setupAudit(t)

	before := time.Now().UTC()
	require.NoError(t, a.Log(AuditEntry{Kind: KindSnapshot, Policy: "v-123"}))

	got, err := a.Recent(KindSnapshot, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].CreatedAt.Before(before.Truncate(time.Second)))
}

func TestLog_EmptyOptionalFieldsAreNull(t *testing.T) {
	a, db := setupAudit(t)

	require.NoError(t, a.Log(AuditEntry{Kind: KindPersonaSwap, PersonaID: "ColdBoss"}))

	var cycle, payload, reason sql.NullString
	require.NoError(t, db.QueryRow(`SELECT cycle_id, payload_json, reason FROM decision_log`).Scan(&cycle, &payload, &reason))
	assert.False(t, cycle.Valid)
	assert.False(t, payload.Valid)
	assert.False(t, reason.Valid)
}

func TestLog_RequiresKind(t *testing.T) {
	a, _ := setupAudit(t)
	assert.Error(t, a.Log(AuditEntry{CycleID: "c1"}))
}

func TestLog_ClosedDB(t *testing.T) {
	a, db := setupAudit(t)
	db.Close()
	assert.Error(t, a.Log(AuditEntry{Kind: KindReward}))
}

func TestRecent_FiltersAndOrders(t *testing.T) {
	a, _ := setupAudit(t)

	require.NoError(t, a.Log(AuditEntry{Kind: KindDecision, CycleID: "c1"}))
	require.NoError(t, a.Log(AuditEntry{Kind: KindReward, CycleID: "c1", Reason: "finalized"}))
	require.NoError(t, a.Log(AuditEntry{Kind: KindDecision, CycleID: "c2"}))

	all, err := a.Recent("", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c2", all[0].CycleID)

	decisions, err := a.Recent(KindDecision, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 2)

	cycle, err := a.ForCycle("c1")
	require.NoError(t, err)
	require.Len(t, cycle, 2)
	assert.Equal(t, KindDecision, cycle[0].Kind)
	assert.Equal(t, KindReward, cycle[1].Kind)
}

// #endregion audit-tests

// #region logger-tests
func TestNewLogger_LevelAndFile(t *testing.T) {
	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "emate.log")
	l, err := newLogger(config.LoggerConfig{Level: "warn", Format: "json", ServiceName: "emate", File: file, MaxSize: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	l.Info("hidden")
	l.Warn("shown")
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.True(t, strings.Contains(out, `"logger":"emate"`))
	assert.FileExists(t, file)
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := NewLogger(config.LoggerConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestL_DefaultsToNop(t *testing.T) {
	assert.NotNil(t, L())
	l, err := newLogger(config.LoggerConfig{Level: "info", Format: "console"}, zapcore.AddSync(&bytes.Buffer{}))
	require.NoError(t, err)
	SetDefault(l)
	t.Cleanup(func() { defaultLogger.Store(nil) })
	assert.Same(t, l, L())
}

// #endregion logger-tests
