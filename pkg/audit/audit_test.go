package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.BatchSize = 1000 // avoid auto-flush mid-test unless asserted
	l, err := Open(cfg)
	require.NoError(t, err)
	return l
}

func rec(id, category, actor string) types.AuditRecord {
	return types.AuditRecord{ID: id, TimestampMs: time.Now().UnixMilli(), Category: category, Actor: actor, Action: "submit"}
}

func TestAppendChainsHashes(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(rec("1", "security", "alice")))
	require.NoError(t, l.Append(rec("2", "security", "alice")))

	l.mu.Lock()
	buf := append([]types.AuditRecord{}, l.buffer...)
	l.mu.Unlock()

	require.Len(t, buf, 2)
	assert.Empty(t, buf[0].Integrity.PrevHash)
	assert.Equal(t, buf[0].Integrity.Hash, buf[1].Integrity.PrevHash)
}

func TestFlushWritesRecordsAndClearsBuffer(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(rec("1", "default", "alice")))
	require.NoError(t, l.Flush())

	l.mu.Lock()
	n := len(l.buffer)
	l.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestSearchFiltersByActor(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(rec("1", "default", "alice")))
	require.NoError(t, l.Append(rec("2", "default", "bob")))

	results, err := l.Search(Filter{Actor: "bob"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "2", results[0].ID)
}

func TestVerifyIntegrityDetectsTamper(t *testing.T) {
	l := newTestLog(t)
	require.NoError(t, l.Append(rec("1", "default", "alice")))
	require.NoError(t, l.Append(rec("2", "default", "alice")))

	l.mu.Lock()
	records := append([]types.AuditRecord{}, l.buffer...)
	l.mu.Unlock()

	result := l.VerifyIntegrity(records)
	assert.Equal(t, 2, result.Verified)
	assert.Equal(t, 0, result.Failed)

	records[1].Integrity.Hash = "tampered"
	result = l.VerifyIntegrity(records)
	assert.Equal(t, 1, result.Failed)
}

func TestVerifyIntegrityCascadesFromTamperToEndOfLog(t *testing.T) {
	l := newTestLog(t)
	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, l.Append(rec(fmt.Sprintf("%d", i), "default", "alice")))
	}

	l.mu.Lock()
	records := append([]types.AuditRecord{}, l.buffer...)
	l.mu.Unlock()

	result := l.VerifyIntegrity(records)
	require.Equal(t, n, result.Verified)
	require.Equal(t, 0, result.Failed)

	const tamperedAt = 4
	records[tamperedAt].Integrity.Hash = "tampered"

	result = l.VerifyIntegrity(records)
	assert.Equal(t, tamperedAt, result.Verified, "records before the tamper point still verify")
	assert.Equal(t, n-tamperedAt, result.Failed, "the tampered record and every record after it must fail, not just the tampered one")
}
