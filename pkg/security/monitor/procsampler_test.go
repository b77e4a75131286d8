package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeProcRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "123"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "123", "comm"), []byte("nginx\n"), 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "456"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "456", "comm"), []byte("xmrig\n"), 0o644))

	// non-numeric entries (e.g. "self", "net") must be skipped as processes
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	netDir := filepath.Join(root, "net")
	require.NoError(t, os.MkdirAll(netDir, 0o755))
	tcp := "  sl  local_address rem_address   st\n" +
		"   0: 0100007F:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 12345 1 0000000000000000 100 0 0 10 0\n" +
		"   1: 00000000:0050 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 12346 1 0000000000000000 100 0 0 10 0\n"
	require.NoError(t, os.WriteFile(filepath.Join(netDir, "tcp"), []byte(tcp), 0o644))

	return root
}

func TestProcSamplerReadsProcessesAndListeningPorts(t *testing.T) {
	s := &ProcSampler{root: fakeProcRoot(t)}
	sample, err := s.Sample(context.Background(), "job-1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"nginx", "xmrig"}, sample.Processes)
	assert.Equal(t, []int{8080}, sample.OpenPorts)
}
