package conformance_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/malbeclabs/core-bpf-migration/internal/subprocess"
	"github.com/stretchr/testify/require"
)

func TestConformance_ParseFailedTests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   []string
	}{
		{
			name:   "all passed",
			output: "Total test cases: 3\nPassed: 3, Failed: 0\n",
			want:   nil,
		},
		{
			name:   "inline list",
			output: "Total test cases: 3\nPassed: 1, Failed: 2\nFailed tests: ['a_1.fix', 'b_2']\n",
			want:   []string{"a_1", "b_2"},
		},
		{
			name:   "indented list",
			output: "Passed: 1, Failed: 2\nFailed tests:\n  a_1\n  b_2.fix\n\nSkipped tests: 0\n",
			want:   []string{"a_1", "b_2"},
		},
		{
			name:   "unnamed failures",
			output: "Failed tests:\n",
			want:   []string{"<unnamed>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, conformance.ParseFailedTests(tt.output))
		})
	}
}

func TestConformance_FailedProtobufs(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	names, err := conformance.FailedProtobufs(outDir)
	require.NoError(t, err)
	require.Empty(t, names)

	dir := filepath.Join(outDir, "failed_protobufs")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.fix"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.fix"), nil, 0o644))

	names, err = conformance.FailedProtobufs(outDir)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)
}

func TestConformance_EffectsLogPath(t *testing.T) {
	t.Parallel()

	got := conformance.EffectsLogPath("/r", "/w/impl/lib/builtin.so", "a_1")
	require.Equal(t, "/r/builtin/a_1.txt", got)
}

func TestConformance_SuiteReplayer_ExecFixtures(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{RunFunc: func(context.Context, subprocess.Command) ([]byte, error) {
		return []byte("Passed: 1, Failed: 1\nFailed tests: ['bad']\n"), nil
	}}
	r := conformance.NewSuiteReplayer(runner, "/w/solana-conformance")

	failed, err := r.ExecFixtures(t.Context(), "/w/staged/config", "/w/lib/candidate.so")
	require.NoError(t, err)
	require.Equal(t, []string{"bad"}, failed)

	cmds := runner.Commands()
	require.Len(t, cmds, 1)
	require.Equal(t, "bash", cmds[0].Name)
	require.Equal(t, "/w/solana-conformance", cmds[0].Dir)
	require.Equal(t, []string{
		"-c",
		"source test_suite_env/bin/activate && solana-test-suite 'exec-fixtures' '-i' '/w/staged/config' '-t' '/w/lib/candidate.so'",
	}, cmds[0].Args)
}

func TestConformance_SuiteReplayer_RunTests(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "test_results")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "failed_protobufs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "failed_protobufs", "stale.fix"), nil, 0o644))

	runner := &mockRunner{RunFunc: func(context.Context, subprocess.Command) ([]byte, error) {
		dir := filepath.Join(outDir, "failed_protobufs")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		return nil, os.WriteFile(filepath.Join(dir, "fresh.fix"), nil, 0o644)
	}}
	r := conformance.NewSuiteReplayer(runner, "/w/solana-conformance")

	failed, err := r.RunTests(t.Context(), "/w/staged", "/w/lib/builtin.so", "/w/lib/candidate.so", outDir)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, failed)
	require.Contains(t, runner.Commands()[0].Args[1], "'run-tests'")
}
