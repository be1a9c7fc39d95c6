package subprocess_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/core-bpf-migration/internal/subprocess"
	"github.com/stretchr/testify/require"
)

func TestSubprocess_Run(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := subprocess.NewRunner(log, false, subprocess.WithStdout(&out))

	output, err := r.Run(t.Context(), subprocess.Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	require.Contains(t, string(output), "out")
	require.Contains(t, string(output), "err")
	require.Empty(t, out.String())
}

func TestSubprocess_Run_DirAndEnv(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))
	r := subprocess.NewRunner(log, false, subprocess.WithStdout(&bytes.Buffer{}))

	output, err := r.Run(t.Context(), subprocess.Command{
		Name: "sh",
		Args: []string{"-c", "ls; echo $CBM_TEST_VALUE"},
		Dir:  dir,
		Env:  map[string]string{"CBM_TEST_VALUE": "from-command"},
	})
	require.NoError(t, err)
	require.Contains(t, string(output), "marker")
	require.Contains(t, string(output), "from-command")

	_, set := os.LookupEnv("CBM_TEST_VALUE")
	require.False(t, set)
}

func TestSubprocess_Run_UnsetHidesInheritedVariables(t *testing.T) {
	t.Setenv("CBM_TEST_INHERITED", "from-parent")
	t.Setenv("CBM_TEST_OVERRIDDEN", "from-parent")

	r := subprocess.NewRunner(log, false, subprocess.WithStdout(&bytes.Buffer{}))
	output, err := r.Run(t.Context(), subprocess.Command{
		Name:  "sh",
		Args:  []string{"-c", `echo "inherited=${CBM_TEST_INHERITED-unset}"; env | grep -c '^CBM_TEST_OVERRIDDEN='; echo "overridden=$CBM_TEST_OVERRIDDEN"`},
		Env:   map[string]string{"CBM_TEST_OVERRIDDEN": "from-command"},
		Unset: []string{"CBM_TEST_INHERITED"},
	})
	require.NoError(t, err)
	require.Contains(t, string(output), "inherited=unset")
	require.Contains(t, string(output), "overridden=from-command")
	require.Contains(t, string(output), "1\n")

	require.Equal(t, "from-parent", os.Getenv("CBM_TEST_INHERITED"))
}

func TestSubprocess_Run_Failure(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := subprocess.NewRunner(log, false, subprocess.WithStdout(&out))

	output, err := r.Run(t.Context(), subprocess.Command{Name: "sh", Args: []string{"-c", "echo broken; exit 3"}})
	require.Error(t, err)

	var exitErr *subprocess.ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, 3, exitErr.ExitCode)
	require.Contains(t, string(output), "broken")
	require.Contains(t, out.String(), "broken")
	require.Contains(t, err.Error(), `command "sh -c echo broken; exit 3" failed with exit code 3`)
}

func TestSubprocess_Run_Verbose(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	r := subprocess.NewRunner(log, true, subprocess.WithStdout(&out))

	output, err := r.Run(t.Context(), subprocess.Command{Name: "sh", Args: []string{"-c", "echo streamed"}})
	require.NoError(t, err)
	require.Contains(t, string(output), "streamed")
	require.Contains(t, out.String(), "streamed")
}

func TestSubprocess_Run_MissingBinary(t *testing.T) {
	t.Parallel()

	r := subprocess.NewRunner(log, false, subprocess.WithStdout(&bytes.Buffer{}))
	_, err := r.Run(t.Context(), subprocess.Command{Name: "cbm-definitely-not-installed"})

	var exitErr *subprocess.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, -1, exitErr.ExitCode)
}
