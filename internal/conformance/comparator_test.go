package conformance_test

import (
	"testing"

	"github.com/malbeclabs/core-bpf-migration/internal/conformance"
	"github.com/stretchr/testify/require"
)

const baselineEffects = `result: 0
cu_avail: 9850
modified_accounts {
  address: "abc"
  lamports: 100
  data: "\001\002"
}
modified_accounts {
  address: "def"
  lamports: 200
}
return_data: ""
`

func TestConformance_FlattenEffects(t *testing.T) {
	t.Parallel()

	got, err := conformance.FlattenEffects([]byte(baselineEffects))
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"result":                        "0",
		"cu_avail":                      "9850",
		"modified_accounts.address":     `"abc"`,
		"modified_accounts.lamports":    "100",
		"modified_accounts.data":        `"\001\002"`,
		"modified_accounts[1].address":  `"def"`,
		"modified_accounts[1].lamports": "200",
		"return_data":                   `""`,
	}, got)
}

func TestConformance_FlattenEffects_Malformed(t *testing.T) {
	t.Parallel()

	_, err := conformance.FlattenEffects([]byte("result: 0\n}\n"))
	require.ErrorContains(t, err, "unbalanced")

	_, err = conformance.FlattenEffects([]byte("modified_accounts {\n  lamports: 1\n"))
	require.ErrorContains(t, err, "unterminated")

	_, err = conformance.FlattenEffects([]byte("garbage\n"))
	require.ErrorContains(t, err, "expected field")
}

func TestConformance_FieldComparator(t *testing.T) {
	t.Parallel()

	candidate := []byte(`result: 0
cu_avail: 9100
modified_accounts {
  address: "abc"
  lamports: 100
  data: "\001\002"
}
modified_accounts {
  address: "def"
  lamports: 200
}
return_data: ""
`)

	t.Run("self comparison", func(t *testing.T) {
		t.Parallel()

		m, err := (&conformance.FieldComparator{}).Compare("a", []byte(baselineEffects), []byte(baselineEffects))
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("strict by default", func(t *testing.T) {
		t.Parallel()

		m, err := (&conformance.FieldComparator{}).Compare("a", []byte(baselineEffects), candidate)
		require.NoError(t, err)
		require.NotNil(t, m)
		require.Equal(t, "a", m.Fixture)
		require.Contains(t, m.Diff, "-cu_avail: 9850")
		require.Contains(t, m.Diff, "+cu_avail: 9100")
	})

	t.Run("ignored field", func(t *testing.T) {
		t.Parallel()

		m, err := (&conformance.FieldComparator{IgnoreFields: []string{"cu_avail"}}).Compare("a", []byte(baselineEffects), candidate)
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("ignored message", func(t *testing.T) {
		t.Parallel()

		other := []byte("result: 0\ncu_avail: 9850\nreturn_data: \"\"\n")
		m, err := (&conformance.FieldComparator{IgnoreFields: []string{"modified_accounts"}}).Compare("a", []byte(baselineEffects), other)
		require.NoError(t, err)
		require.Nil(t, m)
	})

	t.Run("unparseable", func(t *testing.T) {
		t.Parallel()

		_, err := (&conformance.FieldComparator{}).Compare("a", []byte(baselineEffects), []byte("}"))
		require.ErrorContains(t, err, "candidate effects of a")
	})
}
