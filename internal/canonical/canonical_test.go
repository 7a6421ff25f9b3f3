package canonical_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/neura-orchestra/internal/canonical"
)

func TestMarshalSortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": map[string]interface{}{"z": true, "y": nil}}
	b := map[string]interface{}{"a": map[string]interface{}{"y": nil, "z": true}, "b": 2}

	ca, err := canonical.Marshal(a)
	require.NoError(t, err)
	cb, err := canonical.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":null,"z":true},"b":2}`, string(ca))
	assert.Equal(t, ca, cb)
}

func TestMarshalStructsAndArrays(t *testing.T) {
	type row struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	out, err := canonical.Marshal(struct {
		Rows []row  `json:"rows"`
		ID   string `json:"id"`
	}{Rows: []row{{"loss", 0.5}, {"acc", 0.92}}, ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"id":"x","rows":[{"name":"loss","value":0.5},{"name":"acc","value":0.92}]}`, string(out))
}

func TestDigestIsStable(t *testing.T) {
	_, d1, err := canonical.Digest(map[string]interface{}{"a": 1, "b": "two"})
	require.NoError(t, err)
	_, d2, err := canonical.Digest(map[string]interface{}{"b": "two", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	_, err = canonical.Marshal(func() {})
	assert.Error(t, err)
}
