package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndAccessors(t *testing.T) {
	v, err := Parse([]byte(`{"model":"res.partner","ids":[1,2,3],"limit":5,"active":true,"ratio":1.5}`))
	require.NoError(t, err)
	require.Equal(t, KindMap, v.Kind())

	model, ok := mustGet(t, v, "model").StringVal()
	assert.True(t, ok)
	assert.Equal(t, "res.partner", model)

	limit, ok := mustGet(t, v, "limit").IntVal()
	assert.True(t, ok)
	assert.Equal(t, int64(5), limit)

	active, ok := mustGet(t, v, "active").BoolVal()
	assert.True(t, ok)
	assert.True(t, active)

	ids, ok := mustGet(t, v, "ids").ListVal()
	assert.True(t, ok)
	assert.Len(t, ids, 3)

	assert.Equal(t, KindFloat, mustGet(t, v, "ratio").Kind())
}

func mustGet(t *testing.T, v Value, key string) Value {
	t.Helper()
	c, ok := v.Get(key)
	require.True(t, ok, "key %s missing", key)
	return c
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := Parse([]byte(`{"a":1} {"b":2}`))
	assert.Error(t, err)
}

func TestCanonicalKeyOrderIndependent(t *testing.T) {
	a, err := Parse([]byte(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"a":1,"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, string(a.Canonical()), string(b.Canonical()))
}

func TestCanonicalNormalizesIntegralFloats(t *testing.T) {
	a, err := Parse([]byte(`{"limit":5}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"limit":5.0}`))
	require.NoError(t, err)

	assert.Equal(t, string(a.Canonical()), string(b.Canonical()))
}

func TestCanonicalNested(t *testing.T) {
	v, err := Parse([]byte(`{"domain":[["is_company","=",true]],"fields":["name","email"]}`))
	require.NoError(t, err)
	assert.Equal(t,
		`{"domain":[["is_company","=",true]],"fields":["name","email"]}`,
		string(v.Canonical()))
}

func TestDigestStability(t *testing.T) {
	a, _ := Parse([]byte(`{"b":2,"a":1}`))
	b, _ := Parse([]byte(`{"a":1.0,"b":2}`))

	assert.Equal(t,
		Digest("t1", "search_read", "res.partner", a),
		Digest("t1", "search_read", "res.partner", b))

	// Any component change moves the digest.
	assert.NotEqual(t,
		Digest("t1", "search_read", "res.partner", a),
		Digest("t2", "search_read", "res.partner", a))
	assert.NotEqual(t,
		Digest("t1", "search_read", "res.partner", a),
		Digest("t1", "search", "res.partner", a))
	assert.NotEqual(t,
		Digest("t1", "search_read", "res.partner", a),
		Digest("t1", "search_read", "sale.order", a))
}

func TestInterfaceRoundTrip(t *testing.T) {
	v, err := Parse([]byte(`{"ids":[7],"values":{"email":"x@y.z"}}`))
	require.NoError(t, err)

	out := v.Interface().(map[string]interface{})
	assert.Equal(t, []interface{}{int64(7)}, out["ids"])
	assert.Equal(t, map[string]interface{}{"email": "x@y.z"}, out["values"])
}
