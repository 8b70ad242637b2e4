package configtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTree() Tree {
	return Tree{
		"gateway": map[string]interface{}{
			"port": int64(18789),
			"auth": map[string]interface{}{
				"token": "${GATEWAY_TOKEN}",
			},
		},
		"tools": map[string]interface{}{
			"allow": []interface{}{"read", "write", 42},
		},
		"enabled": true,
	}
}

func TestLookup(t *testing.T) {
	tree := sampleTree()

	tests := []struct {
		name   string
		path   string
		want   interface{}
		wantOK bool
	}{
		{name: "nested string", path: "gateway.auth.token", want: "${GATEWAY_TOKEN}", wantOK: true},
		{name: "nested number", path: "gateway.port", want: int64(18789), wantOK: true},
		{name: "top level", path: "enabled", want: true, wantOK: true},
		{name: "missing leaf", path: "gateway.auth.password", wantOK: false},
		{name: "through scalar", path: "enabled.value", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(tree, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTypedLookups(t *testing.T) {
	tree := sampleTree()

	port, ok := LookupNumber(tree, "gateway.port")
	require.True(t, ok)
	assert.Equal(t, 18789.0, port)

	_, ok = LookupString(tree, "gateway.port")
	assert.False(t, ok, "number must not read as string")

	allow, ok := LookupStrings(tree, "tools.allow")
	require.True(t, ok)
	assert.Equal(t, []string{"read", "write"}, allow)

	auth, ok := LookupMap(tree, "gateway.auth")
	require.True(t, ok)
	assert.Len(t, auth, 1)
}

func TestCloneIsDeep(t *testing.T) {
	original := sampleTree()
	clone := CloneTree(original)

	clone["gateway"].(map[string]interface{})["port"] = int64(1)
	clone["tools"].(map[string]interface{})["allow"].([]interface{})[0] = "exec"

	port, _ := LookupNumber(original, "gateway.port")
	assert.Equal(t, 18789.0, port)
	allow, _ := LookupStrings(original, "tools.allow")
	assert.Equal(t, "read", allow[0])
}

func TestNormalize(t *testing.T) {
	in := map[string]interface{}{
		"int":     3,
		"float":   3.0,
		"frac":    0.25,
		"strings": []string{"a"},
		"nested":  map[interface{}]interface{}{"k": 1},
	}

	out := Normalize(in).(map[string]interface{})
	assert.Equal(t, int64(3), out["int"])
	assert.Equal(t, int64(3), out["float"])
	assert.Equal(t, 0.25, out["frac"])
	assert.Equal(t, []interface{}{"a"}, out["strings"])
	assert.Equal(t, map[string]interface{}{"k": int64(1)}, out["nested"])
}

func TestEqualIgnoresKeyOrderAndNumberRepresentation(t *testing.T) {
	a := map[string]interface{}{"x": 1, "y": map[string]interface{}{"b": 2.0, "a": "v"}}
	b := map[string]interface{}{"y": map[string]interface{}{"a": "v", "b": int64(2)}, "x": 1.0}
	assert.True(t, Equal(a, b))

	assert.False(t, Equal([]interface{}{"a", "b"}, []interface{}{"b", "a"}), "array order matters")
	assert.False(t, Equal(nil, map[string]interface{}{}))
}

func TestDigestStable(t *testing.T) {
	d1, err := Digest(sampleTree())
	require.NoError(t, err)
	d2, err := Digest(CloneTree(sampleTree()))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)
}

func TestFromValueAndDecode(t *testing.T) {
	type runtime struct {
		Image string  `json:"image"`
		CPU   float64 `json:"cpu"`
	}

	tree, err := FromValue(runtime{Image: "app:1.0.0", CPU: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(2), tree["cpu"])

	var back runtime
	require.NoError(t, Decode(tree, &back))
	assert.Equal(t, "app:1.0.0", back.Image)
	assert.Equal(t, 2.0, back.CPU)
}
