package jsonselect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		document string
		expected []string
	}{
		{"string field", "$.a", `{"a":"hello"}`, []string{"hello"}},
		{"string array expands", "$.a", `{"a":["x","y"]}`, []string{"x", "y"}},
		{"mixed array keeps order", "$.a", `{"a":[{"k":1},"y"]}`, []string{`{"k":1}`, "y"}},
		{"empty path selects document", "", `42`, []string{"42"}},
		{"no match yields empty", "$.missing", `{}`, []string{}},
		{"bare identifier", "a", `{"a":"hello"}`, []string{"hello"}},
		{"nested path", "$.a.b", `{"a":{"b":"deep"}}`, []string{"deep"}},
		{"object renders compact", "$.a", `{"a":{"k": 1}}`, []string{`{"k":1}`}},
		{"number renders bare", "$.n", `{"n":7}`, []string{"7"}},
		{"boolean renders bare", "$.b", `{"b":true}`, []string{"true"}},
		{"null renders bare", "$.x", `{"x":null}`, []string{"null"}},
		{"whole document object", "$", `{"a":1}`, []string{`{"a":1}`}},
		{"array index", "$.a[1]", `{"a":["x","y"]}`, []string{"y"}},
		{"leading dot", ".a", `{"a":"hello"}`, []string{"hello"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			values, err := Select(test.path, []byte(test.document))
			require.NoError(t, err)
			assert.Equal(t, test.expected, values)
		})
	}
}

func TestSelect_BadPath(t *testing.T) {
	_, err := Select("$.[unclosed", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadPath)
}

func TestSelect_BadJSON(t *testing.T) {
	_, err := Select("$.a", []byte(`{not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadJSON)
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"", "$"},
		{"  ", "$"},
		{"$", "$"},
		{"$.a", "$.a"},
		{"a", "$.a"},
		{".a", "$.a"},
		{"[0]", "$[0]"},
		{"@.a", "@.a"},
	}

	for _, test := range tests {
		assert.Equal(t, test.expected, NormalizePath(test.in), "input %q", test.in)
	}
}
