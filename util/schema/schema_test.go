package schema

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type searchArgs struct {
	Query    string  `json:"query" required:"true" description:"Search query"`
	Limit    int     `json:"limit" default:"10" min:"1" max:"100"`
	Fuzzy    bool    `json:"fuzzy"`
	Score    float64 `json:"score"`
	Tags     []string `json:"tags"`
	Internal string  `json:"-"`
}

func TestFromStruct(t *testing.T) {
	s := FromStruct(searchArgs{})

	assert.Equal(t, "object", s.Type)
	assert.Equal(t, []string{"query"}, s.Required)

	query, ok := s.Properties["query"]
	require.True(t, ok)
	assert.Equal(t, "string", query.Type)
	assert.Equal(t, "Search query", query.Description)

	limit, ok := s.Properties["limit"]
	require.True(t, ok)
	assert.Equal(t, "integer", limit.Type)
	assert.Equal(t, 10, limit.Default)
	require.NotNil(t, limit.Minimum)
	assert.Equal(t, 1.0, *limit.Minimum)
	require.NotNil(t, limit.Maximum)
	assert.Equal(t, 100.0, *limit.Maximum)

	assert.Equal(t, "boolean", s.Properties["fuzzy"].Type)
	assert.Equal(t, "number", s.Properties["score"].Type)

	tags, ok := s.Properties["tags"]
	require.True(t, ok)
	assert.Equal(t, "array", tags.Type)
	require.NotNil(t, tags.Items)
	assert.Equal(t, "string", tags.Items.Type)

	_, excluded := s.Properties["Internal"]
	assert.False(t, excluded, "json:\"-\" fields must not appear in the schema")
}

func TestGenerateSchema(t *testing.T) {
	g := NewGenerator()
	m, err := g.GenerateSchema(searchArgs{})
	require.NoError(t, err)

	assert.Equal(t, "object", m["type"])
	assert.Equal(t, []string{"query"}, RequiredFields(m))

	props, ok := m["properties"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
}

func TestValidateAndConvertArgs(t *testing.T) {
	g := NewGenerator()
	m, err := g.GenerateSchema(searchArgs{})
	require.NoError(t, err)

	t.Run("missing required", func(t *testing.T) {
		_, err := ValidateAndConvertArgs(m, map[string]interface{}{"limit": 5}, reflect.TypeOf(searchArgs{}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query")
	})

	t.Run("weak typing", func(t *testing.T) {
		out, err := ValidateAndConvertArgs(m, map[string]interface{}{
			"query": "golang",
			"limit": "25",
			"fuzzy": 1,
		}, reflect.TypeOf(searchArgs{}))
		require.NoError(t, err)

		args, ok := out.(searchArgs)
		require.True(t, ok)
		assert.Equal(t, "golang", args.Query)
		assert.Equal(t, 25, args.Limit)
		assert.True(t, args.Fuzzy)
	})

	t.Run("pointer target", func(t *testing.T) {
		out, err := ValidateAndConvertArgs(m, map[string]interface{}{"query": "x"}, reflect.TypeOf(&searchArgs{}))
		require.NoError(t, err)

		args, ok := out.(*searchArgs)
		require.True(t, ok)
		assert.Equal(t, "x", args.Query)
	})
}
