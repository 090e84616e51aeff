package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrimProcessor(t *testing.T) {
	result, err := (&TrimProcessor{}).Process([]string{"  hello    ", " world "}, ShapeString)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, result)
}

func TestKeyValueProcessor(t *testing.T) {
	result, err := (&KeyValueProcessor{}).Process([]string{" key2: value2 ", "noise", " key1: value1 "}, ShapeString)
	require.NoError(t, err)
	assert.Equal(t, []string{"key1: value1", "key2: value2"}, result)

	_, err = (&KeyValueProcessor{}).Process([]string{": orphan"}, ShapeString)
	assert.Error(t, err)
}

func TestKeyValueJSONProcessor(t *testing.T) {
	p := &KeyValueJSONProcessor{}
	assert.Equal(t, TypeKeyValueJSON, p.Name())

	result, err := p.Process([]string{"bandwidth: 940 Mbits/sec", "jitter: 0.1 ms"}, ShapeString)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"bandwidth":"940 Mbits/sec","jitter":"0.1 ms"}`}, result)
}

func TestSplitLinesProcessor(t *testing.T) {
	p := &SplitLinesProcessor{}
	result, err := p.Process([]string{"a b", " c\td "}, ShapeArray)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d"}, result)

	untouched, err := p.Process([]string{"a b"}, ShapeString)
	require.NoError(t, err)
	assert.Equal(t, []string{"a b"}, untouched)
}

func TestChain(t *testing.T) {
	c := NewChain()
	result, err := c.Process([]string{"key1: value1 ", "key2: value2 "}, ShapeString, TypeTrim, TypeKeyValue)
	require.NoError(t, err)
	assert.Equal(t, []string{"key1: value1", "key2: value2"}, result)
}

func TestChainEdgeCases(t *testing.T) {
	c := NewChain()
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "single string with newlines",
			input:    []string{"  key1: value1\n    key2: value2  "},
			expected: []string{"key1: value1", "key2: value2"},
		},
		{
			name:     "empty input",
			input:    []string{},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := c.Process(tt.input, ShapeString, TypeTrim, TypeKeyValue)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestChainRejectsUnknowns(t *testing.T) {
	c := NewChain()
	_, err := c.Process([]string{"x"}, ShapeString, "upper")
	assert.Error(t, err)
	_, err = c.Process([]string{"x"}, Shape("table"), TypeTrim)
	assert.Error(t, err)
}

func TestValue(t *testing.T) {
	s, err := Value([]string{"a", "b"}, ShapeString)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", s)

	arr, err := Value([]string{"a", "b"}, ShapeArray)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, arr)

	obj, err := Value([]string{"os: linux", "arch: amd64"}, ShapeObject)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"os": "linux", "arch": "amd64"}, obj)
}
