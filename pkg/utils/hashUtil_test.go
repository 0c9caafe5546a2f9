package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("hello")
const helloHash = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestHashFileMatchesHashString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, helloHash, got)
	assert.Equal(t, helloHash, HashString("hello"))

	_, err = HashFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestHashJSONIsStable(t *testing.T) {
	type view struct {
		A int    `json:"a"`
		B string `json:"b"`
	}
	h1, err := HashJSON(view{A: 1, B: "x"})
	require.NoError(t, err)
	h2, err := HashJSON(view{A: 1, B: "x"})
	require.NoError(t, err)
	h3, err := HashJSON(view{A: 2, B: "x"})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Equal(t, HashString(`{"a":1,"b":"x"}`), h1)
}
