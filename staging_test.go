package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStagingDir_WritesFiles(t *testing.T) {
	dir, err := newStagingDir(map[string]string{
		"main.py":       "print('hi')\n",
		"pkg/helper.py": "x = 1\n",
	})
	require.NoError(t, err)
	defer removeStagingDir(dir)

	assert.True(t, filepath.IsAbs(dir))

	content, err := os.ReadFile(filepath.Join(dir, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(content))

	content, err = os.ReadFile(filepath.Join(dir, "pkg", "helper.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(content))
}

func TestNewStagingDir_RejectsAbsolutePath(t *testing.T) {
	_, err := newStagingDir(map[string]string{
		"/etc/passwd": "pwned\n",
	})
	assert.Error(t, err)
}

func TestNewStagingDir_RejectsTraversal(t *testing.T) {
	_, err := newStagingDir(map[string]string{
		"../escape.txt": "pwned\n",
	})
	assert.Error(t, err)
}

func TestNewStagingDir_RejectsNestedTraversal(t *testing.T) {
	_, err := newStagingDir(map[string]string{
		"a/../../escape.txt": "pwned\n",
	})
	assert.Error(t, err)
}

func TestRemoveStagingDir_DeletesDirectory(t *testing.T) {
	dir, err := newStagingDir(map[string]string{"f.txt": "x"})
	require.NoError(t, err)

	removeStagingDir(dir)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestRemoveStagingDir_IgnoresEmptyPath(t *testing.T) {
	removeStagingDir("") // must not panic
}
