package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	src, err := New([]byte("fn main() {}"))
	require.NoError(t, err)
	require.Equal(t, "fn main() {}", src.Text)
	require.Len(t, src.Fingerprint, 64)
	require.Len(t, src.Short(), 16)
	require.Equal(t, src.Fingerprint, Fingerprint(src.Bytes()))

	other, err := New([]byte("fn main() { }"))
	require.NoError(t, err)
	require.NotEqual(t, src.Fingerprint, other.Fingerprint)

	_, err = New([]byte(" \n\t"))
	require.ErrorIs(t, err, ErrEmpty)

	_, err = New([]byte{0xff, 0xfe, 'a'})
	require.ErrorIs(t, err, ErrNotText)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "invert.wgsl")
	require.NoError(t, os.WriteFile(path, []byte("@compute fn main() {}"), 0o600))

	src, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "@compute fn main() {}", src.Text)

	_, err = Load(filepath.Join(dir, "missing.wgsl"))
	require.Error(t, err)
	require.True(t, errors.Is(err, os.ErrNotExist))

	empty := filepath.Join(dir, "empty.wgsl")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = Load(empty)
	require.ErrorIs(t, err, ErrEmpty)
}
