//go:build !wgpu

package gpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_NoBackend(t *testing.T) {
	_, err := Open()
	require.ErrorIs(t, err, ErrNoAdapter)
}
