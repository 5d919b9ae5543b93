package sha256

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashReader(t *testing.T) {
	t.Parallel()

	digest, algorithm, size, err := New().HashReader(strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
	require.Equal(t, "sha256", algorithm)
	require.Equal(t, int64(5), size)
}

func TestHashReaderEmpty(t *testing.T) {
	t.Parallel()

	digest, algorithm, size, err := New().HashReader(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", digest)
	require.Equal(t, "sha256", algorithm)
	require.Zero(t, size)
}
