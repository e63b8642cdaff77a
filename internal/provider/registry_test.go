package provider_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/connwatch/internal/provider"
	"github.com/vietddude/connwatch/internal/provider/mock"
)

func TestStaticRegistry_Register(t *testing.T) {
	r := provider.NewRegistry()
	require.NoError(t, r.Register(mock.NewProvider("gdrive")))
	require.NoError(t, r.Register(mock.NewProvider("dropbox")))

	c, ok := r.Client("gdrive")
	require.True(t, ok)
	assert.Equal(t, "gdrive", c.Name())
	assert.Equal(t, []string{"dropbox", "gdrive"}, r.Names())
}

func TestStaticRegistry_RejectsAmbiguousNames(t *testing.T) {
	r := provider.NewRegistry()
	assert.Error(t, r.Register(mock.NewProvider("b:c")))
	assert.Error(t, r.Register(mock.NewProvider("b/c")))
	assert.Error(t, r.Register(mock.NewProvider("")))
	assert.Error(t, r.Register(nil))
	assert.Empty(t, r.Names())

	assert.Panics(t, func() { provider.NewRegistry(mock.NewProvider("a:b")) })
}
