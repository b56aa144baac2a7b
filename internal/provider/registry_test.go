package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fal-openai-adapter/internal/config"
)

func TestRegistryResolveKnownModel(t *testing.T) {
	r, err := NewRegistry(config.Default().Backend)
	require.NoError(t, err)

	endpoints, fallback := r.Resolve("recraft-v3")
	assert.False(t, fallback)
	assert.Equal(t, "https://queue.fal.run/fal-ai/recraft-v3", endpoints.SubmitURL)
	assert.Equal(t, "https://queue.fal.run/fal-ai/recraft-v3", endpoints.StatusBaseURL)

	endpoints, fallback = r.Resolve("flux-1.1-ultra")
	assert.False(t, fallback)
	assert.Equal(t, "https://queue.fal.run/fal-ai/flux-pro/v1.1-ultra", endpoints.SubmitURL)
	assert.Equal(t, "https://queue.fal.run/fal-ai/flux-pro", endpoints.StatusBaseURL)
}

func TestRegistryUnknownModelFallsBackToDefault(t *testing.T) {
	r, err := NewRegistry(config.Default().Backend)
	require.NoError(t, err)

	def, _ := r.Resolve("dall-e-3")
	for _, id := range []string{"", "midjourney", "DALL-E-3", "gpt-4o"} {
		endpoints, fallback := r.Resolve(id)
		assert.True(t, fallback, id)
		assert.Equal(t, def, endpoints, id)
	}
}

func TestRegistryAliasResolvesToTarget(t *testing.T) {
	r, err := NewRegistry(config.Default().Backend)
	require.NoError(t, err)

	endpoints, fallback := r.Resolve("gpt-4-vision-preview")
	assert.False(t, fallback)
	def, _ := r.Resolve("dall-e-3")
	assert.Equal(t, def, endpoints)

	m, err := r.LookupModel("gpt-4-vision-preview")
	require.NoError(t, err)
	assert.Equal(t, "dall-e-3", m.AliasOf)
}

func TestRegistryModelsOrder(t *testing.T) {
	r, err := NewRegistry(config.Default().Backend)
	require.NoError(t, err)

	var ids []string
	for _, m := range r.Models() {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"flux-1.1-ultra", "recraft-v3", "flux-1.1-pro", "ideogram-v2", "dall-e-3", "gpt-4-vision-preview"}, ids)
	assert.Equal(t, "dall-e-3", r.DefaultModel())
}

func TestRegistryLookupUnknown(t *testing.T) {
	r, err := NewRegistry(config.Default().Backend)
	require.NoError(t, err)

	_, err = r.LookupModel("nope")
	assert.True(t, errors.Is(err, ErrUnknownModel))
}

func TestNewRegistryRejectsBadTables(t *testing.T) {
	cfg := config.Default().Backend
	cfg.Models = append(cfg.Models, cfg.Models[0])
	_, err := NewRegistry(cfg)
	assert.ErrorIs(t, err, ErrDuplicateModel)

	cfg = config.Default().Backend
	cfg.DefaultModel = "missing"
	_, err = NewRegistry(cfg)
	assert.ErrorIs(t, err, ErrUnknownModel)

	cfg = config.Default().Backend
	cfg.Aliases = map[string]string{"alias": "missing"}
	_, err = NewRegistry(cfg)
	assert.Error(t, err)
}

func TestErrorKinds(t *testing.T) {
	err := NewError(KindBackend, 502, "Fal API error: bad gateway", nil)
	assert.Equal(t, KindBackend, KindOf(err))
	assert.Equal(t, "Fal API error: bad gateway", err.Error())

	wrapped := NewError(KindGenerationFailed, 0, "Image generation failed", ErrGenerationFailed)
	assert.ErrorIs(t, wrapped, ErrGenerationFailed)
	assert.Equal(t, KindServer, KindOf(errors.New("boom")))
}
