package ai

import (
	"strings"

	"github.com/SebastianBO/globaltrial-sub000/internal/adapter/ai/real"
	"github.com/SebastianBO/globaltrial-sub000/internal/config"
	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// FromConfig builds the configured embedder wrapped in the embed cache.
// EMBEDDER=deterministic selects the offline embedder; anything else uses
// the OpenAI-compatible client.
func FromConfig(cfg config.Config) domain.Embedder {
	var base domain.Embedder
	if strings.EqualFold(cfg.Embedder, "deterministic") {
		base = NewDeterministic(Dims)
	} else {
		base = real.New(cfg)
	}
	return NewEmbedCache(base, cfg.EmbedCacheSize)
}
