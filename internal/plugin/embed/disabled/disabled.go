// Package disabled registers the "none" embedder: a stub that refuses
// to embed anything, used when semantic search is turned off so the
// rest of the pipeline can still depend on an Embedder unconditionally.
package disabled

import (
	"context"
	"fmt"

	"github.com/fieldnote/memoryd/internal/registry/embed"
)

func init() {
	embed.Register(embed.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (embed.Embedder, error) {
			return refusingEmbedder{}, nil
		},
	})
}

type refusingEmbedder struct{}

func (refusingEmbedder) EmbedTexts(_ context.Context, _ []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding is disabled")
}

func (refusingEmbedder) ModelName() string { return "none" }
func (refusingEmbedder) Dimension() int    { return 0 }

var _ embed.Embedder = refusingEmbedder{}
