package headless

import (
	"context"
	"errors"

	"github.com/quarryd/quarryd/internal/scrape"
)

// Noop implements scrape.Renderer but always fails, for deployments
// with headless rendering disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render returns an error since rendering is disabled.
func (Noop) Render(_ context.Context, request scrape.FetchRequest) (scrape.FetchResponse, error) {
	return scrape.FetchResponse{}, &scrape.RenderError{
		URL: request.URL,
		Err: errors.New("headless rendering disabled"),
	}
}
