package mlproxy

import (
	"context"

	"github.com/abelbrown/discrimhist/internal/discrim"
)

// Service runs processors somewhere. Client and Local implement it.
type Service interface {
	// Locate returns a location of handle that the processors can read.
	Locate(ctx context.Context, handle string) (string, error)
	// Filter applies f to firings and returns the filtered location.
	Filter(ctx context.Context, firings string, f discrim.EventFilter) (string, error)
	// Run executes processor and returns the location of its output.
	Run(ctx context.Context, processor string, params map[string]string) (string, error)
	// Fetch makes location readable as a local file, staging into dir.
	Fetch(ctx context.Context, location, dir string) (string, error)
	// Endpoint identifies the service in requests and logs.
	Endpoint() string
}

var (
	_ Service = (*Client)(nil)
	_ Service = (*Local)(nil)
)
