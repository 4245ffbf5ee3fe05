package preprocess

import "context"

// Preparer normalizes an extracted frame or uploaded image before the
// detector sees it: bounded longest edge, JPEG output.
type Preparer interface {
	Prepare(ctx context.Context, input []byte) (data []byte, width, height int, err error)
}

type Options struct {
	// MaxEdge caps the longer image dimension. Zero keeps the source size.
	MaxEdge int
	// Quality is the JPEG output quality, 1 to 100.
	Quality int
}

const (
	DefaultMaxEdge = 1280
	DefaultQuality = 85
)

func (o Options) withDefaults() Options {
	if o.MaxEdge < 0 {
		o.MaxEdge = DefaultMaxEdge
	}
	if o.Quality <= 0 || o.Quality > 100 {
		o.Quality = DefaultQuality
	}
	return o
}

// New returns the preparer for this build: govips when compiled in, the
// pure-Go fallback otherwise.
func New(opts Options) (Preparer, error) {
	return newPreparer(opts.withDefaults())
}
