//go:build govips && cgo

package preprocess

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsPreparer struct {
	opts Options
}

func (p govipsPreparer) Prepare(ctx context.Context, input []byte) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if p.opts.MaxEdge > 0 {
		longest := img.Width()
		if img.Height() > longest {
			longest = img.Height()
		}
		if longest > p.opts.MaxEdge {
			scale := float64(p.opts.MaxEdge) / float64(longest)
			if err := img.Resize(scale, vips.KernelLanczos3); err != nil {
				return nil, 0, 0, fmt.Errorf("resize image: %w", err)
			}
		}
	}

	params := vips.NewJpegExportParams()
	params.Quality = p.opts.Quality
	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("export jpeg: %w", err)
	}
	return data, img.Width(), img.Height(), nil
}
