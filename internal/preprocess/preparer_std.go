//go:build !govips || !cgo

package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

type stdlibPreparer struct {
	opts Options
}

func (p stdlibPreparer) Prepare(ctx context.Context, input []byte) ([]byte, int, int, error) {
	select {
	case <-ctx.Done():
		return nil, 0, 0, ctx.Err()
	default:
	}

	src, _, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode source image: %w", err)
	}

	out, err := capLongestEdge(src, p.opts.MaxEdge)
	if err != nil {
		return nil, 0, 0, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: p.opts.Quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}

	bounds := out.Bounds()
	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}

func capLongestEdge(src image.Image, maxEdge int) (image.Image, error) {
	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()
	if srcW == 0 || srcH == 0 {
		return nil, errors.New("source image has invalid dimensions")
	}

	longest := srcW
	if srcH > longest {
		longest = srcH
	}
	if maxEdge == 0 || longest <= maxEdge {
		return src, nil
	}

	scale := float64(maxEdge) / float64(longest)
	width := int(math.Round(float64(srcW) * scale))
	height := int(math.Round(float64(srcH) * scale))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := srcBounds.Min.Y + (y*srcH)/height
		for x := 0; x < width; x++ {
			srcX := srcBounds.Min.X + (x*srcW)/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}
	return dst, nil
}
