// Package imageprep validates input images and normalizes them for upload.
package imageprep

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/domain/jsoncfg"
	"github.com/alexfaker/autoGenVideo/internal/infra"
	"github.com/alexfaker/autoGenVideo/internal/storage"
)

// SupportedExtensions maps accepted file extensions to MIME types.
var SupportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".bmp":  "image/bmp",
}

// Options configures a Preparer.
type Options struct {
	MaxBytes int64
	MaxSide  int
	Quality  int
	// Cache receives downscaled copies.
	Cache  *storage.FileStore
	Logger *infra.Logger
}

// Preparer turns a path on disk into a domain.ImageRef.
type Preparer struct {
	maxBytes int64
	maxSide  int
	quality  int
	cache    *storage.FileStore
	logger   infra.Logger
}

func New(opts Options) (*Preparer, error) {
	if opts.Cache == nil {
		return nil, errors.New("imageprep: cache store is required")
	}
	p := &Preparer{maxBytes: opts.MaxBytes, maxSide: opts.MaxSide, quality: opts.Quality, cache: opts.Cache}
	if p.maxBytes <= 0 {
		p.maxBytes = 10 << 20
	}
	if p.maxSide <= 0 {
		p.maxSide = 2048
	}
	if p.quality <= 0 || p.quality > 100 {
		p.quality = 85
	}
	if opts.Logger != nil {
		p.logger = infra.Component(*opts.Logger, "imageprep")
	} else {
		p.logger = infra.Logger(zerolog.New(io.Discard))
	}
	return p, nil
}

// IsSupported reports whether name has an accepted image extension.
func IsSupported(name string) bool {
	_, ok := SupportedExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// Prepare validates path and returns its descriptor. Images larger than
// the side limit are downscaled into the cache as JPEG; Path then points
// at the cached copy. The hash is always of the original bytes.
func (p *Preparer) Prepare(ctx context.Context, path string) (domain.ImageRef, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mime, ok := SupportedExtensions[ext]
	if !ok {
		return domain.ImageRef{}, fmt.Errorf("%w: unsupported format %q", domain.ErrInvalidImage, ext)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return domain.ImageRef{}, fmt.Errorf("imageprep: resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return domain.ImageRef{}, fmt.Errorf("%w: %v", domain.ErrInvalidImage, err)
	}
	if !info.Mode().IsRegular() {
		return domain.ImageRef{}, fmt.Errorf("%w: %s is not a regular file", domain.ErrInvalidImage, path)
	}
	if info.Size() == 0 || info.Size() > p.maxBytes {
		return domain.ImageRef{}, fmt.Errorf("%w: size %d outside 1..%d bytes", domain.ErrInvalidImage, info.Size(), p.maxBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return domain.ImageRef{}, fmt.Errorf("imageprep: read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.ImageRef{}, fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidImage, filepath.Base(path), err)
	}
	bounds := img.Bounds()
	ref := domain.ImageRef{
		Path:         abs,
		OriginalPath: abs,
		MIME:         mime,
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Size:         info.Size(),
		SHA256:       digest,
	}

	if ref.Width > p.maxSide || ref.Height > p.maxSide {
		w, h := fit(ref.Width, ref.Height, p.maxSide)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: p.quality}); err != nil {
			return domain.ImageRef{}, fmt.Errorf("imageprep: encode: %w", err)
		}
		cached, err := p.cache.Write(ctx, digest[:16]+".jpg", buf.Bytes())
		if err != nil {
			return domain.ImageRef{}, err
		}
		p.logger.Debug().
			Str("source", abs).
			Str("format", format).
			Int("width", w).
			Int("height", h).
			Msg("image downscaled")
		ref.Path = cached
		ref.MIME = "image/jpeg"
		ref.Width, ref.Height = w, h
		ref.Size = int64(buf.Len())
	}
	ref.AspectRatio = jsoncfg.AspectRatioFor(ref.Width, ref.Height)
	return ref, nil
}

// Load reads the bytes that will be uploaded for ref.
func Load(ref domain.ImageRef) ([]byte, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("imageprep: read %s: %w", ref.Path, err)
	}
	return data, nil
}

// fit scales w x h so that neither side exceeds max, keeping the ratio.
func fit(w, h, max int) (int, int) {
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}
