package imageprep

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alexfaker/autoGenVideo/internal/domain"
	"github.com/alexfaker/autoGenVideo/internal/storage"
)

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

func newPreparer(t *testing.T, maxSide int) *Preparer {
	t.Helper()
	cache, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	p, err := New(Options{MaxSide: maxSide, Cache: cache})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestPrepareKeepsSmallImage(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "cat.png", 720, 1280)
	p := newPreparer(t, 2048)

	ref, err := p.Prepare(context.Background(), path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if ref.Path != ref.OriginalPath || ref.MIME != "image/png" {
		t.Fatalf("small image should not be rewritten: %+v", ref)
	}
	if ref.Width != 720 || ref.Height != 1280 || ref.AspectRatio != "9:16" {
		t.Fatalf("unexpected geometry: %+v", ref)
	}
	if len(ref.SHA256) != 64 {
		t.Fatalf("sha256 = %q", ref.SHA256)
	}
}

func TestPrepareDownscalesLargeImage(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "wide.png", 400, 200)
	p := newPreparer(t, 100)

	ref, err := p.Prepare(context.Background(), path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if ref.Width != 100 || ref.Height != 50 || ref.MIME != "image/jpeg" {
		t.Fatalf("unexpected downscale: %+v", ref)
	}
	if ref.Path == ref.OriginalPath || !strings.HasSuffix(ref.Path, ".jpg") {
		t.Fatalf("expected cached jpeg path, got %s", ref.Path)
	}
	data, err := Load(ref)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || format != "jpeg" || cfg.Width != 100 {
		t.Fatalf("cached file = %s %dx%d (%v)", format, cfg.Width, cfg.Height, err)
	}
	if ref.AspectRatio != "2:1" {
		t.Fatalf("aspect ratio = %s", ref.AspectRatio)
	}
}

func TestPrepareRejects(t *testing.T) {
	dir := t.TempDir()
	p := newPreparer(t, 2048)

	gif := filepath.Join(dir, "anim.gif")
	os.WriteFile(gif, []byte("GIF89a"), 0o644)
	corrupt := filepath.Join(dir, "broken.jpg")
	os.WriteFile(corrupt, []byte("not a jpeg"), 0o644)
	empty := filepath.Join(dir, "empty.png")
	os.WriteFile(empty, nil, 0o644)

	for _, path := range []string{gif, corrupt, empty, filepath.Join(dir, "missing.png")} {
		if _, err := p.Prepare(context.Background(), path); !errors.Is(err, domain.ErrInvalidImage) {
			t.Fatalf("Prepare(%s) = %v, want ErrInvalidImage", filepath.Base(path), err)
		}
	}
}

func TestPrepareRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := writePNG(t, dir, "big.png", 64, 64)
	cache, _ := storage.NewFileStore(t.TempDir())
	p, _ := New(Options{MaxBytes: 10, Cache: cache})
	if _, err := p.Prepare(context.Background(), path); !errors.Is(err, domain.ErrInvalidImage) {
		t.Fatalf("expected size rejection, got %v", err)
	}
}

func TestIsSupported(t *testing.T) {
	for name, want := range map[string]bool{"a.JPG": true, "b.webp": true, "c.bmp": true, "d.gif": false, "e": false} {
		if IsSupported(name) != want {
			t.Fatalf("IsSupported(%q) != %v", name, want)
		}
	}
}

func TestFit(t *testing.T) {
	if w, h := fit(4000, 3000, 2048); w != 2048 || h != 1536 {
		t.Fatalf("fit landscape = %dx%d", w, h)
	}
	if w, h := fit(1000, 5000, 2048); w != 409 || h != 2048 {
		t.Fatalf("fit portrait = %dx%d", w, h)
	}
}

func TestScanDirNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"img10.png", "img2.jpg", "img1.webp", "notes.txt", "IMG3.BMP"} {
		os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644)
	}
	os.Mkdir(filepath.Join(dir, "sub.png"), 0o755)

	got, err := ScanDir(dir)
	if err != nil {
		t.Fatalf("ScanDir: %v", err)
	}
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	want := []string{"IMG3.BMP", "img1.webp", "img2.jpg", "img10.png"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", names, want)
	}
}
