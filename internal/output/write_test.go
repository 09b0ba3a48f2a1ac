package output

import (
	"bytes"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 10, G: 120, B: 200, A: 255})
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUniquePair_Success(t *testing.T) {
	dir := t.TempDir()
	s, img, thumb, err := UniquePair(dir, "PNG")
	if err != nil {
		t.Fatalf("UniquePair error: %v", err)
	}
	if len(s) != 8 {
		t.Fatalf("id len=%d want=8", len(s))
	}
	if filepath.Base(img) != "gen_"+s+".png" {
		t.Fatalf("unexpected image path: %s", img)
	}
	if !strings.HasSuffix(thumb, "_thumb.png") {
		t.Fatalf("unexpected thumb path: %s", thumb)
	}

	_, img2, _, err := UniquePair(dir, "")
	if err != nil || filepath.Ext(img2) != ".png" {
		t.Fatalf("default ext: %s err=%v", img2, err)
	}
}

func TestUniquePair_MkdirError(t *testing.T) {
	dir := t.TempDir()
	fileAsDir := filepath.Join(dir, "file")
	if err := os.WriteFile(fileAsDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := UniquePair(fileAsDir, ".png"); err == nil {
		t.Fatal("expected mkdir error")
	}
}

func TestSaveImageAndThumbnail(t *testing.T) {
	dir := t.TempDir()
	data := pngBytes(t, 640, 320)
	p := filepath.Join(dir, "out", "gen.png")

	w, h, err := SaveImage(p, data)
	if err != nil {
		t.Fatalf("SaveImage error: %v", err)
	}
	if w != 640 || h != 320 {
		t.Fatalf("size=%dx%d", w, h)
	}
	got, err := os.ReadFile(p)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("stored bytes differ err=%v", err)
	}

	tp := filepath.Join(dir, "out", "gen_thumb.png")
	tw, th, err := WriteThumbnail(p, tp, 128, 128)
	if err != nil {
		t.Fatalf("WriteThumbnail error: %v", err)
	}
	if tw != 128 || th != 64 {
		t.Fatalf("thumb size=%dx%d want 128x64", tw, th)
	}
	if _, err := os.Stat(tp); err != nil {
		t.Fatalf("thumb missing: %v", err)
	}

	small := filepath.Join(dir, "small.png")
	if _, _, err := SaveImage(small, pngBytes(t, 40, 30)); err != nil {
		t.Fatal(err)
	}
	tw, th, err = WriteThumbnail(small, filepath.Join(dir, "small_thumb.png"), 0, 0)
	if err != nil || tw != 40 || th != 30 {
		t.Fatalf("small thumb=%dx%d err=%v", tw, th, err)
	}
}

func TestSaveImage_RejectsNonImage(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.png")
	if _, _, err := SaveImage(p, []byte("<html>not an image</html>")); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatal("nothing should be written for a non-image")
	}
	if _, _, err := WriteThumbnail(filepath.Join(t.TempDir(), "missing.png"), p, 10, 10); err == nil {
		t.Fatal("expected open error")
	}
}
