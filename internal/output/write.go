package output

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	DefaultThumbWidth  = 256
	DefaultThumbHeight = 256
)

func random8() (string, error) {
	b := make([]byte, 8)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b), nil
}

// UniquePair reserves an unused image/thumbnail path pair under outDir:
// gen_<id><ext> and gen_<id>_thumb<ext>.
func UniquePair(outDir, ext string) (string, string, string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", "", err
	}
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		ext = ".png"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	for i := 0; i < 100; i++ {
		s, err := random8()
		if err != nil {
			return "", "", "", err
		}
		img := filepath.Join(outDir, fmt.Sprintf("gen_%s%s", s, ext))
		thumb := filepath.Join(outDir, fmt.Sprintf("gen_%s_thumb%s", s, ext))
		if _, err := os.Stat(img); err == nil {
			continue
		}
		if _, err := os.Stat(thumb); err == nil {
			continue
		}
		return s, img, thumb, nil
	}
	return "", "", "", fmt.Errorf("生成唯一文件名失败")
}

// SaveImage writes data to path after checking that it decodes as an image.
// The bytes are stored unchanged.
func SaveImage(path string, data []byte) (width, height int, _ error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("输出不是可识别的图片: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, 0, fmt.Errorf("创建目录失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return 0, 0, fmt.Errorf("写入图片失败: %w", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// WriteThumbnail fits srcPath into a boxW x boxH box and saves it to dstPath.
// Smaller sources are not upscaled.
func WriteThumbnail(srcPath, dstPath string, boxW, boxH int) (w int, h int, _ error) {
	if boxW <= 0 {
		boxW = DefaultThumbWidth
	}
	if boxH <= 0 {
		boxH = DefaultThumbHeight
	}
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, fmt.Errorf("打开图片失败: %w", err)
	}
	thumb := imaging.Fit(src, boxW, boxH, imaging.Lanczos)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return 0, 0, fmt.Errorf("创建目录失败: %w", err)
	}
	if err := imaging.Save(thumb, dstPath); err != nil {
		return 0, 0, fmt.Errorf("保存缩略图失败: %w", err)
	}
	b := thumb.Bounds()
	return b.Dx(), b.Dy(), nil
}
