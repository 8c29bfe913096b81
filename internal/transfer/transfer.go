// Package transfer moves images between bytes, files and gocv Mats.
package transfer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"
	"sync"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"gocv.io/x/gocv"
	"gopkg.in/gographics/imagick.v3/imagick"

	"smartdip/internal/config"
)

// ErrInvalidImage is returned when bytes cannot be decoded as an image.
var ErrInvalidImage = errors.New("invalid image")

// Formats accepted for encoding.
const (
	PNG  = "png"
	JPEG = "jpeg"
	WebP = "webp"
)

// Codec decodes uploads and encodes results according to the transfer settings.
type Codec struct {
	cfg config.Transfer
}

// NewCodec returns a codec for cfg. Unknown output formats fall back to PNG.
func NewCodec(cfg config.Transfer) *Codec {
	switch cfg.OutputFormat {
	case PNG, JPEG, WebP:
	case "jpg":
		cfg.OutputFormat = JPEG
	default:
		cfg.OutputFormat = PNG
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	return &Codec{cfg: cfg}
}

// Format returns the configured output format.
func (c *Codec) Format() string { return c.cfg.OutputFormat }

// MIME returns the content type of encoded output.
func (c *Codec) MIME() string { return MIMEType(c.cfg.OutputFormat) }

// MIMEType maps a format name to its content type.
func MIMEType(format string) string {
	switch format {
	case JPEG:
		return "image/jpeg"
	case WebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// Decode turns encoded bytes into a 3-channel BGR Mat. OpenCV is tried first, then the
// Go decoders (bmp, tiff, webp, gif), then ImageMagick when enabled.
func (c *Codec) Decode(data []byte) (gocv.Mat, error) {
	if len(data) == 0 {
		return gocv.NewMat(), fmt.Errorf("%w: empty input", ErrInvalidImage)
	}
	if m, err := gocv.IMDecode(data, gocv.IMReadColor); err == nil && !m.Empty() {
		return m, nil
	} else if err == nil {
		m.Close()
	}

	img, _, stdErr := image.Decode(bytes.NewReader(data))
	if stdErr == nil {
		m, err := gocv.ImageToMatRGB(img)
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("%w: %v", ErrInvalidImage, err)
		}
		return m, nil
	}

	if c.cfg.MagickFallback {
		png, err := magickToPNG(data)
		if err == nil {
			m, err := gocv.IMDecode(png, gocv.IMReadColor)
			if err == nil && !m.Empty() {
				return m, nil
			}
			m.Close()
		}
	}
	return gocv.NewMat(), fmt.Errorf("%w: %v", ErrInvalidImage, stdErr)
}

// DecodeFile reads and decodes the file at path.
func (c *Codec) DecodeFile(path string) (gocv.Mat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return gocv.NewMat(), err
	}
	return c.Decode(data)
}

var (
	magickOnce sync.Once
	magickMu   sync.Mutex
)

// magickToPNG converts anything ImageMagick can read to PNG bytes.
// ImageMagick is initialized on first use and stays up for the process.
func magickToPNG(data []byte) ([]byte, error) {
	magickOnce.Do(imagick.Initialize)
	magickMu.Lock()
	defer magickMu.Unlock()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(data); err != nil {
		return nil, fmt.Errorf("imagemagick read: %w", err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return nil, fmt.Errorf("imagemagick format: %w", err)
	}
	return mw.GetImageBlob(), nil
}

// Encode encodes m in the configured output format at full size.
func (c *Codec) Encode(m gocv.Mat) ([]byte, error) {
	return EncodeFormat(m, c.cfg.OutputFormat, c.cfg.JPEGQuality, c.cfg.WebPLossless)
}

// EncodeFormat encodes m as png, jpeg or webp.
func EncodeFormat(m gocv.Mat, format string, quality int, lossless bool) ([]byte, error) {
	if m.Empty() {
		return nil, errors.New("encode: empty image")
	}
	switch format {
	case PNG:
		return nativeEncode(gocv.IMEncode(gocv.PNGFileExt, m))
	case JPEG:
		return nativeEncode(gocv.IMEncodeWithParams(gocv.JPEGFileExt, m, []int{gocv.IMWriteJpegQuality, quality}))
	case WebP:
		img, err := m.ToImage()
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return encodeWebP(img, quality, lossless)
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

func nativeEncode(buf *gocv.NativeByteBuffer, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func encodeWebP(img image.Image, quality int, lossless bool) ([]byte, error) {
	var b bytes.Buffer
	if err := webp.Encode(&b, img, &webp.Options{Lossless: lossless, Quality: float32(quality)}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return b.Bytes(), nil
}

// EncodePreview encodes m for a response, shrinking it to fit PreviewMaxDim when set.
func (c *Codec) EncodePreview(m gocv.Mat) ([]byte, error) {
	limit := c.cfg.PreviewMaxDim
	if limit <= 0 || (m.Cols() <= limit && m.Rows() <= limit) {
		return c.Encode(m)
	}
	img, err := m.ToImage()
	if err != nil {
		return nil, fmt.Errorf("preview: %w", err)
	}
	small := imaging.Fit(img, limit, limit, imaging.Lanczos)
	switch c.cfg.OutputFormat {
	case WebP:
		return encodeWebP(small, c.cfg.JPEGQuality, c.cfg.WebPLossless)
	case JPEG:
		var b bytes.Buffer
		if err := imaging.Encode(&b, small, imaging.JPEG, imaging.JPEGQuality(c.cfg.JPEGQuality)); err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
		return b.Bytes(), nil
	default:
		var b bytes.Buffer
		if err := imaging.Encode(&b, small, imaging.PNG); err != nil {
			return nil, fmt.Errorf("preview: %w", err)
		}
		return b.Bytes(), nil
	}
}

// EncodeBase64 returns the preview encoding of m as standard base64.
func (c *Codec) EncodeBase64(m gocv.Mat) (string, error) {
	data, err := c.EncodePreview(m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeBase64 decodes a base64 payload, stripping a data URL prefix if present.
func DecodeBase64(s string) ([]byte, error) {
	if i := strings.IndexByte(s, ','); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrInvalidImage, err)
	}
	return data, nil
}

// DataURL wraps encoded bytes in a data URL of the given format.
func DataURL(format string, data []byte) string {
	return "data:" + MIMEType(format) + ";base64," + base64.StdEncoding.EncodeToString(data)
}
