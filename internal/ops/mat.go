package ops

import (
	"fmt"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gopkg.in/go-playground/colors.v1"
)

// toGray returns a new single-channel copy of src.
func toGray(src gocv.Mat) (gocv.Mat, error) {
	dst := gocv.NewMat()
	var err error
	switch src.Channels() {
	case 1:
		dst.Close()
		return src.Clone(), nil
	case 3:
		err = gocv.CvtColor(src, &dst, gocv.ColorBGRToGray)
	case 4:
		err = gocv.CvtColor(src, &dst, gocv.ColorBGRAToGray)
	default:
		err = fmt.Errorf("unsupported channel count %d", src.Channels())
	}
	if err != nil {
		dst.Close()
		return gocv.NewMat(), errors.Wrap(err, "convert to grayscale")
	}
	return dst, nil
}

// toBGR returns a new three-channel copy of src.
func toBGR(src gocv.Mat) (gocv.Mat, error) {
	dst := gocv.NewMat()
	var err error
	switch src.Channels() {
	case 3:
		dst.Close()
		return src.Clone(), nil
	case 1:
		err = gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
	case 4:
		err = gocv.CvtColor(src, &dst, gocv.ColorBGRAToBGR)
	default:
		err = fmt.Errorf("unsupported channel count %d", src.Channels())
	}
	if err != nil {
		dst.Close()
		return gocv.NewMat(), errors.Wrap(err, "convert to BGR")
	}
	return dst, nil
}

// grayToBGR expands a single-channel result for display and closes gray.
func grayToBGR(gray gocv.Mat) (gocv.Mat, error) {
	defer gray.Close()
	return toBGR(gray)
}

func oddKernel(k int) int {
	if k%2 == 0 {
		return k + 1
	}
	return k
}

func closeSlice(mats []gocv.Mat) {
	for i := range mats {
		mats[i].Close()
	}
}

// byteMat allocates a new 8-bit Mat of type mt and copies data into it.
func byteMat(rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	m := gocv.NewMatWithSize(rows, cols, mt)
	buf, err := m.DataPtrUint8()
	if err != nil {
		m.Close()
		return gocv.NewMat(), errors.Wrap(err, "access pixel buffer")
	}
	if len(buf) != len(data) {
		m.Close()
		return gocv.NewMat(), fmt.Errorf("pixel buffer size %d does not match %d", len(buf), len(data))
	}
	copy(buf, data)
	return m, nil
}

// normalized8U min-max scales m into a new 8-bit Mat.
func normalized8U(m gocv.Mat) (gocv.Mat, error) {
	scaled := gocv.NewMat()
	defer scaled.Close()
	if err := gocv.Normalize(m, &scaled, 0, 255, gocv.NormMinMax); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "normalize")
	}
	out := gocv.NewMat()
	if err := scaled.ConvertTo(&out, gocv.MatTypeCV8U); err != nil {
		out.Close()
		return gocv.NewMat(), errors.Wrap(err, "convert to 8-bit")
	}
	return out, nil
}

// normalizedBGR is normalized8U expanded to three channels for display.
func normalizedBGR(m gocv.Mat) (gocv.Mat, error) {
	gray, err := normalized8U(m)
	if err != nil {
		return gocv.NewMat(), err
	}
	return grayToBGR(gray)
}

func clampByte(v float64) byte {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 255:
		return 255
	default:
		return byte(v)
	}
}

// parseColor accepts hex, rgb() and rgba() notations.
func parseColor(s string) (color.RGBA, error) {
	c, err := colors.Parse(s)
	if err != nil {
		return color.RGBA{}, errors.Wrapf(err, "parse colour %q", s)
	}
	rgb := c.ToRGB()
	return color.RGBA{R: rgb.R, G: rgb.G, B: rgb.B, A: 255}, nil
}

func validateColor(s string) error {
	_, err := parseColor(s)
	return err
}
