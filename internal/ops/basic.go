package ops

import (
	"encoding/json"
	"fmt"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ThresholdParams configures threshold.
type ThresholdParams struct {
	ThresholdValue float64       `json:"threshold_value"`
	MaxValue       float64       `json:"max_value"`
	ThresholdType  ThresholdType `json:"threshold_type" options:"binary,binary_inv,trunc,tozero,tozero_inv"`
}

// ThresholdType names a fixed-level threshold rule. It also decodes from the
// OpenCV integer codes 0 to 4.
type ThresholdType string

var thresholdCodes = []ThresholdType{"binary", "binary_inv", "trunc", "tozero", "tozero_inv"}

func (t *ThresholdType) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = ThresholdType(s)
		return nil
	}
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return fmt.Errorf("threshold_type must be a name or a code 0..4: %w", err)
	}
	if code < 0 || code >= len(thresholdCodes) {
		return fmt.Errorf("threshold_type code %d out of range 0..4", code)
	}
	*t = thresholdCodes[code]
	return nil
}

var thresholdTypes = map[ThresholdType]struct {
	typ   gocv.ThresholdType
	label string
}{
	"binary":     {gocv.ThresholdBinary, "Binary"},
	"binary_inv": {gocv.ThresholdBinaryInv, "Binary Inverted"},
	"trunc":      {gocv.ThresholdTrunc, "Truncate"},
	"tozero":     {gocv.ThresholdToZero, "To Zero"},
	"tozero_inv": {gocv.ThresholdToZeroInv, "To Zero Inverted"},
}

func (p ThresholdParams) Validate() error {
	if p.ThresholdValue < 0 || p.ThresholdValue > 255 {
		return fmt.Errorf("threshold_value %v out of range 0..255", p.ThresholdValue)
	}
	if p.MaxValue < 0 || p.MaxValue > 255 {
		return fmt.Errorf("max_value %v out of range 0..255", p.MaxValue)
	}
	if _, ok := thresholdTypes[p.ThresholdType]; !ok {
		return fmt.Errorf("unknown threshold_type %q", p.ThresholdType)
	}
	return nil
}

// BrightnessParams configures adjust_brightness.
type BrightnessParams struct {
	Beta float64 `json:"beta"`
}

func (p BrightnessParams) Validate() error {
	if p.Beta < -255 || p.Beta > 255 {
		return fmt.Errorf("beta %v out of range -255..255", p.Beta)
	}
	return nil
}

// ContrastParams configures adjust_contrast.
type ContrastParams struct {
	Alpha float64 `json:"alpha"`
}

func (p ContrastParams) Validate() error {
	if p.Alpha < 0 || p.Alpha > 3 {
		return fmt.Errorf("alpha %v out of range 0..3", p.Alpha)
	}
	return nil
}

// GaussianParams configures gaussian_blur.
type GaussianParams struct {
	KernelSize int     `json:"kernel_size"`
	SigmaX     float64 `json:"sigma_x"`
}

func (p GaussianParams) Validate() error {
	if err := validateKernel(p.KernelSize); err != nil {
		return err
	}
	if p.SigmaX < 0 {
		return fmt.Errorf("sigma_x must not be negative")
	}
	return nil
}

// MedianParams configures median_blur.
type MedianParams struct {
	KernelSize int `json:"kernel_size"`
}

func (p MedianParams) Validate() error { return validateKernel(p.KernelSize) }

// BilateralParams configures bilateral_filter.
type BilateralParams struct {
	D          int     `json:"d"`
	SigmaColor float64 `json:"sigma_color"`
	SigmaSpace float64 `json:"sigma_space"`
}

func (p BilateralParams) Validate() error {
	if p.D < 1 || p.D > 50 {
		return fmt.Errorf("d %d out of range 1..50", p.D)
	}
	if p.SigmaColor <= 0 || p.SigmaSpace <= 0 {
		return fmt.Errorf("sigma_color and sigma_space must be positive")
	}
	return nil
}

// SharpenParams configures sharpen.
type SharpenParams struct {
	KernelSize int     `json:"kernel_size"`
	Strength   float64 `json:"strength"`
}

func (p SharpenParams) Validate() error {
	if err := validateKernel(p.KernelSize); err != nil {
		return err
	}
	if p.Strength < 0 || p.Strength > 3 {
		return fmt.Errorf("strength %v out of range 0..3", p.Strength)
	}
	return nil
}

func validateKernel(k int) error {
	if k < 1 || k > 99 {
		return fmt.Errorf("kernel_size %d out of range 1..99", k)
	}
	return nil
}

func basicOperations() []*Operation {
	return []*Operation{
		New("grayscale", Basic, "Convert to grayscale", NoParams{}, grayscale),
		New("negative", Basic, "Invert every sample", NoParams{}, negative),
		New("threshold", Basic, "Fixed-level threshold on the gray image",
			ThresholdParams{ThresholdValue: 127, MaxValue: 255, ThresholdType: "binary"}, threshold),
		New("adjust_brightness", Basic, "Add a constant to every sample", BrightnessParams{Beta: 50}, adjustBrightness),
		New("adjust_contrast", Basic, "Scale every sample", ContrastParams{Alpha: 1.5}, adjustContrast),
		New("gaussian_blur", Basic, "Gaussian smoothing", GaussianParams{KernelSize: 5}, gaussianBlur),
		New("median_blur", Basic, "Median smoothing", MedianParams{KernelSize: 5}, medianBlur),
		New("bilateral_filter", Basic, "Edge-preserving smoothing",
			BilateralParams{D: 9, SigmaColor: 75, SigmaSpace: 75}, bilateralFilter),
		New("histogram_equalization", Basic, "Global histogram equalization", NoParams{}, histogramEqualization),
		New("sharpen", Basic, "Unsharp masking", SharpenParams{KernelSize: 3, Strength: 1.0}, sharpen),
	}
}

func grayscale(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	dst, err := grayToBGR(gray)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Grayscale Conversion").
		text("Removes all colour information. Each pixel's intensity is computed from its colour samples as <code>Y = 0.299*R + 0.587*G + 0.114*B</code>.").
		text("Grayscale is a common preprocessing step for other algorithms.")
	return dst, desc.String(), nil
}

func negative(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
	dst := gocv.NewMat()
	if err := gocv.BitwiseNot(src, &dst); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "bitwise not")
	}
	desc := describe("Negative Image").
		text("Every sample is subtracted from the maximum value, so dark areas become light and light areas dark:").
		text("<code>g(x,y) = 255 - f(x,y)</code>.")
	return dst, desc.String(), nil
}

func threshold(src gocv.Mat, p ThresholdParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	kind := thresholdTypes[p.ThresholdType]
	out := gocv.NewMat()
	gocv.Threshold(gray, &out, float32(p.ThresholdValue), float32(p.MaxValue), kind.typ)
	dst, err := grayToBGR(out)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe(fmt.Sprintf("Thresholding (%s)", kind.label)).
		param("Threshold value", p.ThresholdValue).
		param("Max value", p.MaxValue).
		text("Pixels above the threshold are set to one value and the rest to another.").
		text("Useful for segmentation and for separating objects from the background.")
	return dst, desc.String(), nil
}

func adjustBrightness(src gocv.Mat, p BrightnessParams) (gocv.Mat, string, error) {
	dst := gocv.NewMat()
	if err := gocv.ConvertScaleAbs(src, &dst, 1, p.Beta); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "adjust brightness")
	}
	desc := describe("Brightness Adjustment").
		param("Adjustment value", p.Beta).
		text("Adds a constant to every sample: <code>g(x,y) = f(x,y) + beta</code>, clipped to 0..255.")
	return dst, desc.String(), nil
}

func adjustContrast(src gocv.Mat, p ContrastParams) (gocv.Mat, string, error) {
	dst := gocv.NewMat()
	if err := gocv.ConvertScaleAbs(src, &dst, p.Alpha, 0); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "adjust contrast")
	}
	desc := describe("Contrast Adjustment").
		param("Adjustment factor", p.Alpha).
		text("Multiplies every sample: <code>g(x,y) = alpha * f(x,y)</code>, clipped to 0..255.").
		text("Factors above 1 increase contrast; factors below 1 reduce it.")
	return dst, desc.String(), nil
}

func gaussianBlur(src gocv.Mat, p GaussianParams) (gocv.Mat, string, error) {
	k := oddKernel(p.KernelSize)
	dst := gocv.NewMat()
	if err := gocv.GaussianBlur(src, &dst, image.Pt(k, k), p.SigmaX, p.SigmaX, gocv.BorderDefault); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "gaussian blur")
	}
	desc := describe("Gaussian Blur").
		param("Kernel size", fmt.Sprintf("%dx%d", k, k)).
		param("Sigma X", p.SigmaX).
		text("Convolves the image with a Gaussian kernel, a weighted average that favours central pixels.").
		text("Larger sigma means more blur; sigma 0 derives it from the kernel size.")
	return dst, desc.String(), nil
}

func medianBlur(src gocv.Mat, p MedianParams) (gocv.Mat, string, error) {
	k := oddKernel(p.KernelSize)
	dst := gocv.NewMat()
	if err := gocv.MedianBlur(src, &dst, k); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "median blur")
	}
	desc := describe("Median Blur").
		param("Kernel size", fmt.Sprintf("%dx%d", k, k)).
		text("Replaces each pixel with the median of its neighbourhood.").
		text("Removes salt-and-pepper noise while keeping edges, and never invents new sample values.")
	return dst, desc.String(), nil
}

func bilateralFilter(src gocv.Mat, p BilateralParams) (gocv.Mat, string, error) {
	dst := gocv.NewMat()
	if err := gocv.BilateralFilter(src, &dst, p.D, p.SigmaColor, p.SigmaSpace); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "bilateral filter")
	}
	desc := describe("Bilateral Filter").
		param("Diameter", p.D).
		param("Sigma Color", p.SigmaColor).
		param("Sigma Space", p.SigmaSpace).
		text("Weights neighbours by both spatial distance and colour difference, so it smooths flat regions while preserving edges.")
	return dst, desc.String(), nil
}

func histogramEqualization(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
	var dst gocv.Mat
	if src.Channels() == 1 {
		eq := gocv.NewMat()
		if err := gocv.EqualizeHist(src, &eq); err != nil {
			eq.Close()
			return gocv.NewMat(), "", errors.Wrap(err, "equalize histogram")
		}
		out, err := grayToBGR(eq)
		if err != nil {
			return gocv.NewMat(), "", err
		}
		dst = out
	} else {
		bgr, err := toBGR(src)
		if err != nil {
			return gocv.NewMat(), "", err
		}
		defer bgr.Close()
		out, err := onChannel(bgr, gocv.ColorBGRToYCrCb, gocv.ColorYCrCbToBGR, 0, func(ch gocv.Mat, dst *gocv.Mat) error {
			return errors.Wrap(gocv.EqualizeHist(ch, dst), "equalize luminance")
		})
		if err != nil {
			return gocv.NewMat(), "", err
		}
		dst = out
	}
	desc := describe("Histogram Equalization").
		text("Spreads the most frequent intensities across the full 0..255 range, which helps under- or over-exposed images.").
		text("Colour images are converted to YCrCb and only the luminance channel is equalized so colour balance is kept.")
	return dst, desc.String(), nil
}

// onChannel converts bgr with fwd, replaces channel idx with fn's output and converts back with inv.
func onChannel(bgr gocv.Mat, fwd, inv gocv.ColorConversionCode, idx int, fn func(ch gocv.Mat, dst *gocv.Mat) error) (gocv.Mat, error) {
	conv := gocv.NewMat()
	defer conv.Close()
	if err := gocv.CvtColor(bgr, &conv, fwd); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "convert colour space")
	}
	chans := gocv.Split(conv)
	defer closeSlice(chans)

	replaced := gocv.NewMat()
	if err := fn(chans[idx], &replaced); err != nil {
		replaced.Close()
		return gocv.NewMat(), err
	}
	chans[idx].Close()
	chans[idx] = replaced

	merged := gocv.NewMat()
	defer merged.Close()
	if err := gocv.Merge(chans, &merged); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "merge channels")
	}

	dst := gocv.NewMat()
	if err := gocv.CvtColor(merged, &dst, inv); err != nil {
		dst.Close()
		return gocv.NewMat(), errors.Wrap(err, "convert colour space back")
	}
	return dst, nil
}

func sharpen(src gocv.Mat, p SharpenParams) (gocv.Mat, string, error) {
	k := oddKernel(p.KernelSize)
	blurred := gocv.NewMat()
	defer blurred.Close()
	if err := gocv.GaussianBlur(src, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "blur for unsharp mask")
	}
	dst := gocv.NewMat()
	if err := gocv.AddWeighted(src, 1+p.Strength, blurred, -p.Strength, 0, &dst); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "unsharp mask")
	}
	desc := describe("Unsharp Masking (Sharpening)").
		param("Kernel size", k).
		param("Strength", p.Strength).
		text("Subtracts a blurred copy from the original to emphasise edges and fine detail:").
		text("<code>g(x,y) = f(x,y) + strength * (f(x,y) - blurred(x,y))</code>.")
	return dst, desc.String(), nil
}
