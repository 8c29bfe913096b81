package ops

import (
	"fmt"
	"image"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// RetinexParams configures retinex.
type RetinexParams struct {
	SigmaList []float64 `json:"sigma_list"`
	Dynamic   bool      `json:"dynamic"`
}

func (p RetinexParams) Validate() error {
	if len(p.SigmaList) == 0 {
		return fmt.Errorf("sigma_list must not be empty")
	}
	for _, s := range p.SigmaList {
		if s <= 0 || s > 500 {
			return fmt.Errorf("sigma %v out of range (0, 500]", s)
		}
	}
	return nil
}

// CLAHEParams configures clahe.
type CLAHEParams struct {
	ClipLimit    float64 `json:"clip_limit"`
	TileGridSize int     `json:"tile_grid_size"`
}

func (p CLAHEParams) Validate() error {
	if p.ClipLimit <= 0 || p.ClipLimit > 40 {
		return fmt.Errorf("clip_limit %v out of range (0, 40]", p.ClipLimit)
	}
	if p.TileGridSize < 1 || p.TileGridSize > 64 {
		return fmt.Errorf("tile_grid_size %d out of range 1..64", p.TileGridSize)
	}
	return nil
}

// FrequencyFilterParams configures frequency_filter.
type FrequencyFilterParams struct {
	FilterType string `json:"filter_type" options:"lowpass,highpass"`
	CutoffFreq int    `json:"cutoff_freq"`
}

func (p FrequencyFilterParams) Validate() error {
	if p.FilterType != "lowpass" && p.FilterType != "highpass" {
		return fmt.Errorf("filter_type must be lowpass or highpass, got %q", p.FilterType)
	}
	if p.CutoffFreq < 1 {
		return fmt.Errorf("cutoff_freq must be positive")
	}
	return nil
}

func advancedOperations() []*Operation {
	return []*Operation{
		New("retinex", Advanced, "Multi-scale retinex enhancement",
			RetinexParams{SigmaList: []float64{15, 80, 250}}, retinex),
		New("clahe", Advanced, "Contrast limited adaptive histogram equalization",
			CLAHEParams{ClipLimit: 2.0, TileGridSize: 8}, clahe),
		New("fourier_transform", Advanced, "Log magnitude spectrum", NoParams{}, fourierTransform),
		New("frequency_filter", Advanced, "Ideal low-pass or high-pass filter",
			FrequencyFilterParams{FilterType: "lowpass", CutoffFreq: 30}, frequencyFilter),
	}
}

func retinex(src gocv.Mat, p RetinexParams) (gocv.Mat, string, error) {
	bgr, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer bgr.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	if err := bgr.ConvertToWithParams(&scaled, gocv.MatTypeCV32F, 1.0/255, 0); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "scale to float")
	}
	chans := gocv.Split(scaled)
	defer closeSlice(chans)

	var mean gocv.Mat
	if p.Dynamic {
		if mean, err = channelMean(chans); err != nil {
			return gocv.NewMat(), "", err
		}
		defer mean.Close()
	}

	out := make([]gocv.Mat, len(chans))
	for i := range out {
		out[i] = gocv.NewMat()
	}
	defer closeSlice(out)
	for i, ch := range chans {
		acc, err := multiScale(ch, p.SigmaList)
		if err != nil {
			return gocv.NewMat(), "", err
		}
		if p.Dynamic {
			if err := restoreColor(&acc, ch, mean); err != nil {
				acc.Close()
				return gocv.NewMat(), "", err
			}
		}
		out[i].Close()
		out[i], err = normalized8U(acc)
		acc.Close()
		if err != nil {
			return gocv.NewMat(), "", err
		}
	}

	dst := gocv.NewMat()
	if err := gocv.Merge(out, &dst); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "merge retinex channels")
	}
	restoration := "Disabled"
	if p.Dynamic {
		restoration = "Enabled"
	}
	desc := describe("Multi-Scale Retinex (MSR)").
		param("Sigma values", formatFloats(p.SigmaList)).
		param("Dynamic color restoration", restoration).
		text("Improves local contrast and dynamic range the way human vision discounts illumination.").
		text("Each channel is processed at every scale as <code>log(image) - log(blurred image)</code> and the scales are averaged.")
	return dst, desc.String(), nil
}

// multiScale averages log10(ch+0.01) - log10(blur+0.01) over every sigma.
func multiScale(ch gocv.Mat, sigmas []float64) (gocv.Mat, error) {
	logCh, err := log10Plus(ch, 0.01)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer logCh.Close()
	floor := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0.0001, 0, 0, 0), ch.Rows(), ch.Cols(), gocv.MatTypeCV32F)
	defer floor.Close()

	acc := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), ch.Rows(), ch.Cols(), gocv.MatTypeCV32F)
	for _, sigma := range sigmas {
		if err := addScale(&acc, ch, logCh, floor, sigma); err != nil {
			acc.Close()
			return gocv.NewMat(), err
		}
	}
	acc.DivideFloat(float32(len(sigmas)))
	return acc, nil
}

func addScale(acc *gocv.Mat, ch, logCh, floor gocv.Mat, sigma float64) error {
	blurred := gocv.NewMat()
	defer blurred.Close()
	if err := gocv.GaussianBlur(ch, &blurred, image.Pt(0, 0), sigma, sigma, gocv.BorderDefault); err != nil {
		return errors.Wrapf(err, "blur at sigma %v", sigma)
	}
	if err := gocv.Max(blurred, floor, &blurred); err != nil {
		return errors.Wrap(err, "clamp blur")
	}
	logBlur, err := log10Plus(blurred, 0.01)
	if err != nil {
		return err
	}
	defer logBlur.Close()
	diff := gocv.NewMat()
	defer diff.Close()
	if err := gocv.Subtract(logCh, logBlur, &diff); err != nil {
		return errors.Wrap(err, "retinex difference")
	}
	return errors.Wrap(gocv.Add(*acc, diff, acc), "accumulate scale")
}

// channelMean returns (b+g+r)/3 + 0.01.
func channelMean(chans []gocv.Mat) (gocv.Mat, error) {
	sum := chans[0].Clone()
	for _, ch := range chans[1:] {
		if err := gocv.Add(sum, ch, &sum); err != nil {
			sum.Close()
			return gocv.NewMat(), errors.Wrap(err, "sum channels")
		}
	}
	sum.DivideFloat(float32(len(chans)))
	sum.AddFloat(0.01)
	return sum, nil
}

// restoreColor multiplies acc by log10((ch+0.01) / mean).
func restoreColor(acc *gocv.Mat, ch, mean gocv.Mat) error {
	shifted := ch.Clone()
	defer shifted.Close()
	shifted.AddFloat(0.01)
	ratio := gocv.NewMat()
	defer ratio.Close()
	if err := gocv.Divide(shifted, mean, &ratio); err != nil {
		return errors.Wrap(err, "colour ratio")
	}
	weight, err := log10Plus(ratio, 0)
	if err != nil {
		return err
	}
	defer weight.Close()
	return errors.Wrap(gocv.Multiply(*acc, weight, acc), "colour restoration")
}

func formatFloats(values []float64) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func clahe(src gocv.Mat, p CLAHEParams) (gocv.Mat, string, error) {
	c := gocv.NewCLAHEWithParams(p.ClipLimit, image.Pt(p.TileGridSize, p.TileGridSize))
	defer c.Close()

	var dst gocv.Mat
	if src.Channels() == 1 {
		eq := gocv.NewMat()
		if err := c.Apply(src, &eq); err != nil {
			eq.Close()
			return gocv.NewMat(), "", errors.Wrap(err, "clahe")
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
		out, err := onChannel(bgr, gocv.ColorBGRToLab, gocv.ColorLabToBGR, 0, func(ch gocv.Mat, dst *gocv.Mat) error {
			return errors.Wrap(c.Apply(ch, dst), "clahe on lightness")
		})
		if err != nil {
			return gocv.NewMat(), "", err
		}
		dst = out
	}
	desc := describe("Contrast Limited Adaptive Histogram Equalization (CLAHE)").
		param("Clip Limit", p.ClipLimit).
		param("Tile Grid Size", fmt.Sprintf("%dx%d", p.TileGridSize, p.TileGridSize)).
		text("Equalizes the histogram of each tile separately and clips it first so noise is not over-amplified.").
		text("Colour images are processed on the L channel of Lab.")
	return dst, desc.String(), nil
}

func fourierTransform(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()
	s, err := forwardDFT(gray)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer s.Close()
	logMag, err := s.logMagnitude()
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer logMag.Close()
	dst, err := normalizedBGR(logMag)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Fourier Transform (Magnitude Spectrum)").
		text("Decomposes the image into frequency components and shows the log-scaled magnitude.").
		text("The centre holds low frequencies (overall structure), the edges hold high frequencies (fine detail), and bright points are strong components.")
	return dst, desc.String(), nil
}

func frequencyFilter(src gocv.Mat, p FrequencyFilterParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()
	s, err := forwardDFT(gray)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer s.Close()

	lowpass := p.FilterType == "lowpass"
	mask := s.newMask(maskOff)
	defer mask.Close()
	if err := gocv.Circle(&mask, s.center(), p.CutoffFreq, maskOn, -1); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "draw cutoff")
	}
	if !lowpass {
		if err := gocv.BitwiseNot(mask, &mask); err != nil {
			return gocv.NewMat(), "", errors.Wrap(err, "invert cutoff mask")
		}
	}
	if err := s.apply(mask); err != nil {
		return gocv.NewMat(), "", err
	}
	dst, err := s.filtered()
	if err != nil {
		return gocv.NewMat(), "", err
	}

	name := "Low-Pass"
	if !lowpass {
		name = "High-Pass"
	}
	desc := describe(fmt.Sprintf("Frequency Domain %s Filtering", name)).
		param("Cutoff Frequency", p.CutoffFreq).
		text("The image is transformed with the DFT, a circular mask keeps frequencies below (low-pass) or above (high-pass) the cutoff, and the inverse DFT returns to the spatial domain.").
		text("Low-pass blurs; high-pass keeps edges and fine detail.")
	return dst, desc.String(), nil
}
