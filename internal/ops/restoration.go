package ops

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DegradationParams configures add_degradation.
type DegradationParams struct {
	NoiseType  string  `json:"noise_type" options:"gaussian,salt_pepper,speckle"`
	NoiseParam float64 `json:"noise_param"`
	BlurSize   int     `json:"blur_size"`
	Seed       *uint64 `json:"seed"`
}

func (p DegradationParams) Validate() error {
	switch p.NoiseType {
	case "gaussian", "salt_pepper", "speckle":
	default:
		return fmt.Errorf("unknown noise_type %q", p.NoiseType)
	}
	if p.NoiseParam < 0 || p.NoiseParam > 255 {
		return fmt.Errorf("noise_param %v out of range 0..255", p.NoiseParam)
	}
	if p.NoiseType != "gaussian" && p.NoiseParam > 100 {
		return fmt.Errorf("noise_param is a percentage for %s, got %v", p.NoiseType, p.NoiseParam)
	}
	if p.BlurSize < 0 || p.BlurSize > 99 {
		return fmt.Errorf("blur_size %d out of range 0..99", p.BlurSize)
	}
	return nil
}

// WienerParams configures wiener_deconvolution.
type WienerParams struct {
	PSFSize    int     `json:"psf_size"`
	NoisePower float64 `json:"noise_power"`
}

func (p WienerParams) Validate() error {
	if p.PSFSize < 1 || p.PSFSize > 31 {
		return fmt.Errorf("psf_size %d out of range 1..31", p.PSFSize)
	}
	if p.NoisePower <= 0 {
		return fmt.Errorf("noise_power must be positive")
	}
	return nil
}

// InpaintParams configures inpainting.
type InpaintParams struct {
	MaskRadius int     `json:"mask_radius"`
	NumPoints  int     `json:"num_points"`
	Seed       *uint64 `json:"seed"`
}

func (p InpaintParams) Validate() error {
	if p.MaskRadius < 1 || p.MaskRadius > 200 {
		return fmt.Errorf("mask_radius %d out of range 1..200", p.MaskRadius)
	}
	if p.NumPoints < 1 || p.NumPoints > 100 {
		return fmt.Errorf("num_points %d out of range 1..100", p.NumPoints)
	}
	return nil
}

func restorationOperations() []*Operation {
	return []*Operation{
		New("add_degradation", Restoration, "Add noise and blur",
			DegradationParams{NoiseType: "gaussian", NoiseParam: 25}, addDegradation),
		New("wiener_deconvolution", Restoration, "Wiener deconvolution with a Gaussian PSF",
			WienerParams{PSFSize: 5, NoisePower: 0.01}, wienerDeconvolution),
		New("inpainting", Restoration, "Damage random discs and inpaint them",
			InpaintParams{MaskRadius: 20, NumPoints: 5}, inpainting),
	}
}

func addDegradation(src gocv.Mat, p DegradationParams) (gocv.Mat, string, error) {
	bgr, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer bgr.Close()
	base := gocv.NewMat()
	defer base.Close()
	if err := bgr.ConvertTo(&base, gocv.MatTypeCV32FC3); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "convert to float")
	}

	blur := "None"
	if p.BlurSize > 0 {
		k := oddKernel(p.BlurSize)
		if err := gocv.GaussianBlur(base, &base, image.Pt(k, k), 0, 0, gocv.BorderDefault); err != nil {
			return gocv.NewMat(), "", errors.Wrap(err, "degradation blur")
		}
		blur = fmt.Sprintf("%dx%d", k, k)
	}

	rows, cols := base.Rows(), base.Cols()
	px, err := base.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "access float buffer")
	}
	rng := newRand(p.Seed)
	out := make([]byte, len(px))
	switch p.NoiseType {
	case "gaussian":
		for i, v := range px {
			out[i] = clampByte(float64(v) + rng.NormFloat64()*p.NoiseParam)
		}
	case "salt_pepper":
		for i, v := range px {
			out[i] = clampByte(float64(v))
		}
		half := p.NoiseParam / 100 / 2
		for _, level := range []byte{255, 0} {
			for i := 0; i < rows*cols; i++ {
				if rng.Float64() < half {
					out[i*3], out[i*3+1], out[i*3+2] = level, level, level
				}
			}
		}
	case "speckle":
		intensity := p.NoiseParam / 100
		for i, v := range px {
			f := float64(v)
			out[i] = clampByte(f + f*rng.NormFloat64()*intensity)
		}
	}
	dst, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC3, out)
	if err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "build degraded image")
	}
	desc := describe("Image Degradation").
		param("Noise type", p.NoiseType).
		param("Noise parameter", p.NoiseParam).
		param("Blur kernel size", blur).
		text("Simulates real-world quality loss: Gaussian noise (parameter is the standard deviation), salt and pepper (percentage of pixels), speckle (multiplicative intensity) and an optional out-of-focus blur.").
		text("Use the result as input for the restoration operations.")
	return dst, desc.String(), nil
}

// gaussianPSF returns the k x k outer product of OpenCV's Gaussian kernel as float32.
func gaussianPSF(k int) (gocv.Mat, error) {
	g := gocv.GetGaussianKernel(k, 0)
	defer g.Close()
	gt := g.T()
	defer gt.Close()
	outer := g.MultiplyMatrix(gt)
	defer outer.Close()
	psf := gocv.NewMat()
	if err := outer.ConvertTo(&psf, gocv.MatTypeCV32F); err != nil {
		psf.Close()
		return gocv.NewMat(), errors.Wrap(err, "build psf")
	}
	return psf, nil
}

func wienerDeconvolution(src gocv.Mat, p WienerParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	h, w := gray.Rows(), gray.Cols()
	k := p.PSFSize
	padded := gocv.NewMat()
	defer padded.Close()
	if err := gocv.CopyMakeBorder(gray, &padded, k, k, k, k, gocv.BorderReflect101, maskOff); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "pad image")
	}
	ph, pw := padded.Rows(), padded.Cols()

	psf, err := gaussianPSF(k)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer psf.Close()
	psfPadded := gocv.NewMat()
	defer psfPadded.Close()
	if err := gocv.CopyMakeBorder(psf, &psfPadded, 0, ph-k, 0, pw-k, gocv.BorderConstant, maskOff); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "pad psf")
	}
	// move the kernel centre to the origin
	shift := -(k + 1) / 2
	psfRolled, err := roll(psfPadded, shift, shift)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer psfRolled.Close()

	imgF, err := transform(padded, ph, pw)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer imgF.Close()
	psfF, err := transform(psfRolled, ph, pw)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer psfF.Close()

	if err := wienerFilter(imgF, psfF, p.NoisePower); err != nil {
		return gocv.NewMat(), "", err
	}
	full, err := imgF.inverse()
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer full.Close()
	roi := full.Region(image.Rect(k, k, k+w, k+h))
	defer roi.Close()
	dst, err := normalizedBGR(roi)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Wiener Deconvolution").
		param("PSF size", fmt.Sprintf("%dx%d", k, k)).
		param("Noise power", p.NoisePower).
		text("Models the degradation as a convolution with a Gaussian point spread function and inverts it in the frequency domain.").
		text("The noise power balances detail recovery against noise amplification.")
	return dst, desc.String(), nil
}

// wienerFilter replaces img with img * conj(psf) / (|psf|^2 + noise).
func wienerFilter(img, psf *spectrum, noise float64) error {
	g, err := img.merged()
	if err != nil {
		return err
	}
	defer g.Close()

	negIm := psf.im.Clone()
	defer negIm.Close()
	negIm.MultiplyFloat(-1)
	conj := gocv.NewMat()
	defer conj.Close()
	if err := gocv.Merge([]gocv.Mat{psf.re, negIm}, &conj); err != nil {
		return errors.Wrap(err, "conjugate psf")
	}
	num := gocv.NewMat()
	defer num.Close()
	if err := gocv.MulSpectrums(g, conj, &num, 0); err != nil {
		return errors.Wrap(err, "multiply spectra")
	}

	den := gocv.NewMat()
	defer den.Close()
	if err := gocv.Magnitude(psf.re, psf.im, &den); err != nil {
		return errors.Wrap(err, "psf magnitude")
	}
	if err := gocv.Multiply(den, den, &den); err != nil {
		return errors.Wrap(err, "psf power")
	}
	den.AddFloat(float32(noise))

	planes := gocv.Split(num)
	defer closeSlice(planes)
	if len(planes) != 2 {
		return errors.Errorf("expected 2 spectrum planes, got %d", len(planes))
	}
	for i, plane := range []*gocv.Mat{&img.re, &img.im} {
		if err := gocv.Divide(planes[i], den, plane); err != nil {
			return errors.Wrap(err, "wiener division")
		}
	}
	return nil
}

func inpainting(src gocv.Mat, p InpaintParams) (gocv.Mat, string, error) {
	bgr, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer bgr.Close()

	rows, cols := bgr.Rows(), bgr.Cols()
	r := p.MaskRadius
	if cols <= 2*r || rows <= 2*r {
		return gocv.NewMat(), "", errors.Errorf("image %dx%d too small for mask_radius %d", cols, rows, r)
	}

	rng := newRand(p.Seed)
	mask := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)
	defer mask.Close()
	for n := 0; n < p.NumPoints; n++ {
		center := image.Pt(r+rng.IntN(cols-2*r), r+rng.IntN(rows-2*r))
		if err := gocv.Circle(&mask, center, r, maskOn, -1); err != nil {
			return gocv.NewMat(), "", errors.Wrap(err, "draw damage")
		}
	}

	damaged := bgr.Clone()
	defer damaged.Close()
	red := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 255, 0), rows, cols, gocv.MatTypeCV8UC3)
	defer red.Close()
	if err := red.CopyToWithMask(&damaged, mask); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "mark damage")
	}

	restored := gocv.NewMat()
	defer restored.Close()
	if err := gocv.Inpaint(bgr, mask, &restored, 3, gocv.Telea); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "inpaint")
	}

	dst := gocv.NewMat()
	if err := gocv.Hconcat(damaged, restored, &dst); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "concatenate comparison")
	}
	desc := describe("Image Inpainting").
		param("Mask radius", r).
		param("Number of damaged areas", p.NumPoints).
		text("Left: damaged image with the lost regions in red. Right: inpainted result.").
		text("The Telea fast marching method fills each region from its boundary inward, estimating every pixel from its known neighbours and their gradients.")
	return dst, desc.String(), nil
}
