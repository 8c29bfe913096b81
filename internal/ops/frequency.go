package ops

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// BandpassParams configures bandpass_filter.
type BandpassParams struct {
	LowCutoff  int `json:"low_cutoff"`
	HighCutoff int `json:"high_cutoff"`
}

func (p BandpassParams) Validate() error {
	if p.LowCutoff < 0 {
		return fmt.Errorf("low_cutoff must not be negative")
	}
	if p.HighCutoff <= p.LowCutoff {
		return fmt.Errorf("high_cutoff (%d) must be greater than low_cutoff (%d)", p.HighCutoff, p.LowCutoff)
	}
	return nil
}

// NotchParams configures notch_filter. Without NotchX/NotchY the strongest
// component away from the centre is removed.
type NotchParams struct {
	NotchX      *int `json:"notch_x"`
	NotchY      *int `json:"notch_y"`
	NotchRadius int  `json:"notch_radius"`
}

func (p NotchParams) Validate() error {
	if p.NotchRadius < 1 {
		return fmt.Errorf("notch_radius must be positive")
	}
	if (p.NotchX == nil) != (p.NotchY == nil) {
		return fmt.Errorf("notch_x and notch_y must be given together")
	}
	if p.NotchX != nil && (*p.NotchX < 0 || *p.NotchY < 0) {
		return fmt.Errorf("notch position must not be negative")
	}
	return nil
}

// dcExclusion is the radius around the zero frequency ignored by automatic notch placement.
const dcExclusion = 20

func frequencyOperations() []*Operation {
	return []*Operation{
		New("visualize_spectrum", Frequency, "Magnitude and phase spectra", NoParams{}, visualizeSpectrum),
		New("bandpass_filter", Frequency, "Keep a ring of frequencies",
			BandpassParams{LowCutoff: 10, HighCutoff: 50}, bandpassFilter),
		New("notch_filter", Frequency, "Remove a periodic component", NotchParams{NotchRadius: 10}, notchFilter),
	}
}

func visualizeSpectrum(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	s, err := transform(gray, gray.Rows(), gray.Cols())
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer s.Close()

	logMag, err := s.logMagnitude()
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer logMag.Close()
	magnitude, err := jetImage(logMag)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer magnitude.Close()

	angle, err := s.phase()
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer angle.Close()
	phase, err := jetImage(angle)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer phase.Close()

	dst := gocv.NewMat()
	if err := gocv.Hconcat(magnitude, phase, &dst); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "concatenate spectra")
	}
	desc := describe("Fourier Spectrum Visualization").
		param("Left", "log magnitude").
		param("Right", "phase").
		text("Both spectra are centred so the zero frequency is in the middle and are drawn with the JET colour map.").
		text("The magnitude shows how much of each frequency is present; the phase carries where structures sit, and most of the recognisable shape information.")
	return dst, desc.String(), nil
}

// jetImage min-max normalizes m and draws it with the JET colour map.
func jetImage(m gocv.Mat) (gocv.Mat, error) {
	gray, err := normalized8U(m)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer gray.Close()
	dst := gocv.NewMat()
	if err := gocv.ApplyColorMap(gray, &dst, gocv.ColormapJet); err != nil {
		dst.Close()
		return gocv.NewMat(), errors.Wrap(err, "apply colour map")
	}
	return dst, nil
}

func bandpassFilter(src gocv.Mat, p BandpassParams) (gocv.Mat, string, error) {
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

	mask := s.newMask(maskOff)
	defer mask.Close()
	if err := gocv.Circle(&mask, s.center(), p.HighCutoff, maskOn, -1); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "draw high cutoff")
	}
	if err := gocv.Circle(&mask, s.center(), p.LowCutoff, maskOff, -1); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "draw low cutoff")
	}
	if err := s.apply(mask); err != nil {
		return gocv.NewMat(), "", err
	}
	dst, err := s.filtered()
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Bandpass Filtering").
		param("Low cutoff", p.LowCutoff).
		param("High cutoff", p.HighCutoff).
		text("Keeps only the frequencies between the two radii: a high-pass at the low cutoff combined with a low-pass at the high cutoff.").
		text("Removes both the smooth background and the finest noise, leaving mid-sized structures.")
	return dst, desc.String(), nil
}

func notchFilter(src gocv.Mat, p NotchParams) (gocv.Mat, string, error) {
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

	c := s.center()
	var notch image.Point
	auto := p.NotchX == nil
	if auto {
		if notch, err = strongestPeak(s, dcExclusion); err != nil {
			return gocv.NewMat(), "", err
		}
	} else {
		notch = image.Pt(*p.NotchX, *p.NotchY)
	}
	sym := image.Pt(2*c.X-notch.X, 2*c.Y-notch.Y)

	mask := s.newMask(maskOn)
	defer mask.Close()
	for _, at := range []image.Point{notch, sym} {
		if err := gocv.Circle(&mask, at, p.NotchRadius, maskOff, -1); err != nil {
			return gocv.NewMat(), "", errors.Wrap(err, "draw notch")
		}
	}
	if err := s.apply(mask); err != nil {
		return gocv.NewMat(), "", err
	}
	dst, err := s.filtered()
	if err != nil {
		return gocv.NewMat(), "", err
	}

	placement := "given"
	if auto {
		placement = "strongest component outside the DC region"
	}
	desc := describe("Notch Filtering").
		param("Notch position", fmt.Sprintf("(%d, %d)", notch.X, notch.Y)).
		param("Symmetric position", fmt.Sprintf("(%d, %d)", sym.X, sym.Y)).
		param("Notch radius", p.NotchRadius).
		param("Placement", placement).
		text("Zeroes a small disc around one frequency and its mirror image, which removes periodic patterns such as scan lines or moire.")
	return dst, desc.String(), nil
}

// strongestPeak returns the centred position of the largest log magnitude outside radius of the centre.
func strongestPeak(s *spectrum, radius int) (image.Point, error) {
	logMag, err := s.logMagnitude()
	if err != nil {
		return image.Point{}, err
	}
	defer logMag.Close()
	outside := s.newMask(maskOn)
	defer outside.Close()
	if err := gocv.Circle(&outside, s.center(), radius, maskOff, -1); err != nil {
		return image.Point{}, errors.Wrap(err, "mask dc region")
	}
	_, _, _, peak := gocv.MinMaxLocWithMask(logMag, outside)
	if peak.X < 0 || peak.Y < 0 {
		// the whole spectrum lies inside radius
		return image.Point{}, nil
	}
	return peak, nil
}
