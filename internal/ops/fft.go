package ops

import (
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

var (
	maskOn  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	maskOff = color.RGBA{}
)

// spectrum is a centred complex DFT held as real and imaginary planes.
// height and width are the size of the source before padding.
type spectrum struct {
	height, width int
	re, im        gocv.Mat
}

func (s *spectrum) rows() int { return s.re.Rows() }
func (s *spectrum) cols() int { return s.re.Cols() }

func (s *spectrum) center() image.Point { return image.Pt(s.cols()/2, s.rows()/2) }

func (s *spectrum) Close() {
	s.re.Close()
	s.im.Close()
}

// forwardDFT zero-pads gray to the optimal DFT size and transforms it.
func forwardDFT(gray gocv.Mat) (*spectrum, error) {
	h, w := gray.Rows(), gray.Cols()
	padded := gocv.NewMat()
	defer padded.Close()
	err := gocv.CopyMakeBorder(gray, &padded, 0, gocv.GetOptimalDFTSize(h)-h, 0, gocv.GetOptimalDFTSize(w)-w, gocv.BorderConstant, maskOff)
	if err != nil {
		return nil, errors.Wrap(err, "pad for dft")
	}
	return transform(padded, h, w)
}

// transform runs the DFT of a single-channel Mat and centres the result.
func transform(m gocv.Mat, h, w int) (*spectrum, error) {
	f := gocv.NewMat()
	defer f.Close()
	if err := m.ConvertTo(&f, gocv.MatTypeCV32F); err != nil {
		return nil, errors.Wrap(err, "convert to float")
	}
	out := gocv.NewMat()
	defer out.Close()
	if err := gocv.DFT(f, &out, gocv.DftComplexOutput); err != nil {
		return nil, errors.Wrap(err, "forward dft")
	}
	shifted, err := roll(out, out.Rows()/2, out.Cols()/2)
	if err != nil {
		return nil, err
	}
	defer shifted.Close()
	return splitSpectrum(shifted, h, w)
}

func splitSpectrum(complexMat gocv.Mat, h, w int) (*spectrum, error) {
	planes := gocv.Split(complexMat)
	if len(planes) != 2 {
		closeSlice(planes)
		return nil, errors.Errorf("expected 2 dft planes, got %d", len(planes))
	}
	return &spectrum{height: h, width: w, re: planes[0], im: planes[1]}, nil
}

// merged returns the spectrum as one two-channel Mat.
func (s *spectrum) merged() (gocv.Mat, error) {
	out := gocv.NewMat()
	if err := gocv.Merge([]gocv.Mat{s.re, s.im}, &out); err != nil {
		out.Close()
		return gocv.NewMat(), errors.Wrap(err, "merge dft planes")
	}
	return out, nil
}

// logMagnitude returns 20*ln(|F|+1) for every coefficient.
func (s *spectrum) logMagnitude() (gocv.Mat, error) {
	mag := gocv.NewMat()
	defer mag.Close()
	if err := gocv.Magnitude(s.re, s.im, &mag); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "spectrum magnitude")
	}
	mag.AddFloat(1)
	out := gocv.NewMat()
	if err := gocv.Log(mag, &out); err != nil {
		out.Close()
		return gocv.NewMat(), errors.Wrap(err, "log magnitude")
	}
	out.MultiplyFloat(20)
	return out, nil
}

// phase returns the angle of every coefficient in 0..2pi.
func (s *spectrum) phase() (gocv.Mat, error) {
	angle := gocv.NewMat()
	if err := gocv.Phase(s.re, s.im, &angle, false); err != nil {
		angle.Close()
		return gocv.NewMat(), errors.Wrap(err, "spectrum phase")
	}
	return angle, nil
}

// newMask returns a centred 8-bit mask the size of the spectrum, filled with fill.
func (s *spectrum) newMask(fill color.RGBA) gocv.Mat {
	v := float64(fill.B)
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(v, v, v, v), s.rows(), s.cols(), gocv.MatTypeCV8UC1)
}

// apply keeps the coefficients where mask is non-zero and zeroes the rest.
func (s *spectrum) apply(mask gocv.Mat) error {
	for _, plane := range []*gocv.Mat{&s.re, &s.im} {
		kept := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), plane.Rows(), plane.Cols(), plane.Type())
		if err := plane.CopyToWithMask(&kept, mask); err != nil {
			kept.Close()
			return errors.Wrap(err, "apply frequency mask")
		}
		plane.Close()
		*plane = kept
	}
	return nil
}

// inverse returns the magnitude of the inverse transform over the whole padded grid.
func (s *spectrum) inverse() (gocv.Mat, error) {
	merged, err := s.merged()
	if err != nil {
		return gocv.NewMat(), err
	}
	defer merged.Close()
	unshifted, err := roll(merged, -(s.rows() / 2), -(s.cols() / 2))
	if err != nil {
		return gocv.NewMat(), err
	}
	defer unshifted.Close()

	out := gocv.NewMat()
	defer out.Close()
	if err := gocv.DFT(unshifted, &out, gocv.DftInverse|gocv.DftScale|gocv.DftComplexOutput); err != nil {
		return gocv.NewMat(), errors.Wrap(err, "inverse dft")
	}
	planes := gocv.Split(out)
	defer closeSlice(planes)
	if len(planes) != 2 {
		return gocv.NewMat(), errors.Errorf("expected 2 inverse dft planes, got %d", len(planes))
	}
	mag := gocv.NewMat()
	if err := gocv.Magnitude(planes[0], planes[1], &mag); err != nil {
		mag.Close()
		return gocv.NewMat(), errors.Wrap(err, "inverse magnitude")
	}
	return mag, nil
}

// filtered inverts s, normalizes over the padded grid and crops back to the source size.
func (s *spectrum) filtered() (gocv.Mat, error) {
	mag, err := s.inverse()
	if err != nil {
		return gocv.NewMat(), err
	}
	defer mag.Close()
	norm, err := normalized8U(mag)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer norm.Close()
	roi := norm.Region(image.Rect(0, 0, s.width, s.height))
	defer roi.Close()
	return toBGR(roi)
}

type span struct{ from, to, at int }

// roll circularly shifts m by dy rows and dx columns, like numpy.roll.
func roll(m gocv.Mat, dy, dx int) (gocv.Mat, error) {
	rows, cols := m.Rows(), m.Cols()
	dy = (dy%rows + rows) % rows
	dx = (dx%cols + cols) % cols
	ys := []span{{0, rows - dy, dy}, {rows - dy, rows, 0}}
	xs := []span{{0, cols - dx, dx}, {cols - dx, cols, 0}}

	dst := gocv.NewMatWithSize(rows, cols, m.Type())
	for _, y := range ys {
		for _, x := range xs {
			if y.from == y.to || x.from == x.to {
				continue
			}
			from := m.Region(image.Rect(x.from, y.from, x.to, y.to))
			to := dst.Region(image.Rect(x.at, y.at, x.at+x.to-x.from, y.at+y.to-y.from))
			err := from.CopyTo(&to)
			from.Close()
			to.Close()
			if err != nil {
				dst.Close()
				return gocv.NewMat(), errors.Wrap(err, "roll")
			}
		}
	}
	return dst, nil
}

// log10Plus returns log10(m + offset) as a new Mat.
func log10Plus(m gocv.Mat, offset float32) (gocv.Mat, error) {
	shifted := m.Clone()
	defer shifted.Close()
	shifted.AddFloat(offset)
	out := gocv.NewMat()
	if err := gocv.Log(shifted, &out); err != nil {
		out.Close()
		return gocv.NewMat(), errors.Wrap(err, "log10")
	}
	out.DivideFloat(float32(math.Ln10))
	return out, nil
}
