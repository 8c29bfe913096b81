package ops

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// MorphParams configures the single-pass morphological operations.
type MorphParams struct {
	KernelSize  int    `json:"kernel_size"`
	KernelShape string `json:"kernel_shape" options:"rect,ellipse,cross"`
}

func (p MorphParams) Validate() error {
	if p.KernelSize < 1 || p.KernelSize > 99 {
		return fmt.Errorf("kernel_size %d out of range 1..99", p.KernelSize)
	}
	if _, ok := kernelShapes[p.KernelShape]; !ok {
		return fmt.Errorf("unknown kernel_shape %q", p.KernelShape)
	}
	return nil
}

// IteratedMorphParams configures erosion and dilation.
type IteratedMorphParams struct {
	KernelSize  int    `json:"kernel_size"`
	KernelShape string `json:"kernel_shape" options:"rect,ellipse,cross"`
	Iterations  int    `json:"iterations"`
}

func (p IteratedMorphParams) Validate() error {
	if err := (MorphParams{KernelSize: p.KernelSize, KernelShape: p.KernelShape}).Validate(); err != nil {
		return err
	}
	if p.Iterations < 1 || p.Iterations > 20 {
		return fmt.Errorf("iterations %d out of range 1..20", p.Iterations)
	}
	return nil
}

var kernelShapes = map[string]gocv.MorphShape{
	"rect":    gocv.MorphRect,
	"ellipse": gocv.MorphEllipse,
	"cross":   gocv.MorphCross,
}

func structuringElement(shape string, size int) gocv.Mat {
	return gocv.GetStructuringElement(kernelShapes[shape], image.Pt(size, size))
}

type morphInfo struct {
	title string
	typ   gocv.MorphType
	text  []string
}

var morphOps = map[string]morphInfo{
	"opening": {"Opening", gocv.MorphOpen, []string{
		"Erosion followed by dilation with the same structuring element.",
		"Removes small bright objects and thin protrusions while keeping the shape of larger objects.",
	}},
	"closing": {"Closing", gocv.MorphClose, []string{
		"Dilation followed by erosion with the same structuring element.",
		"Fills small holes and gaps and joins nearby objects.",
	}},
	"gradient": {"Morphological Gradient", gocv.MorphGradient, []string{
		"The difference between the dilation and the erosion of the image.",
		"Highlights object outlines.",
	}},
	"top_hat": {"Top Hat", gocv.MorphTophat, []string{
		"The difference between the image and its opening.",
		"Extracts bright details smaller than the structuring element, which helps with uneven illumination.",
	}},
	"black_hat": {"Black Hat", gocv.MorphBlackhat, []string{
		"The difference between the closing of the image and the image.",
		"Extracts dark details smaller than the structuring element.",
	}},
}

func morphologyOperations() []*Operation {
	small := MorphParams{KernelSize: 5, KernelShape: "rect"}
	large := MorphParams{KernelSize: 9, KernelShape: "rect"}
	iterated := IteratedMorphParams{KernelSize: 5, KernelShape: "rect", Iterations: 1}
	return []*Operation{
		New("erosion", Morphological, "Shrink bright regions", iterated, erosion),
		New("dilation", Morphological, "Grow bright regions", iterated, dilation),
		New("opening", Morphological, "Erosion then dilation", small, morphEx("opening")),
		New("closing", Morphological, "Dilation then erosion", small, morphEx("closing")),
		New("gradient", Morphological, "Dilation minus erosion", small, morphEx("gradient")),
		New("top_hat", Morphological, "Image minus its opening", large, morphEx("top_hat")),
		New("black_hat", Morphological, "Closing minus the image", large, morphEx("black_hat")),
	}
}

func erosion(src gocv.Mat, p IteratedMorphParams) (gocv.Mat, string, error) {
	dst, err := iterate(src, p, erode)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Erosion").
		param("Kernel shape", p.KernelShape).
		param("Kernel size", fmt.Sprintf("%dx%d", p.KernelSize, p.KernelSize)).
		param("Iterations", p.Iterations).
		text("Replaces each pixel with the minimum of its neighbourhood under the structuring element.").
		text("Bright regions shrink, small objects and salt noise disappear and touching objects separate.")
	return dst, desc.String(), nil
}

func dilation(src gocv.Mat, p IteratedMorphParams) (gocv.Mat, string, error) {
	dst, err := iterate(src, p, dilate)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Dilation").
		param("Kernel shape", p.KernelShape).
		param("Kernel size", fmt.Sprintf("%dx%d", p.KernelSize, p.KernelSize)).
		param("Iterations", p.Iterations).
		text("Replaces each pixel with the maximum of its neighbourhood under the structuring element.").
		text("Bright regions grow, small holes fill and broken parts reconnect.")
	return dst, desc.String(), nil
}

func iterate(src gocv.Mat, p IteratedMorphParams, step func(in gocv.Mat, out *gocv.Mat, kernel gocv.Mat) error) (gocv.Mat, error) {
	kernel := structuringElement(p.KernelShape, p.KernelSize)
	defer kernel.Close()
	return repeat(src, kernel, p.Iterations, step)
}

// repeat applies step n times, starting from a copy of src.
func repeat(src, kernel gocv.Mat, n int, step func(in gocv.Mat, out *gocv.Mat, kernel gocv.Mat) error) (gocv.Mat, error) {
	cur := src.Clone()
	for i := 0; i < n; i++ {
		next := gocv.NewMat()
		err := step(cur, &next, kernel)
		cur.Close()
		if err != nil {
			next.Close()
			return gocv.NewMat(), errors.Wrapf(err, "morphology pass %d", i+1)
		}
		cur = next
	}
	return cur, nil
}

var (
	erode  = gocv.Erode
	dilate = gocv.Dilate
)

func morphEx(name string) func(gocv.Mat, MorphParams) (gocv.Mat, string, error) {
	info := morphOps[name]
	return func(src gocv.Mat, p MorphParams) (gocv.Mat, string, error) {
		kernel := structuringElement(p.KernelShape, p.KernelSize)
		defer kernel.Close()
		dst := gocv.NewMat()
		if err := gocv.MorphologyEx(src, &dst, info.typ, kernel); err != nil {
			dst.Close()
			return gocv.NewMat(), "", errors.Wrap(err, name)
		}
		desc := describe(info.title).
			param("Kernel shape", p.KernelShape).
			param("Kernel size", fmt.Sprintf("%dx%d", p.KernelSize, p.KernelSize))
		for _, t := range info.text {
			desc.text("%s", t)
		}
		return dst, desc.String(), nil
	}
}
