package ops

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// CannyParams configures canny_edge.
type CannyParams struct {
	Threshold1   float64 `json:"threshold1"`
	Threshold2   float64 `json:"threshold2"`
	ApertureSize int     `json:"aperture_size" options:"3,5,7"`
}

func (p CannyParams) Validate() error {
	if p.Threshold1 < 0 || p.Threshold2 < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	switch p.ApertureSize {
	case 3, 5, 7:
	default:
		return fmt.Errorf("aperture_size must be 3, 5 or 7, got %d", p.ApertureSize)
	}
	return nil
}

// SobelParams configures sobel_edge. A zero order skips that axis.
type SobelParams struct {
	DX    int `json:"dx"`
	DY    int `json:"dy"`
	KSize int `json:"ksize" options:"1,3,5,7"`
}

func (p SobelParams) Validate() error {
	if p.DX < 0 || p.DX > 2 || p.DY < 0 || p.DY > 2 {
		return fmt.Errorf("dx and dy must be in 0..2")
	}
	if p.DX == 0 && p.DY == 0 {
		return fmt.Errorf("dx and dy cannot both be 0")
	}
	switch p.KSize {
	case 1, 3, 5, 7:
	default:
		return fmt.Errorf("ksize must be 1, 3, 5 or 7, got %d", p.KSize)
	}
	if p.KSize <= max(p.DX, p.DY) && p.KSize != 1 {
		return fmt.Errorf("ksize %d too small for derivative order %d", p.KSize, max(p.DX, p.DY))
	}
	return nil
}

// WatershedParams configures watershed. Seed fixes the region colours.
type WatershedParams struct {
	Seed *uint64 `json:"seed"`
}

func (WatershedParams) Validate() error { return nil }

// ContourParams configures contour_detection.
type ContourParams struct {
	ThresholdMin float64 `json:"threshold_min"`
	ThresholdMax float64 `json:"threshold_max"`
	Color        string  `json:"color"`
}

func (p ContourParams) Validate() error {
	if p.ThresholdMin < 0 || p.ThresholdMin > 255 || p.ThresholdMax < 0 || p.ThresholdMax > 255 {
		return fmt.Errorf("thresholds must be in 0..255")
	}
	return validateColor(p.Color)
}

// ORBParams configures orb_keypoints.
type ORBParams struct {
	NFeatures int    `json:"n_features"`
	Color     string `json:"color"`
}

func (p ORBParams) Validate() error {
	if p.NFeatures < 1 || p.NFeatures > 10000 {
		return fmt.Errorf("n_features %d out of range 1..10000", p.NFeatures)
	}
	return validateColor(p.Color)
}

func segmentationOperations() []*Operation {
	return []*Operation{
		New("canny_edge", Segmentation, "Canny edge detector",
			CannyParams{Threshold1: 100, Threshold2: 200, ApertureSize: 3}, cannyEdge),
		New("sobel_edge", Segmentation, "Sobel gradient magnitude", SobelParams{DX: 1, DY: 1, KSize: 3}, sobelEdge),
		New("watershed", Segmentation, "Marker-based watershed segmentation", WatershedParams{}, watershed),
		New("contour_detection", Segmentation, "Find and draw contours",
			ContourParams{ThresholdMin: 127, ThresholdMax: 255, Color: "#00ff00"}, contourDetection),
		New("orb_keypoints", Segmentation, "Detect ORB keypoints", ORBParams{NFeatures: 500, Color: "#00ff00"}, orbKeypoints),
	}
}

func cannyEdge(src gocv.Mat, p CannyParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()
	edges := gocv.NewMat()
	if err := gocv.Canny(gray, &edges, float32(p.Threshold1), float32(p.Threshold2)); err != nil {
		edges.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "canny")
	}
	dst, err := grayToBGR(edges)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Canny Edge Detection").
		param("Threshold 1", p.Threshold1).
		param("Threshold 2", p.Threshold2).
		param("Aperture size", p.ApertureSize).
		text("Smooths the image, computes intensity gradients, thins them with non-maximum suppression and keeps edges by hysteresis between the two thresholds.").
		text("Produces thin, well-localised edges with few false detections.")
	return dst, desc.String(), nil
}

func sobelEdge(src gocv.Mat, p SobelParams) (gocv.Mat, string, error) {
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	// A zero order contributes an all-zero response, so a single axis is still halved.
	grads := make([]gocv.Mat, 2)
	defer closeSlice(grads)
	for i, order := range [][2]int{{p.DX, 0}, {0, p.DY}} {
		grads[i] = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), gray.Rows(), gray.Cols(), gocv.MatTypeCV8UC1)
		if order[0] == 0 && order[1] == 0 {
			continue
		}
		if err := absSobel(gray, &grads[i], order[0], order[1], p.KSize); err != nil {
			return gocv.NewMat(), "", err
		}
	}

	combined := gocv.NewMat()
	if err := gocv.AddWeighted(grads[0], 0.5, grads[1], 0.5, 0, &combined); err != nil {
		combined.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "combine gradients")
	}
	dst, err := grayToBGR(combined)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Sobel Edge Detection").
		param("X derivative order", p.DX).
		param("Y derivative order", p.DY).
		param("Kernel size", p.KSize).
		text("Approximates the image gradient with separable derivative kernels.").
		text("The absolute horizontal and vertical responses are averaged, so edges in both directions show up bright.")
	return dst, desc.String(), nil
}

func absSobel(gray gocv.Mat, dst *gocv.Mat, dx, dy, ksize int) error {
	raw := gocv.NewMat()
	defer raw.Close()
	if err := gocv.Sobel(gray, &raw, gocv.MatTypeCV64F, dx, dy, ksize, 1, 0, gocv.BorderDefault); err != nil {
		return errors.Wrapf(err, "sobel dx=%d dy=%d", dx, dy)
	}
	return errors.Wrap(gocv.ConvertScaleAbs(raw, dst, 1, 0), "absolute gradient")
}

func watershed(src gocv.Mat, p WatershedParams) (gocv.Mat, string, error) {
	bgr, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer bgr.Close()
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(gray, &thresh, 0, 255, gocv.ThresholdBinaryInv+gocv.ThresholdOtsu)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()

	eroded, err := repeat(thresh, kernel, 2, erode)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	opening, err := repeat(eroded, kernel, 2, dilate)
	eroded.Close()
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer opening.Close()

	sureBg, err := repeat(opening, kernel, 3, dilate)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer sureBg.Close()

	dist := gocv.NewMat()
	defer dist.Close()
	distLabels := gocv.NewMat()
	defer distLabels.Close()
	if err := gocv.DistanceTransform(opening, &dist, &distLabels, gocv.DistL2, gocv.DistanceMask5, gocv.DistanceLabelCComp); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "distance transform")
	}
	_, maxDist, _, _ := gocv.MinMaxLoc(dist)
	fgFloat := gocv.NewMat()
	defer fgFloat.Close()
	gocv.Threshold(dist, &fgFloat, 0.7*maxDist, 255, gocv.ThresholdBinary)
	sureFg := gocv.NewMat()
	defer sureFg.Close()
	if err := fgFloat.ConvertTo(&sureFg, gocv.MatTypeCV8U); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "sure foreground")
	}

	rows, cols := gray.Rows(), gray.Cols()
	unknown := gocv.NewMat()
	defer unknown.Close()
	if err := gocv.Subtract(sureBg, sureFg, &unknown); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "unknown region")
	}

	// Background becomes 1, components start at 2 and unknown pixels are 0.
	markers := gocv.NewMat()
	defer markers.Close()
	gocv.ConnectedComponents(sureFg, &markers)
	markers.AddFloat(1)
	zero := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, markers.Type())
	defer zero.Close()
	if err := zero.CopyToWithMask(&markers, unknown); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "clear unknown markers")
	}
	if err := gocv.Watershed(bgr, &markers); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "watershed")
	}

	rng := newRand(p.Seed)
	palette := map[int32][3]byte{}
	px := bgr.ToBytes()
	regions := 0
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := (y*cols + x) * 3
			label := markers.GetIntAt(y, x)
			switch {
			case label == -1:
				px[i], px[i+1], px[i+2] = 0, 0, 255
			case label >= 2:
				c, ok := palette[label]
				if !ok {
					c = [3]byte{byte(rng.IntN(256)), byte(rng.IntN(256)), byte(rng.IntN(256))}
					palette[label] = c
					regions++
				}
				px[i], px[i+1], px[i+2] = c[0], c[1], c[2]
			}
		}
	}
	dst, err := byteMat(rows, cols, gocv.MatTypeCV8UC3, px)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Watershed Segmentation").
		param("Regions", regions).
		text("Treats the image as a topographic surface and floods it from markers.").
		text("Markers come from an Otsu threshold cleaned by opening, with sure foreground taken where the distance transform exceeds 70% of its maximum.").
		text("Regions are filled with random colours and watershed boundaries are drawn in red.")
	return dst, desc.String(), nil
}

func newRand(seed *uint64) *rand.Rand {
	s := rand.Uint64()
	if seed != nil {
		s = *seed
	}
	return rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))
}

func contourDetection(src gocv.Mat, p ContourParams) (gocv.Mat, string, error) {
	c, err := parseColor(p.Color)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(gray, &thresh, float32(p.ThresholdMin), float32(p.ThresholdMax), gocv.ThresholdBinary)

	contours := gocv.FindContours(thresh, gocv.RetrievalTree, gocv.ChainApproxSimple)
	defer contours.Close()

	dst, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	if err := gocv.DrawContours(&dst, contours, -1, c, 2); err != nil {
		dst.Close()
		return gocv.NewMat(), "", errors.Wrap(err, "draw contours")
	}
	desc := describe("Contour Detection").
		param("Threshold min", p.ThresholdMin).
		param("Threshold max", p.ThresholdMax).
		param("Contours found", contours.Size()).
		text("The image is thresholded and the boundaries of the resulting regions are traced as curves of equal intensity.").
		text("Contours are the basis for shape analysis and object counting.")
	return dst, desc.String(), nil
}

func orbKeypoints(src gocv.Mat, p ORBParams) (gocv.Mat, string, error) {
	c, err := parseColor(p.Color)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	gray, err := toGray(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer gray.Close()

	orb := gocv.NewORBWithParams(p.NFeatures, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	keypoints, descriptors := orb.DetectAndCompute(gray, mask)
	descriptors.Close()

	dst, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	for _, kp := range keypoints {
		center := image.Pt(int(math.Round(kp.X)), int(math.Round(kp.Y)))
		radius := max(int(math.Round(kp.Size/2)), 1)
		if err := gocv.Circle(&dst, center, radius, c, 1); err != nil {
			dst.Close()
			return gocv.NewMat(), "", errors.Wrap(err, "draw keypoint")
		}
		if kp.Angle >= 0 {
			rad := kp.Angle * math.Pi / 180
			tip := image.Pt(
				center.X+int(math.Round(float64(radius)*math.Cos(rad))),
				center.Y+int(math.Round(float64(radius)*math.Sin(rad))),
			)
			if err := gocv.Line(&dst, center, tip, c, 1); err != nil {
				dst.Close()
				return gocv.NewMat(), "", errors.Wrap(err, "draw orientation")
			}
		}
	}
	desc := describe("ORB Keypoint Detection").
		param("Max features", p.NFeatures).
		param("Keypoints found", len(keypoints)).
		text("Oriented FAST and Rotated BRIEF finds corners with FAST, ranks them with the Harris measure and describes them with rotation-aware binary descriptors.").
		text("Each keypoint is drawn with its scale as the circle radius and its orientation as a line.")
	return dst, desc.String(), nil
}
