package ops

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ChannelParams configures channel_separation.
type ChannelParams struct {
	ColorSpace string `json:"color_space" options:"RGB,HSV,LAB,YCrCb"`
}

type colorSpace struct {
	code     gocv.ColorConversionCode
	channels [3]string
}

var colorSpaces = map[string]colorSpace{
	"RGB":   {0, [3]string{"Blue", "Green", "Red"}},
	"HSV":   {gocv.ColorBGRToHSV, [3]string{"Hue", "Saturation", "Value"}},
	"LAB":   {gocv.ColorBGRToLab, [3]string{"Lightness", "A (Green-Red)", "B (Blue-Yellow)"}},
	"YCrCb": {gocv.ColorBGRToYCrCb, [3]string{"Y (Luminance)", "Cr (Red Chroma)", "Cb (Blue Chroma)"}},
}

func (p ChannelParams) Validate() error {
	if _, ok := colorSpaces[p.ColorSpace]; !ok {
		return fmt.Errorf("unsupported color_space %q", p.ColorSpace)
	}
	return nil
}

// QuantizeParams configures color_quantization.
type QuantizeParams struct {
	K int `json:"k"`
}

func (p QuantizeParams) Validate() error {
	if p.K < 2 || p.K > 64 {
		return fmt.Errorf("k %d out of range 2..64", p.K)
	}
	return nil
}

func colorOperations() []*Operation {
	return []*Operation{
		New("rgb_to_hsv", Color, "Convert to HSV", NoParams{}, convertSpace(gocv.ColorBGRToHSV, "RGB to HSV Conversion",
			"Hue is the colour type (0..179 here), Saturation the purity and Value the brightness.",
			"Separating colour from intensity makes HSV convenient for colour-based segmentation and tracking.")),
		New("rgb_to_lab", Color, "Convert to CIE Lab", NoParams{}, convertSpace(gocv.ColorBGRToLab, "RGB to LAB Conversion",
			"L is lightness, A runs from green to red and B from blue to yellow.",
			"Lab is designed to be perceptually uniform, so distances match perceived colour differences.")),
		New("rgb_to_ycrcb", Color, "Convert to YCrCb", NoParams{}, convertSpace(gocv.ColorBGRToYCrCb, "RGB to YCrCb Conversion",
			"Y is luminance while Cr and Cb are the red and blue chroma differences.",
			"Used by JPEG and video codecs, and handy for skin detection.")),
		New("channel_separation", Color, "Show each channel side by side", ChannelParams{ColorSpace: "RGB"}, channelSeparation),
		New("color_quantization", Color, "Reduce colours with k-means", QuantizeParams{K: 8}, colorQuantization),
	}
}

func convertSpace(code gocv.ColorConversionCode, title string, body ...string) func(gocv.Mat, NoParams) (gocv.Mat, string, error) {
	return func(src gocv.Mat, _ NoParams) (gocv.Mat, string, error) {
		bgr, err := toBGR(src)
		if err != nil {
			return gocv.NewMat(), "", err
		}
		defer bgr.Close()
		dst := gocv.NewMat()
		if err := gocv.CvtColor(bgr, &dst, code); err != nil {
			dst.Close()
			return gocv.NewMat(), "", errors.Wrap(err, title)
		}
		desc := describe(title)
		for _, b := range body {
			desc.text("%s", b)
		}
		desc.text("The converted channels are displayed as if they were B, G and R.")
		return dst, desc.String(), nil
	}
}

func channelSeparation(src gocv.Mat, p ChannelParams) (gocv.Mat, string, error) {
	space := colorSpaces[p.ColorSpace]
	converted, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer converted.Close()
	if p.ColorSpace != "RGB" {
		next := gocv.NewMat()
		if err := gocv.CvtColor(converted, &next, space.code); err != nil {
			next.Close()
			return gocv.NewMat(), "", errors.Wrapf(err, "convert to %s", p.ColorSpace)
		}
		converted.Close()
		converted = next
	}

	chans := gocv.Split(converted)
	defer closeSlice(chans)
	zero := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), converted.Rows(), converted.Cols(), gocv.MatTypeCV8UC1)
	defer zero.Close()

	var dst gocv.Mat
	for i, ch := range chans {
		// RGB panels keep their own colour; other spaces are shown as gray
		planes := []gocv.Mat{ch, ch, ch}
		if p.ColorSpace == "RGB" {
			planes = []gocv.Mat{zero, zero, zero}
			planes[i] = ch
		}
		panel := gocv.NewMat()
		if err := gocv.Merge(planes, &panel); err != nil {
			panel.Close()
			if i > 0 {
				dst.Close()
			}
			return gocv.NewMat(), "", errors.Wrap(err, "build channel panel")
		}
		if i == 0 {
			dst = panel
			continue
		}
		row := gocv.NewMat()
		err := gocv.Hconcat(dst, panel, &row)
		dst.Close()
		panel.Close()
		if err != nil {
			row.Close()
			return gocv.NewMat(), "", errors.Wrap(err, "concatenate channels")
		}
		dst = row
	}
	desc := describe(fmt.Sprintf("Channel Separation (%s)", p.ColorSpace)).
		param("Channels", fmt.Sprintf("%s | %s | %s", space.channels[0], space.channels[1], space.channels[2])).
		text("Each channel is shown on its own, left to right.")
	if p.ColorSpace == "RGB" {
		desc.text("Colour channels keep their own hue so their contribution is easy to see.")
	} else {
		desc.text("Channels are drawn as grayscale intensities.")
	}
	return dst, desc.String(), nil
}

func colorQuantization(src gocv.Mat, p QuantizeParams) (gocv.Mat, string, error) {
	bgr, err := toBGR(src)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	defer bgr.Close()

	rows, cols := bgr.Rows(), bgr.Cols()
	n := rows * cols
	if n < p.K {
		return gocv.NewMat(), "", errors.Errorf("image has %d pixels, fewer than k=%d", n, p.K)
	}
	flat := bgr.Reshape(1, n)
	defer flat.Close()
	data := gocv.NewMat()
	defer data.Close()
	if err := flat.ConvertTo(&data, gocv.MatTypeCV32F); err != nil {
		return gocv.NewMat(), "", errors.Wrap(err, "k-means samples")
	}

	labels := gocv.NewMat()
	defer labels.Close()
	centers := gocv.NewMat()
	defer centers.Close()
	criteria := gocv.NewTermCriteria(gocv.Count|gocv.EPS, 100, 0.2)
	gocv.KMeans(data, p.K, &labels, criteria, 10, gocv.KMeansRandomCenters, &centers)
	if labels.Rows() != n || centers.Rows() != p.K {
		return gocv.NewMat(), "", errors.New("k-means produced no clustering")
	}

	palette := make([][3]byte, p.K)
	for k := range palette {
		for c := 0; c < 3; c++ {
			palette[k][c] = clampByte(math.Floor(float64(centers.GetFloatAt(k, c))))
		}
	}
	out := make([]byte, n*3)
	for i := 0; i < n; i++ {
		c := palette[labels.GetIntAt(i, 0)]
		out[i*3], out[i*3+1], out[i*3+2] = c[0], c[1], c[2]
	}
	dst, err := byteMat(rows, cols, gocv.MatTypeCV8UC3, out)
	if err != nil {
		return gocv.NewMat(), "", err
	}
	desc := describe("Color Quantization").
		param("Number of colors", p.K).
		text("Pixels are clustered in colour space with k-means and every pixel is replaced by its cluster centre.").
		text("Used for compression, posterization and palette extraction.")
	return dst, desc.String(), nil
}
