package stream

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/pkg/errors"

	"github.com/retrontology/doorcam/internal/model"
)

const defaultJPEGQuality = 85

// encodeJPEG prepares a frame for wire transmission: MJPEG frames pass
// through unmodified; YUYV/RGB24 frames are decoded and JPEG-encoded with
// the declared dimensions.
func encodeJPEG(f model.Frame) ([]byte, error) {
	if f.Format == model.MJPEG {
		return f.Data, nil
	}

	img, err := toImage(f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: defaultJPEGQuality}); err != nil {
		return nil, errors.Wrap(err, "stream: jpeg encode failed")
	}
	return buf.Bytes(), nil
}

func toImage(f model.Frame) (image.Image, error) {
	switch f.Format {
	case model.YUYV:
		return yuyvToRGBA(f.Data, f.Width, f.Height)
	case model.RGB24:
		return rgb24ToRGBA(f.Data, f.Width, f.Height)
	default:
		return nil, errors.Errorf("stream: unsupported format %s", f.Format)
	}
}

func yuyvToRGBA(data []byte, width, height int) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width/2; x++ {
			base := (y*width/2 + x) * 4
			if base+3 >= len(data) {
				continue
			}
			y0, u, y1, v := data[base], data[base+1], data[base+2], data[base+3]
			img.Set(x*2, y, color.YCbCr{Y: y0, Cb: u, Cr: v})
			if x*2+1 < width {
				img.Set(x*2+1, y, color.YCbCr{Y: y1, Cb: u, Cr: v})
			}
		}
	}
	return img, nil
}

func rgb24ToRGBA(data []byte, width, height int) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := (y*width + x) * 3
			if idx+2 >= len(data) {
				continue
			}
			img.Set(x, y, color.RGBA{R: data[idx], G: data[idx+1], B: data[idx+2], A: 255})
		}
	}
	return img, nil
}
