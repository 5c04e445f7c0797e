package scanning

import (
	"image"
	"image/draw"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/effect"
)

const (
	// contrastChange raises contrast by 100%, a factor of two
	contrastChange = 1.0
	// medianRadius gives a 3x3 median window
	medianRadius = 1.0
)

// Preprocess prepares a raster image for character recognition: grayscale,
// doubled contrast, sharpening and a median filter against speckle noise.
// The result is single-channel.
func Preprocess(img image.Image) *image.Gray {
	gray := effect.Grayscale(img)
	contrasted := adjust.Contrast(gray, contrastChange)
	sharpened := effect.Sharpen(contrasted)
	denoised := effect.Median(sharpened, medianRadius)

	bounds := denoised.Bounds()
	out := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(out, out.Bounds(), denoised, bounds.Min, draw.Src)
	return out
}
