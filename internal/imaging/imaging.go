// Package imaging reads slice image headers through ImageMagick.
package imaging

import (
	"fmt"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"sectionreg/internal/registration"
)

// Prober reports the pixel dimensions of an image file.
type Prober interface {
	Dimensions(path string) (width, height int, err error)
}

var initOnce sync.Once

// MagickProber pings images with ImageMagick without decoding pixel data.
type MagickProber struct{}

// NewMagickProber initializes the ImageMagick environment once per process.
// Terminate is left to process exit since wands may be created from any worker.
func NewMagickProber() *MagickProber {
	initOnce.Do(imagick.Initialize)
	return &MagickProber{}
}

func (p *MagickProber) Dimensions(path string) (int, int, error) {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return 0, 0, fmt.Errorf("ping %s: %w", path, err)
	}
	return int(mw.GetImageWidth()), int(mw.GetImageHeight()), nil
}

// FillDimensions sets ImageWidth and ImageHeight on rec from its fixed image.
// The moving image must match; a mismatch is an error since registration
// assumes equally sized slices.
func FillDimensions(p Prober, rec *registration.Record) error {
	fw, fh, err := p.Dimensions(rec.FixedImagePath)
	if err != nil {
		return err
	}
	if rec.MovingImagePath != "" {
		mw, mh, err := p.Dimensions(rec.MovingImagePath)
		if err != nil {
			return err
		}
		if mw != fw || mh != fh {
			return fmt.Errorf("slice %d is %dx%d but slice %d is %dx%d",
				rec.FixedSlice, fw, fh, rec.MovingSlice, mw, mh)
		}
	}
	rec.ImageWidth = int32(fw)
	rec.ImageHeight = int32(fh)
	return nil
}
