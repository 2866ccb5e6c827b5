// Package thumbnail runs the artifact pipeline: it finds newly stored
// instances without a thumbnail, invokes the image codec and emits the
// image-received relay event.
package thumbnail

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Codec renders a JPEG thumbnail for a stored image file. Implementations
// are black boxes to the pipeline: image file in, thumbnail file out.
type Codec interface {
	Generate(ctx context.Context, imagePath, thumbPath string) error
}

// DCMImgCodec shells out to dcm2img, the renderer the gateway ships with.
type DCMImgCodec struct {
	Binary  string // defaults to "dcm2img"
	Quality int    // JPEG quality 1-100
	Height  int    // target height in pixels
	Timeout time.Duration
}

// Generate runs the converter with min/max windowing and height scaling.
func (c *DCMImgCodec) Generate(ctx context.Context, imagePath, thumbPath string) error {
	bin := c.Binary
	if bin == "" {
		bin = "dcm2img"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin,
		"+oj",
		"+Jq", strconv.Itoa(c.Quality),
		"--min-max-window",
		"--scale-y-size", strconv.Itoa(c.Height),
		imagePath,
		thumbPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("thumbnail: %s: %w (%s)", bin, err, string(out))
	}
	return nil
}
