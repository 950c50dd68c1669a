// Package nnremote is an nn.Detector that runs the network on another machine,
// over HTTP.
//
// The request body is the letterboxed network input, encoded as a JPEG.
// The response body is a JSON nn.RawTensor: {"rows": N, "cols": M, "data": [...]}.
package nnremote

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/obstacled/pkg/nn"
	"github.com/cyclopcam/obstacled/pkg/www"
)

const DefaultJPEGQuality = 90

type Detector struct {
	Log         logs.Log
	URL         string
	Client      *http.Client
	JPEGQuality int
	model       *nn.ModelConfig
}

func NewDetector(log logs.Log, url string, timeout time.Duration, model *nn.ModelConfig) (*Detector, error) {
	if url == "" {
		return nil, fmt.Errorf("No detector URL specified")
	}
	return &Detector{
		Log:         log,
		URL:         url,
		Client:      &http.Client{Timeout: timeout},
		JPEGQuality: DefaultJPEGQuality,
		model:       model,
	}, nil
}

func (d *Detector) Close() {
	d.Client.CloseIdleConnections()
}

func (d *Detector) Config() *nn.ModelConfig {
	return d.model
}

func (d *Detector) Detect(ctx context.Context, img image.Image) (*nn.RawTensor, error) {
	nnImg, _ := nn.Letterbox(img, d.model.Width, d.model.Height)
	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, nnImg, &jpeg.Options{Quality: d.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("Failed to encode network input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Model-Width", fmt.Sprintf("%v", d.model.Width))
	req.Header.Set("X-Model-Height", fmt.Sprintf("%v", d.model.Height))

	raw := &nn.RawTensor{}
	if err := www.FetchJSON(d.Client, req, raw); err != nil {
		return nil, fmt.Errorf("Detector request failed: %w", err)
	}
	return raw, nil
}
