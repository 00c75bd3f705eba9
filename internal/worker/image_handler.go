package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"task-engine/internal/config"
)

// ImageHandler implements the resize-image task: download, resize (and
// optionally grayscale), then upload to S3 or local disk.
type ImageHandler struct {
	cfg        config.Config
	httpClient *http.Client
	local      Uploader
	s3         Uploader
}

type imagePayload struct {
	SourceURL   string `json:"source_url"`
	OutputKey   string `json:"output_key"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Grayscale   bool   `json:"grayscale"`
	Destination string `json:"destination"`
}

// NewImageHandler constructs the handler, wiring an S3 uploader when a
// bucket is configured.
func NewImageHandler(ctx context.Context, cfg config.Config) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	baseDir := cfg.ImageOutputDir
	if baseDir == "" {
		baseDir = "./output"
	}

	var s3Upload Uploader
	if cfg.ImageS3Bucket != "" {
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &S3Uploader{Client: client, Bucket: cfg.ImageS3Bucket}
	}

	return &ImageHandler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		local:      &LocalUploader{BaseDir: baseDir},
		s3:         s3Upload,
	}, nil
}

// Handle processes one resize-image task. Input is the job payload map.
func (h *ImageHandler) Handle(ctx context.Context, input any) (any, error) {
	payload, err := h.decodePayload(input)
	if err != nil {
		return nil, err
	}

	data, contentType, err := h.download(ctx, payload.SourceURL)
	if err != nil {
		return nil, err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if payload.Grayscale {
		img = imaging.Grayscale(img)
	}
	img = imaging.Resize(img, payload.Width, payload.Height, imaging.Lanczos)

	outputFormat := chooseFormat(payload.OutputKey, format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	outputKey := payload.OutputKey
	if outputKey == "" {
		outputKey = fmt.Sprintf("resized.%s", formatExtension(outputFormat))
	}

	uploader, err := h.pickUploader(payload.Destination)
	if err != nil {
		return nil, err
	}
	location, err := uploader.Upload(ctx, outputKey, buf.Bytes(), mimeForFormat(outputFormat, contentType))
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	return map[string]any{"location": location}, nil
}

func (h *ImageHandler) decodePayload(input any) (imagePayload, error) {
	payload := imagePayload{}
	raw, err := json.Marshal(input)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.SourceURL == "" {
		return payload, errors.New("source_url is required")
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = h.cfg.ImageDefaultWidth
		payload.Height = h.cfg.ImageDefaultHeight
	}
	if payload.Width == 0 && payload.Height == 0 {
		payload.Width = 320
	}
	if payload.Destination == "" {
		if h.s3 != nil {
			payload.Destination = "s3"
		} else {
			payload.Destination = "local"
		}
	}
	return payload, nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (h *ImageHandler) pickUploader(destination string) (Uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if h.s3 != nil {
			return h.s3, nil
		}
		return nil, errors.New("destination s3 requested but IMAGE_S3_BUCKET is not configured")
	default:
		return h.local, nil
	}
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(outputKey, decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(filepath.Ext(outputKey)) {
	case ".png":
		return imaging.PNG
	case ".jpg", ".jpeg":
		return imaging.JPEG
	}
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format, fallback string) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		if strings.Contains(strings.ToLower(fallback), "png") {
			return "image/png"
		}
		return "image/jpeg"
	}
}
