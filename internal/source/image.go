package source

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"testforge/internal/domain"
)

// MaxImageBytes caps a downloaded image.
const MaxImageBytes = 32 << 20

// RemoteImage is an image downloaded for vision generation.
type RemoteImage struct {
	Data     []byte
	Filename string
	MIMEType string
}

// ImageFetcher downloads images over http(s).
type ImageFetcher struct {
	Client   *http.Client
	Timeout  time.Duration
	MaxBytes int64
}

// Fetch downloads rawURL. Only http and https are accepted and the body must
// sniff or declare as image/*.
func (f ImageFetcher) Fetch(ctx context.Context, rawURL string) (RemoteImage, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return RemoteImage{}, fmt.Errorf("%w: image_url must be an absolute http or https url", domain.ErrInput)
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = MaxImageBytes
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return RemoteImage{}, fmt.Errorf("%w: %v", domain.ErrInput, err)
	}
	req.Header.Set("Accept", "image/*")
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return RemoteImage{}, fmt.Errorf("%w: fetch image: %v", domain.ErrUpstream, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return RemoteImage{}, fmt.Errorf("%w: %s", domain.ErrNotFound, u.Redacted())
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return RemoteImage{}, fmt.Errorf("%w: %w", domain.ErrUpstream, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	if resp.ContentLength > limit {
		return RemoteImage{}, fmt.Errorf("%w: image is larger than %d bytes", domain.ErrInput, limit)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return RemoteImage{}, fmt.Errorf("%w: read image: %v", domain.ErrUpstream, err)
	}
	if int64(len(data)) > limit {
		return RemoteImage{}, fmt.Errorf("%w: image is larger than %d bytes", domain.ErrInput, limit)
	}
	if len(data) == 0 {
		return RemoteImage{}, fmt.Errorf("%w: image_url returned an empty body", domain.ErrInput)
	}

	mimeType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return RemoteImage{}, fmt.Errorf("%w: image_url returned %s, not an image", domain.ErrInput, mimeType)
	}
	return RemoteImage{Data: data, Filename: imageName(u, mimeType), MIMEType: mimeType}, nil
}

func imageName(u *url.URL, mimeType string) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "image"
	}
	if path.Ext(name) == "" {
		if exts, _ := mime.ExtensionsByType(mimeType); len(exts) > 0 {
			name += exts[0]
		}
	}
	return name
}
