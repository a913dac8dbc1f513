// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package attachments

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lrhodin/convsync/pkg/message"
)

var ErrDownloadFailed = errors.New("attachment download failed")

// Downloader transfers attachment bytes and returns the local path they were stored at.
type Downloader interface {
	Download(ctx context.Context, att message.Attachment) (string, error)
}

// HTTPDownloader fetches attachments from a relay server exposing GET /attachment?path=.
type HTTPDownloader struct {
	BaseURL     string
	DownloadDir string
	HTTPClient  *http.Client
}

func NewHTTPDownloader(baseURL, downloadDir string, timeout time.Duration) *HTTPDownloader {
	return &HTTPDownloader{
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		DownloadDir: downloadDir,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func localName(att message.Attachment) string {
	return fmt.Sprintf("%x%s", sha256.Sum256([]byte(att.Ref)), filepath.Ext(att.FileName))
}

func (hd *HTTPDownloader) Download(ctx context.Context, att message.Attachment) (string, error) {
	if att.Ref == "" {
		return "", fmt.Errorf("%w: attachment has no ref", ErrDownloadFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/attachment?path=%s", hd.BaseURL, url.QueryEscape(att.Ref)), nil)
	if err != nil {
		return "", fmt.Errorf("failed to prepare request: %w", err)
	}
	resp, err := hd.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: relay /attachment request failed: %w", ErrDownloadFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: relay /attachment returned %d: %s", ErrDownloadFailed, resp.StatusCode, body)
	}
	if err = os.MkdirAll(hd.DownloadDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(hd.DownloadDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, err = io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", fmt.Errorf("%w: failed to write attachment: %w", ErrDownloadFailed, err)
	}
	dest := filepath.Join(hd.DownloadDir, localName(att))
	if err = os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to move attachment into place: %w", err)
	}
	return dest, nil
}

// DirDownloader resolves attachment refs as paths relative to a local directory,
// e.g. an export of a message database.
type DirDownloader struct {
	Root string
}

func (dd *DirDownloader) Download(ctx context.Context, att message.Attachment) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel := filepath.Clean(filepath.FromSlash(att.Ref))
	if att.Ref == "" || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid ref %q", ErrDownloadFailed, att.Ref)
	}
	path := filepath.Join(dd.Root, rel)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	} else if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrDownloadFailed, att.Ref)
	}
	return path, nil
}

type Probe struct {
	ContentType string
	Size        int64
	Width       int
	Height      int
}

// ProbeFile sniffs the content type of a downloaded file and reads image dimensions
// when the file is an image in a format with a registered decoder.
func ProbeFile(path string) (Probe, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Probe{}, err
	}
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return Probe{}, fmt.Errorf("failed to detect content type: %w", err)
	}
	p := Probe{ContentType: mime.String(), Size: info.Size()}
	if idx := strings.IndexByte(p.ContentType, ';'); idx > 0 {
		p.ContentType = p.ContentType[:idx]
	}
	if strings.HasPrefix(p.ContentType, "image/") {
		f, err := os.Open(path)
		if err != nil {
			return p, err
		}
		defer f.Close()
		if cfg, _, err := image.DecodeConfig(f); err == nil {
			p.Width, p.Height = cfg.Width, cfg.Height
		}
	}
	return p, nil
}
