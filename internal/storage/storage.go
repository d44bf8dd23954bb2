/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package storage persists node artifacts. Uploads go through a chain of tiers: the CDN handler,
// then object storage (S3 or MinIO), then the local filesystem. The first tier that succeeds wins.
package storage

import (
	"context"
	"encoding/base64"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nodeflow/nodeflow/config"
)

const (
	downloadTimeout = 2 * time.Minute
	maxArtifactSize = 512 << 20
)

// Object is an artifact ready to be written to a tier.
type Object struct {
	Name        string
	ContentType string
	Data        []byte
}

// Tier writes an object somewhere durable and returns its public URL.
type Tier interface {
	Name() string
	Put(ctx context.Context, obj Object) (string, error)
}

// Store uploads artifacts through its tiers in order.
type Store struct {
	tiers    []Tier
	download *http.Client
	maxSize  int64
}

// New builds the tier chain from configuration. Tiers without configuration are skipped; the local
// tier is always last.
func New(cfg config.StorageConfig) (*Store, error) {
	var tiers []Tier
	if cfg.CDN.Url != "" {
		tiers = append(tiers, NewCDNTier(cfg.CDN))
	}
	if cfg.S3.Bucket != "" {
		s3Tier, err := NewS3Tier(cfg.S3)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, s3Tier)
	}
	if cfg.MinIO.Endpoint != "" {
		minioTier, err := NewMinIOTier(cfg.MinIO, nil)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, minioTier)
	}
	tiers = append(tiers, NewLocalTier(cfg.Local))
	return NewWithTiers(tiers...), nil
}

// NewWithTiers builds a store over explicit tiers.
func NewWithTiers(tiers ...Tier) *Store {
	return &Store{tiers: tiers, download: &http.Client{Timeout: downloadTimeout}, maxSize: maxArtifactSize}
}

// Mode names the first configured tier. It is reported in execution output metadata.
func (s *Store) Mode() string {
	if len(s.tiers) == 0 {
		return "none"
	}
	return s.tiers[0].Name()
}

// Upload persists the artifact at source, which is either a data: URL or an http(s) URL, under
// filename. It returns "" when no tier accepted the artifact.
func (s *Store) Upload(ctx context.Context, source, filename string) string {
	obj, err := s.load(ctx, source)
	if err != nil {
		logrus.WithError(err).Warn("artifact could not be read, keeping provider url")
		return ""
	}
	obj.Name = objectName(filename, obj.ContentType)

	for _, tier := range s.tiers {
		u, err := tier.Put(ctx, obj)
		if err == nil && u != "" {
			return u
		}
		logrus.WithError(err).WithField("tier", tier.Name()).Warn("artifact upload failed, trying next tier")
	}
	return ""
}

func (s *Store) load(ctx context.Context, source string) (Object, error) {
	if IsDataURL(source) {
		return DecodeDataURL(source)
	}

	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Object{}, errors.Errorf("unsupported artifact source %q", source)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return Object{}, errors.Wrap(err, "build download request")
	}
	resp, err := s.download.Do(req)
	if err != nil {
		return Object{}, errors.Wrap(err, "download artifact")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Object{}, errors.Errorf("download artifact: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return Object{}, errors.Wrap(err, "read artifact")
	}
	if int64(len(data)) > s.maxSize {
		return Object{}, errors.Errorf("artifact exceeds %d bytes", s.maxSize)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(u.Path))
	}
	return Object{ContentType: contentType, Data: data}, nil
}

// IsDataURL reports whether s is an inline data: URL.
func IsDataURL(s string) bool {
	return strings.HasPrefix(s, "data:")
}

// DecodeDataURL decodes a data:[<mediatype>][;base64],<data> URL.
func DecodeDataURL(s string) (Object, error) {
	if !IsDataURL(s) {
		return Object{}, errors.New("not a data url")
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(s, "data:"), ",")
	if !ok {
		return Object{}, errors.New("malformed data url")
	}

	isBase64 := strings.HasSuffix(meta, ";base64")
	contentType := strings.TrimSuffix(meta, ";base64")
	if contentType == "" {
		contentType = "text/plain"
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return Object{}, errors.Wrap(err, "decode data url")
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return Object{}, errors.Wrap(err, "unescape data url")
		}
		data = []byte(unescaped)
	}
	return Object{ContentType: contentType, Data: data}, nil
}

func objectName(filename, contentType string) string {
	if filename == "" {
		filename = uuid.NewString()
	}
	if path.Ext(filename) == "" {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			filename += exts[0]
		}
	}
	return filename
}

// datedKey places name under a yyyy/mm/dd prefix.
func datedKey(name string, now time.Time) string {
	return path.Join(now.Format("2006/01/02"), name)
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
