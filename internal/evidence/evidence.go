// Package evidence copies evidence images referenced by AI output into
// object storage and points the stored evidence at the copies.
package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
)

const maxImageBytes = 10 << 20

var imageExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// Persister stores evidence for an alert.
type Persister interface {
	Persist(ctx context.Context, companyID, alertID int64, evidence json.RawMessage) (int, error)
}

// ObjectPutter is the part of the S3 client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Rewriter applies a rewrite to stored evidence under a row lock.
type Rewriter interface {
	RewriteEvidence(ctx context.Context, companyID, alertID int64, fn store.EvidenceRewriter) error
}

// Config configures the S3 persister.
type Config struct {
	Bucket string
	// PublicBaseURL prefixes object keys in rewritten URLs. Empty uses s3://bucket/key.
	PublicBaseURL string
	Timeout       time.Duration
}

// S3Persister downloads images and uploads them to S3.
type S3Persister struct {
	objects  ObjectPutter
	rewriter Rewriter
	http     *resty.Client
	cfg      Config
	log      *zap.Logger
}

// NewS3Persister creates a persister.
func NewS3Persister(objects ObjectPutter, rewriter Rewriter, cfg Config, log *zap.Logger) *S3Persister {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &S3Persister{
		objects:  objects,
		rewriter: rewriter,
		http:     resty.New().SetTimeout(cfg.Timeout),
		cfg:      cfg,
		log:      log,
	}
}

// Persist copies every external image URL in evidence and rewrites the stored
// evidence to the copies. Downloads happen before the row is locked; the
// rewrite only replaces URLs that are still present. It returns the number of
// URLs rewritten.
func (p *S3Persister) Persist(ctx context.Context, companyID, alertID int64, evidence json.RawMessage) (int, error) {
	if len(evidence) == 0 {
		return 0, nil
	}
	var doc any
	if err := json.Unmarshal(evidence, &doc); err != nil {
		return 0, fmt.Errorf("failed to decode evidence: %w", err)
	}
	urls := p.imageURLs(doc)
	if len(urls) == 0 {
		return 0, nil
	}

	copies := make(map[string]string, len(urls))
	for i, u := range urls {
		stored, err := p.copyImage(ctx, companyID, alertID, i+1, u)
		if err != nil {
			p.log.Warn("Failed to persist evidence image",
				zap.Int64("alert_id", alertID), zap.String("url", u), zap.Error(err))
			continue
		}
		copies[u] = stored
	}
	if len(copies) == 0 {
		return 0, nil
	}

	rewritten := 0
	err := p.rewriter.RewriteEvidence(ctx, companyID, alertID, func(current json.RawMessage) (json.RawMessage, bool, error) {
		if len(current) == 0 {
			return nil, false, nil
		}
		var doc any
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, false, fmt.Errorf("failed to decode stored evidence: %w", err)
		}
		doc, rewritten = replaceStrings(doc, copies)
		if rewritten == 0 {
			return nil, false, nil
		}
		next, err := json.Marshal(doc)
		return next, err == nil, err
	})
	if err != nil {
		return 0, err
	}
	return rewritten, nil
}

// ObjectKey is evidence/<company>/<alert>/<n><ext>.
func ObjectKey(companyID, alertID int64, n int, ext string) string {
	return fmt.Sprintf("evidence/%d/%d/%d%s", companyID, alertID, n, ext)
}

func (p *S3Persister) copyImage(ctx context.Context, companyID, alertID int64, n int, src string) (string, error) {
	ext, contentType := imageType(src)
	resp, err := p.http.R().SetContext(ctx).Get(src)
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("download returned %d", resp.StatusCode())
	}
	body := resp.Body()
	if len(body) == 0 || len(body) > maxImageBytes {
		return "", fmt.Errorf("image size %d out of bounds", len(body))
	}
	if ct := resp.Header().Get("Content-Type"); strings.HasPrefix(ct, "image/") {
		contentType = ct
	}

	key := ObjectKey(companyID, alertID, n, ext)
	_, err = p.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	return p.publicURL(key), nil
}

func (p *S3Persister) publicURL(key string) string {
	if p.cfg.PublicBaseURL != "" {
		return strings.TrimRight(p.cfg.PublicBaseURL, "/") + "/" + key
	}
	return "s3://" + p.cfg.Bucket + "/" + key
}

func imageType(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	ct, ok := imageExtensions[ext]
	if !ok {
		return "", ""
	}
	return ext, ct
}

// imageURLs returns the external image URLs in doc, sorted and unique.
func (p *S3Persister) imageURLs(doc any) []string {
	seen := make(map[string]bool)
	walkStrings(doc, func(s string) {
		if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return
		}
		if p.cfg.PublicBaseURL != "" && strings.HasPrefix(s, p.cfg.PublicBaseURL) {
			return
		}
		if ext, _ := imageType(s); ext != "" {
			seen[s] = true
		}
	})
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case []any:
		for _, item := range t {
			walkStrings(item, fn)
		}
	case map[string]any:
		for _, item := range t {
			walkStrings(item, fn)
		}
	}
}

func replaceStrings(v any, with map[string]string) (any, int) {
	switch t := v.(type) {
	case string:
		if r, ok := with[t]; ok {
			return r, 1
		}
		return t, 0
	case []any:
		n := 0
		for i, item := range t {
			var c int
			t[i], c = replaceStrings(item, with)
			n += c
		}
		return t, n
	case map[string]any:
		n := 0
		for k, item := range t {
			var c int
			t[k], c = replaceStrings(item, with)
			n += c
		}
		return t, n
	}
	return v, 0
}

var _ Persister = (*S3Persister)(nil)
