// Package restapi is the client for the secondary REST API that accepts
// assessment uploads and triggers analysis.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

const (
	defaultTimeout  = 15 * time.Second
	maxResponseSize = 8 << 20
	storeLabel      = "api"
	mediaField      = "video"
)

// Sentinel kinds for API errors.
var (
	ErrNotFound  = errors.New("assessment not found on api")
	ErrRejected  = errors.New("api rejected request")
	ErrMalformed = errors.New("malformed api response")
	ErrNoBaseURL = errors.New("api base url not set")
)

// Submission is what the coordinator uploads for one record.
type Submission struct {
	ClientKey      string
	SubjectID      string
	AssessmentType string
	Category       model.Category
	SubmittedAt    time.Time
	DocumentID     string
	MediaPath      string
	Metadata       map[string]string
}

// SubmissionFor builds the upload for rec.
func SubmissionFor(rec model.AssessmentRecord) Submission {
	return Submission{
		ClientKey:      rec.ClientKey,
		SubjectID:      rec.SubjectID,
		AssessmentType: rec.AssessmentType,
		Category:       rec.Category,
		SubmittedAt:    rec.SubmittedAt,
		DocumentID:     rec.Remote.Document,
		MediaPath:      rec.Media.LocalPath,
	}
}

// Accepted is the API's answer to a submission.
type Accepted struct {
	ID       string
	Status   string
	MediaURL string
	Analysis *model.Analysis // set when the API scored the upload inline
}

// Option applies a configuration option to the Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// Client talks to the REST API. The base URL is passed per call because it
// is chosen by the connectivity probe.
type Client struct {
	http    *http.Client
	timeout time.Duration
	log     logger.Logger
}

// New creates an API client.
func New(opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{},
		timeout: defaultTimeout,
		log:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit uploads a record as multipart form data.
func (c *Client) Submit(ctx context.Context, baseURL string, sub Submission) (Accepted, error) {
	body, contentType, err := encodeSubmission(sub)
	if err != nil {
		return Accepted{}, err
	}

	var out wireRecord
	err = c.do(ctx, "submit", http.MethodPost, baseURL, "/assessments", body, contentType, &out)
	if err != nil {
		return Accepted{}, err
	}
	if out.ID == "" {
		return Accepted{}, fmt.Errorf("%w: accepted without id", ErrMalformed)
	}

	acc := Accepted{ID: out.ID, Status: out.Status, MediaURL: out.VideoURL}
	cat := sub.Category
	if cat == "" {
		cat = out.category()
	}
	if a, err := out.analysis(cat); err != nil {
		c.log.Warn(ctx, "dropping invalid inline analysis", logger.String("api_id", out.ID), logger.Error(err))
	} else {
		acc.Analysis = a
	}
	return acc, nil
}

// List returns every assessment the API holds.
func (c *Client) List(ctx context.Context, baseURL string) ([]model.AssessmentRecord, error) {
	var out []wireRecord
	if err := c.do(ctx, "list", http.MethodGet, baseURL, "/assessments", nil, "", &out); err != nil {
		return nil, err
	}
	recs := make([]model.AssessmentRecord, 0, len(out))
	for _, w := range out {
		if w.ID == "" {
			continue
		}
		recs = append(recs, c.toRecord(ctx, w))
	}
	return recs, nil
}

// Get returns one assessment.
func (c *Client) Get(ctx context.Context, baseURL, id string) (model.AssessmentRecord, error) {
	var out wireRecord
	if err := c.do(ctx, "get", http.MethodGet, baseURL, "/assessments/"+url.PathEscape(id), nil, "", &out); err != nil {
		return model.AssessmentRecord{}, err
	}
	if out.ID == "" {
		out.ID = id
	}
	return c.toRecord(ctx, out), nil
}

// Reprocess asks the API to re-run analysis for id.
func (c *Client) Reprocess(ctx context.Context, baseURL, id string) error {
	return c.do(ctx, "reprocess", http.MethodPost, baseURL, "/assessments/"+url.PathEscape(id)+"/reprocess", nil, "", nil)
}

func (c *Client) toRecord(ctx context.Context, w wireRecord) model.AssessmentRecord {
	rec := w.record()
	a, err := w.analysis(rec.Category)
	if err != nil {
		c.log.Warn(ctx, "dropping invalid analysis", logger.String("api_id", w.ID), logger.Error(err))
	}
	rec.Analysis = a
	return rec
}

// do performs one bounded call and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, op, method, baseURL, path string, body io.Reader, contentType string, out any) error {
	if strings.TrimSpace(baseURL) == "" {
		return ErrNoBaseURL
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.roundTrip(ctx, method, strings.TrimRight(baseURL, "/")+path, body, contentType, out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordRemoteCall(storeLabel, op, result, float64(time.Since(start).Milliseconds()))
	if err != nil {
		c.log.Debug(ctx, "api call failed", logger.String("op", op), logger.Error(err))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read api response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, env.Message)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, env.Message)
	case decodeErr != nil:
		return fmt.Errorf("%w: %w", ErrMalformed, decodeErr)
	case !env.Success:
		return fmt.Errorf("%w: %s", ErrRejected, env.Message)
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func encodeSubmission(sub Submission) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"athleteId":      sub.SubjectID,
		"assessmentType": sub.AssessmentType,
		"category":       string(sub.Category),
		"clientKey":      sub.ClientKey,
		"documentId":     sub.DocumentID,
	}
	if !sub.SubmittedAt.IsZero() {
		fields["submittedAt"] = sub.SubmittedAt.UTC().Format(time.RFC3339Nano)
	}
	if len(sub.Metadata) > 0 {
		meta, err := json.Marshal(sub.Metadata)
		if err != nil {
			return nil, "", fmt.Errorf("encode metadata: %w", err)
		}
		fields["metadata"] = string(meta)
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", k, err)
		}
	}

	if sub.MediaPath != "" {
		f, err := os.Open(sub.MediaPath) //nolint:gosec // path from the local media directory
		if err != nil {
			return nil, "", fmt.Errorf("open media: %w", err)
		}
		defer f.Close()
		part, err := w.CreateFormFile(mediaField, filepath.Base(sub.MediaPath))
		if err != nil {
			return nil, "", fmt.Errorf("create media part: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", fmt.Errorf("copy media: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
