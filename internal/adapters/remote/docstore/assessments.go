package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/fieldsync/internal/domain/model"
	"github.com/okian/fieldsync/pkg/logger"
	"github.com/okian/fieldsync/pkg/metrics"
)

// DefaultCollection holds assessment documents.
const DefaultCollection = "assessments"

const (
	storeLabel       = "document-store"
	statusProcessing = "Processing"
	statusPending    = "Pending"
)

// assessmentDoc is the body of an assessment document.
type assessmentDoc struct {
	ClientKey      string          `json:"clientKey,omitempty"`
	AthleteID      string          `json:"athleteId"`
	AssessmentType string          `json:"assessmentType,omitempty"`
	Category       model.Category  `json:"category"`
	SubmissionDate time.Time       `json:"submissionDate"`
	VideoURL       string          `json:"videoUrl,omitempty"`
	Status         string          `json:"status,omitempty"`
	APIID          string          `json:"apiId,omitempty"`
	Analysis       *model.Analysis `json:"analysis,omitempty"`
}

// AssessmentsOption applies a configuration option to Assessments.
type AssessmentsOption func(*Assessments)

// WithCollection sets the collection assessments live in.
func WithCollection(name string) AssessmentsOption {
	return func(a *Assessments) {
		if name != "" {
			a.collection = name
		}
	}
}

// WithTimeout bounds every document store call.
func WithTimeout(d time.Duration) AssessmentsOption {
	return func(a *Assessments) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) AssessmentsOption {
	return func(a *Assessments) {
		if l != nil {
			a.log = l
		}
	}
}

// Assessments maps assessment records onto documents of one collection.
type Assessments struct {
	store      Store
	collection string
	timeout    time.Duration
	log        logger.Logger
}

// NewAssessments wraps store.
func NewAssessments(store Store, opts ...AssessmentsOption) *Assessments {
	a := &Assessments{
		store:      store,
		collection: DefaultCollection,
		timeout:    10 * time.Second,
		log:        logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Create stores rec and returns the server-assigned document id.
func (a *Assessments) Create(ctx context.Context, rec model.AssessmentRecord) (string, error) {
	status := statusProcessing
	if rec.Analysis != nil {
		status = statusPending
	}
	fields := Fields{
		"clientKey":      rec.ClientKey,
		"athleteId":      rec.SubjectID,
		"assessmentType": rec.AssessmentType,
		"category":       rec.Category,
		"submissionDate": rec.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"status":         status,
	}
	if rec.Media.RemoteURL != "" {
		fields["videoUrl"] = rec.Media.RemoteURL
	}
	if rec.Remote.API != "" {
		fields["apiId"] = rec.Remote.API
	}
	if rec.Analysis != nil {
		fields["analysis"] = rec.Analysis
	}

	var id string
	err := a.observe(ctx, "create", func(ctx context.Context) error {
		d, err := a.store.Create(ctx, a.collection, fields)
		id = d.ID
		return err
	})
	return id, err
}

// AttachAnalysis back-fills the API id and analysis onto an existing document.
func (a *Assessments) AttachAnalysis(ctx context.Context, id, apiID string, analysis *model.Analysis) error {
	patch := Fields{}
	if apiID != "" {
		patch["apiId"] = apiID
	}
	if analysis != nil {
		patch["analysis"] = analysis
		patch["status"] = statusPending
	}
	if len(patch) == 0 {
		return nil
	}
	return a.observe(ctx, "update", func(ctx context.Context) error {
		_, err := a.store.Update(ctx, a.collection, id, patch)
		return err
	})
}

// List returns every assessment document as a record, newest first.
func (a *Assessments) List(ctx context.Context) ([]model.AssessmentRecord, error) {
	var docs []Document
	err := a.observe(ctx, "list", func(ctx context.Context) error {
		var err error
		docs, err = a.store.Query(ctx, a.collection, Query{})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.AssessmentRecord, 0, len(docs))
	for _, d := range docs {
		rec, err := a.toRecord(ctx, d)
		if err != nil {
			a.log.Warn(ctx, "skipping undecodable document", logger.String("doc_id", d.ID), logger.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindByClientKey returns the document created for a client key, if any.
// It lets a retried push reuse a document the first attempt created.
func (a *Assessments) FindByClientKey(ctx context.Context, key string) (model.AssessmentRecord, bool, error) {
	if key == "" {
		return model.AssessmentRecord{}, false, nil
	}
	var docs []Document
	err := a.observe(ctx, "query", func(ctx context.Context) error {
		var err error
		docs, err = a.store.Query(ctx, a.collection, Query{Field: "clientKey", Equals: key, Limit: 1})
		return err
	})
	if err != nil || len(docs) == 0 {
		return model.AssessmentRecord{}, false, err
	}
	rec, err := a.toRecord(ctx, docs[0])
	if err != nil {
		return model.AssessmentRecord{}, false, err
	}
	return rec, true, nil
}

func (a *Assessments) toRecord(ctx context.Context, d Document) (model.AssessmentRecord, error) {
	var body assessmentDoc
	if err := d.Decode(&body); err != nil {
		return model.AssessmentRecord{}, err
	}
	cat := body.Category
	if !cat.Valid() {
		cat, _ = model.CategoryFor(body.AssessmentType)
	}
	rec := model.AssessmentRecord{
		ID:             d.ID,
		ClientKey:      body.ClientKey,
		SubjectID:      body.AthleteID,
		AssessmentType: body.AssessmentType,
		Category:       cat,
		Media:          model.MediaRef{RemoteURL: body.VideoURL},
		SubmittedAt:    body.SubmissionDate.UTC(),
		UpdatedAt:      d.UpdatedAt,
		Remote:         model.RemoteIDs{Document: d.ID, API: body.APIID},
		Provenance:     model.NewProvenance(model.SourceDocument),
	}
	if body.Analysis != nil {
		if err := body.Analysis.Validate(); err != nil {
			a.log.Warn(ctx, "dropping invalid analysis", logger.String("doc_id", d.ID), logger.Error(err))
		} else {
			rec.Analysis = body.Analysis
		}
	}
	return rec, nil
}

func (a *Assessments) observe(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.RecordRemoteCall(storeLabel, op, result, float64(time.Since(start).Milliseconds()))
	if err != nil {
		return fmt.Errorf("document store %s: %w", op, err)
	}
	return nil
}
