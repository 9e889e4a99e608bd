package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/govpress/docaudio-backend/internal/domain"
	"github.com/govpress/docaudio-backend/internal/extraction"
	"github.com/govpress/docaudio-backend/internal/pkg/dbctx"
	"github.com/govpress/docaudio-backend/internal/tts"
)

// ------------------------
// fake document repo
// ------------------------

type fakeDocumentRepo struct {
	mu     sync.Mutex
	docs   map[int64]*domain.Document
	nextID int64
	writes int
}

func newFakeDocumentRepo() *fakeDocumentRepo {
	return &fakeDocumentRepo{docs: map[int64]*domain.Document{}, nextID: 1}
}

func (f *fakeDocumentRepo) put(doc *domain.Document) *domain.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc.ID == 0 {
		doc.ID = f.nextID
		f.nextID++
	} else if doc.ID >= f.nextID {
		f.nextID = doc.ID + 1
	}
	if doc.ExternalID == uuid.Nil {
		doc.ExternalID = uuid.New()
	}
	cp := *doc
	f.docs[doc.ID] = &cp
	return &cp
}

func (f *fakeDocumentRepo) Create(dbc dbctx.Context, doc *domain.Document) (*domain.Document, error) {
	f.writes++
	return f.put(doc), nil
}

func (f *fakeDocumentRepo) GetByID(dbc dbctx.Context, id int64) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocumentRepo) GetByExternalID(dbc dbctx.Context, externalID uuid.UUID) (*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, doc := range f.docs {
		if doc.ExternalID == externalID {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeDocumentRepo) List(dbc dbctx.Context, status string, limit, offset int) ([]*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Document
	for _, doc := range f.docs {
		if status == "" || doc.Status == status {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocumentRepo) UpdateFields(dbc dbctx.Context, id int64, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return fmt.Errorf("document %d not found", id)
	}
	f.writes++
	applyDocUpdates(doc, updates)
	return nil
}

func (f *fakeDocumentRepo) ClaimProcessing(dbc dbctx.Context, id int64, ownershipWindow time.Duration, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	staleCutoff := time.Now().Add(-ownershipWindow)
	claimable := doc.Status == domain.StatusPending ||
		(doc.Status == domain.StatusProcessing &&
			(doc.ProcessingStartedAt == nil || doc.ProcessingStartedAt.Before(staleCutoff)))
	if !claimable {
		return false, nil
	}
	f.writes++
	now := time.Now()
	doc.Status = domain.StatusProcessing
	doc.ProcessingStartedAt = &now
	applyDocUpdates(doc, updates)
	return true, nil
}

func (f *fakeDocumentRepo) ListStuckProcessing(dbc dbctx.Context, startedBefore time.Time) ([]*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Document
	for _, doc := range f.docs {
		if doc.Status == domain.StatusProcessing && doc.ProcessingStartedAt != nil && doc.ProcessingStartedAt.Before(startedBefore) {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocumentRepo) ListStalePending(dbc dbctx.Context, createdBefore time.Time) ([]*domain.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Document
	for _, doc := range f.docs {
		if doc.Status == domain.StatusPending && doc.ProcessingStartedAt == nil && doc.CreatedAt.Before(createdBefore) {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDocumentRepo) SoftDelete(dbc dbctx.Context, id int64, actor, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[id]
	if !ok {
		return nil
	}
	doc.DeletedBy = actor
	doc.DeleteReason = reason
	doc.DeletedAt.Time = time.Now()
	doc.DeletedAt.Valid = true
	return nil
}

func (f *fakeDocumentRepo) HardDelete(dbc dbctx.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeDocumentRepo) IncrementDownload(dbc dbctx.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.DownloadCount++
	}
	return nil
}

func (f *fakeDocumentRepo) IncrementPlay(dbc dbctx.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc, ok := f.docs[id]; ok {
		doc.PlayCount++
	}
	return nil
}

func applyDocUpdates(doc *domain.Document, updates map[string]interface{}) {
	for k, v := range updates {
		switch k {
		case "status":
			doc.Status = v.(string)
		case "processing_started_at":
			doc.ProcessingStartedAt = toTimePtr(v)
		case "processing_completed_at":
			doc.ProcessingCompletedAt = toTimePtr(v)
		case "processing_metadata":
			doc.ProcessingMetadata = v.(datatypes.JSON)
		case "extracted_text":
			doc.ExtractedText = v.(string)
		case "audio_path":
			doc.AudioPath = v.(string)
		case "audio_checksum":
			doc.AudioChecksum = v.(string)
		case "audio_size":
			doc.AudioSize = toInt64(v)
		case "audio_duration":
			if v == nil {
				doc.AudioDuration = nil
			} else {
				d := v.(float64)
				doc.AudioDuration = &d
			}
		case "cover_path":
			doc.CoverPath = v.(string)
		case "cover_mime_type":
			doc.CoverMimeType = v.(string)
		case "updated_at":
			doc.UpdatedAt = v.(time.Time)
		}
	}
}

func toTimePtr(v interface{}) *time.Time {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// ------------------------
// fake conversion job repo
// ------------------------

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*domain.ConversionJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[uuid.UUID]*domain.ConversionJob{}}
}

func (f *fakeJobRepo) put(job *domain.ConversionJob) *domain.ConversionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	cp := *job
	f.jobs[job.ID] = &cp
	return &cp
}

func (f *fakeJobRepo) Create(dbc dbctx.Context, job *domain.ConversionJob) (*domain.ConversionJob, error) {
	return f.put(job), nil
}

func (f *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (f *fakeJobRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay, staleRunning time.Duration) (*domain.ConversionJob, error) {
	return nil, nil
}

func (f *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (f *fakeJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }

func (f *fakeJobRepo) HasRunnableForDocument(dbc dbctx.Context, documentID int64) (bool, error) {
	return false, nil
}

func (f *fakeJobRepo) ListStaleReservations(dbc dbctx.Context, reservedBefore time.Time) ([]*domain.ConversionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ConversionJob
	for _, job := range f.jobs {
		if (job.Status == domain.JobQueued || job.Status == domain.JobRunning) &&
			job.ReservedAt != nil && job.ReservedAt.Before(reservedBefore) {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) ClearReservation(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = domain.JobQueued
		job.ReservedAt = nil
		job.HeartbeatAt = nil
	}
	return nil
}

func (f *fakeJobRepo) CountByStatus(dbc dbctx.Context, status string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, job := range f.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

// ------------------------
// fake conversion log service
// ------------------------

type fakeLogService struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (f *fakeLogService) Record(ctx context.Context, entry LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
}

func (f *fakeLogService) List(ctx context.Context, documentID int64, limit int) ([]*domain.ConversionLogEntry, error) {
	return nil, nil
}

func (f *fakeLogService) CountStage(ctx context.Context, documentID int64, stage string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.entries {
		if e.DocumentID == documentID && (stage == "" || e.Stage == stage) {
			n++
		}
	}
	return n, nil
}

func (f *fakeLogService) byStage(stage string) []LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LogEntry
	for _, e := range f.entries {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLogService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// ------------------------
// fake bucket
// ------------------------

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte

	failUpload bool
	failCopy   bool
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (f *fakeBucket) UploadFile(ctx context.Context, key string, file io.Reader) error {
	if f.failUpload {
		return fmt.Errorf("upload failed")
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

func (f *fakeBucket) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := f.ReadAll(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBucket) ReadAll(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeBucket) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if f.failCopy {
		return fmt.Errorf("copy failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[srcKey]
	if !ok {
		return fmt.Errorf("object %q not found", srcKey)
	}
	f.objects[dstKey] = append([]byte(nil), data...)
	return nil
}

func (f *fakeBucket) DeleteFile(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBucket) Exists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeBucket) Size(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return 0, fmt.Errorf("object %q not found", key)
	}
	return int64(len(data)), nil
}

func (f *fakeBucket) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (f *fakeBucket) GetPublicURL(key string) string { return "https://cdn.test/" + key }

// ------------------------
// fake extractor, converter, dispatcher
// ------------------------

type fakeExtractor struct {
	text  string
	err   error
	calls int
}

func (f *fakeExtractor) ExtractBytes(ctx context.Context, data []byte, originalName, mimeType string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

var _ extraction.BytesExtractor = (*fakeExtractor)(nil)

type fakeConverter struct {
	chunks   int
	duration float64
	delay    time.Duration
	err      error
}

func (f *fakeConverter) ConvertWithProgress(ctx context.Context, text string, onChunk tts.ChunkFunc) (*tts.Result, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	n := f.chunks
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		if onChunk != nil {
			onChunk(i, n, "synthesized")
		}
	}
	return &tts.Result{
		AudioByFormat:   map[string][]byte{"mp3": []byte("audio-bytes")},
		DurationSeconds: f.duration,
		ChunkCount:      n,
	}, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	dispatch []int64
	err      error
}

func (f *fakeDispatcher) DispatchConversion(ctx context.Context, doc *domain.Document) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatch = append(f.dispatch, doc.ID)
	return nil
}
