package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"

	"github.com/govpress/docaudio-backend/internal/clients/gcp"
	"github.com/govpress/docaudio-backend/internal/platform/envutil"
	"github.com/govpress/docaudio-backend/internal/platform/logger"
)

// DocAIExtractor sends the raw bytes to a Document AI OCR processor.
// Used for scanned PDFs the local parser cannot read. Requires
// DOCUMENTAI_PROJECT_ID and DOCUMENTAI_PROCESSOR_ID.
type DocAIExtractor struct {
	log    *logger.Logger
	client *documentai.DocumentProcessorClient

	projectID   string
	location    string
	processorID string
}

var _ BytesExtractor = (*DocAIExtractor)(nil)

func NewDocAIExtractor(log *logger.Logger) (*DocAIExtractor, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "DocAIExtractor")

	projectID := envutil.Str("DOCUMENTAI_PROJECT_ID", "")
	processorID := envutil.Str("DOCUMENTAI_PROCESSOR_ID", "")
	if projectID == "" || processorID == "" {
		return nil, fmt.Errorf("missing DOCUMENTAI_PROJECT_ID or DOCUMENTAI_PROCESSOR_ID")
	}
	location := envutil.Str("DOCUMENTAI_LOCATION", "us")

	endpoint := fmt.Sprintf("%s-documentai.googleapis.com:443", location)
	opts := append([]option.ClientOption{option.WithEndpoint(endpoint)}, gcp.ClientOptionsFromEnv()...)

	c, err := documentai.NewDocumentProcessorClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("documentai client: %w", err)
	}

	slog.Info("Document AI initialized", "endpoint", endpoint)

	return &DocAIExtractor{
		log:         slog,
		client:      c,
		projectID:   projectID,
		location:    location,
		processorID: processorID,
	}, nil
}

func (e *DocAIExtractor) Close() error {
	if e == nil || e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *DocAIExtractor) ExtractBytes(ctx context.Context, data []byte, originalName, mimeType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	if len(data) == 0 {
		return "", &Error{Op: "docai_process", Err: fmt.Errorf("empty file: name=%s", originalName)}
	}
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/pdf"
	}

	name := fmt.Sprintf("projects/%s/locations/%s/processors/%s", e.projectID, e.location, e.processorID)

	resp, err := e.client.ProcessDocument(ctx, &documentaipb.ProcessRequest{
		Name: name,
		Source: &documentaipb.ProcessRequest_RawDocument{
			RawDocument: &documentaipb.RawDocument{
				Content:  data,
				MimeType: mimeType,
			},
		},
	})
	if err != nil {
		return "", classifyPDFError("docai_process", err)
	}
	if resp == nil || resp.Document == nil {
		return "", &Error{Op: "docai_process", Err: fmt.Errorf("empty response for %s", originalName)}
	}

	text := collapseWhitespace(resp.Document.Text)
	if text == "" {
		return "", &Error{Op: "docai_text", Err: fmt.Errorf("no text recognized in %s", originalName)}
	}
	return text, nil
}
