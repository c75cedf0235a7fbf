package core

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stoic-persona/server/internal/config"
	"github.com/stoic-persona/server/internal/extract"
	"github.com/stoic-persona/server/internal/store"
)

// ErrNotPDF rejects uploads whose declared MIME type is not PDF. The check
// runs before any extraction or persistence.
var ErrNotPDF = errors.New("only PDF files are allowed")

// SourceStore is the slice of the persistence layer the source services use.
type SourceStore interface {
	CreateSource(src *store.Source) error
	GetSourcesByType(userID, sourceType string) ([]store.Source, error)
	DeleteSource(sourceID, userID string) error
}

// PDFService turns uploaded PDF files into persisted knowledge sources.
type PDFService struct {
	store SourceStore
}

func NewPDFService(st SourceStore) *PDFService {
	return &PDFService{store: st}
}

func (s *PDFService) UploadPDF(fileName, mimeType string, data []byte, userID string) (*store.Source, error) {
	if mimeType != "application/pdf" {
		return nil, ErrNotPDF
	}

	content, err := extract.PDFText(data)
	if err != nil {
		return nil, fmt.Errorf("failed to extract PDF text: %w", err)
	}

	src := &store.Source{
		UserID:  userID,
		Type:    store.SourceTypePDF,
		Name:    fileName,
		Content: content,
	}
	if err := s.store.CreateSource(src); err != nil {
		return nil, fmt.Errorf("failed to save PDF source: %w", err)
	}
	return src, nil
}

func (s *PDFService) GetPDFs(userID string) ([]store.Source, error) {
	return s.store.GetSourcesByType(userID, store.SourceTypePDF)
}

func (s *PDFService) DeletePDF(sourceID, userID string) error {
	return s.store.DeleteSource(sourceID, userID)
}

// URLService turns visited webpages into persisted knowledge sources and
// serves the page-metadata lookups used for link previews.
type URLService struct {
	store  SourceStore
	client *resty.Client
}

func NewURLService(st SourceStore) *URLService {
	client := resty.New().
		SetTimeout(config.AppConfig.FetchTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetHeader("User-Agent", "Mozilla/5.0 (compatible; StoicPersona/1.0)")
	return &URLService{store: st, client: client}
}

func (s *URLService) fetchPage(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("only HTTP(S) URLs are supported")
	}

	resp, err := s.client.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("failed to fetch URL: status %d", resp.StatusCode())
	}
	return resp.String(), nil
}

func (s *URLService) VisitURL(ctx context.Context, pageURL, userID string) (*store.Source, error) {
	html, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	content, err := extract.HTMLText(html)
	if err != nil {
		return nil, fmt.Errorf("failed to extract page text: %w", err)
	}

	src := &store.Source{
		UserID:  userID,
		Type:    store.SourceTypeURL,
		Name:    pageURL,
		URL:     pageURL,
		Content: content,
	}
	if err := s.store.CreateSource(src); err != nil {
		return nil, fmt.Errorf("failed to save URL source: %w", err)
	}
	return src, nil
}

func (s *URLService) GetURLs(userID string) ([]store.Source, error) {
	return s.store.GetSourcesByType(userID, store.SourceTypeURL)
}

func (s *URLService) DeleteURL(sourceID, userID string) error {
	return s.store.DeleteSource(sourceID, userID)
}

func (s *URLService) FetchMetadata(ctx context.Context, pageURL string) (*extract.PageMetadata, error) {
	html, err := s.fetchPage(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return extract.HTMLMetadata(html, pageURL)
}

// newURLServiceWithTimeout is used by tests to avoid the global config.
func newURLServiceWithTimeout(st SourceStore, timeout time.Duration) *URLService {
	svc := NewURLService(st)
	svc.client.SetTimeout(timeout)
	return svc
}
