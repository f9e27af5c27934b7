package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/transport"
	"github.com/ryan11yuan/gravitas/pkg/extract"
)

const maxAttachmentsPerAssignment = 5

var courseFilePath = regexp.MustCompile(`/courses/(\d+)/files/(\d+)`)

// Attachment is the extracted text of one PDF linked from an assignment.
type Attachment struct {
	FileID int64
	Name   string
	Text   string
}

// AttachmentExtractor resolves PDF attachments referenced by Quercus descriptions.
type AttachmentExtractor struct {
	baseURL string
	host    string
	client  transport.Client
	logger  zerolog.Logger
	pdfText func([]byte) (string, error)
}

// NewAttachmentExtractor constructs an extractor bound to the Quercus origin.
func NewAttachmentExtractor(baseURL string, client transport.Client, logger zerolog.Logger) *AttachmentExtractor {
	host := ""
	if parsed, err := url.Parse(baseURL); err == nil {
		host = parsed.Host
	}

	return &AttachmentExtractor{
		baseURL: baseURL,
		host:    host,
		client:  client,
		logger:  logger.With().Str("component", "attachment_extractor").Logger(),
		pdfText: extract.PDFText,
	}
}

// SessionAttachments is an extractor bound to one student's cookies.
type SessionAttachments struct {
	extractor *AttachmentExtractor
	session   Session
}

// Bind returns a reader that uses the session's Quercus cookie.
func (x *AttachmentExtractor) Bind(session Session) *SessionAttachments {
	return &SessionAttachments{extractor: x, session: session}
}

// Attachments returns the text of every readable PDF linked from the assignment.
// Failures are dropped per file.
func (s *SessionAttachments) Attachments(ctx context.Context, assignment models.CommonAssignment) []Attachment {
	if s == nil || s.extractor == nil {
		return nil
	}
	return s.extractor.Extract(ctx, s.session, assignment)
}

// Extract implements the per-assignment attachment pipeline.
func (x *AttachmentExtractor) Extract(ctx context.Context, session Session, assignment models.CommonAssignment) []Attachment {
	if assignment.Source != models.SourceQuercus || session.QuercusCookie == "" {
		return nil
	}

	links := extract.PDFLinks(assignment.Description)
	if len(links) == 0 {
		return nil
	}
	if len(links) > maxAttachmentsPerAssignment {
		links = links[:maxAttachmentsPerAssignment]
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		seen    = make(map[string]struct{})
		results = make([]*Attachment, len(links))
	)
	for i, link := range links {
		wg.Add(1)
		go func() {
			defer wg.Done()

			target, ok := x.resolve(ctx, session, link)
			if !ok {
				return
			}

			mu.Lock()
			if _, dup := seen[target.downloadURL]; dup {
				mu.Unlock()
				return
			}
			seen[target.downloadURL] = struct{}{}
			mu.Unlock()

			text, err := x.download(ctx, session, target.downloadURL)
			if err != nil {
				x.logger.Debug().Err(err).Str("assignment_id", assignment.ID).Str("link", link).Msg("skipping attachment")
				return
			}
			results[i] = &Attachment{FileID: target.fileID, Name: target.name, Text: text}
		}()
	}
	wg.Wait()

	attachments := make([]Attachment, 0, len(results))
	for _, result := range results {
		if result != nil && result.Text != "" {
			attachments = append(attachments, *result)
		}
	}
	return attachments
}

type attachmentTarget struct {
	fileID      int64
	name        string
	downloadURL string
}

// resolve turns a description link into a download URL on the Quercus origin. Links
// to Canvas files go through the file metadata API; the session cookie is never sent
// to other hosts.
func (x *AttachmentExtractor) resolve(ctx context.Context, session Session, link string) (attachmentTarget, bool) {
	absolute, err := x.absolute(link)
	if err != nil || absolute.Host != x.host {
		return attachmentTarget{}, false
	}

	match := courseFilePath.FindStringSubmatch(absolute.Path)
	if match == nil {
		return attachmentTarget{name: pathBase(absolute.Path), downloadURL: absolute.String()}, true
	}

	metadataURL := fmt.Sprintf("%s/api/v1/courses/%s/files/%s", x.baseURL, match[1], match[2])
	result := x.client.Fetch(ctx, metadataURL, transport.Options{
		Headers: map[string]string{"Accept": "application/json"},
		Cookie:  session.QuercusCookie,
	})
	if !result.Success {
		return attachmentTarget{}, false
	}

	var file QuercusFile
	if err := json.Unmarshal([]byte(result.Data), &file); err != nil || file.ID == 0 {
		return attachmentTarget{}, false
	}
	if file.MimeClass != "pdf" && !strings.Contains(strings.ToLower(file.ContentType), "pdf") {
		return attachmentTarget{}, false
	}

	download := fmt.Sprintf("%s/files/%d/download?download_frd=1", x.baseURL, file.ID)
	if parsed, err := url.Parse(file.URL); err == nil && file.URL != "" && parsed.Host == x.host {
		download = file.URL
	}
	name := file.DisplayName
	if name == "" {
		name = file.Filename
	}

	return attachmentTarget{fileID: file.ID, name: name, downloadURL: download}, true
}

func (x *AttachmentExtractor) download(ctx context.Context, session Session, target string) (string, error) {
	result := x.client.Download(ctx, target, transport.Options{
		Headers: map[string]string{"Accept": "application/pdf"},
		Cookie:  session.QuercusCookie,
	})
	if !result.Success {
		return "", fmt.Errorf("download failed with status %d: %s", result.Status, result.Error)
	}

	payload, err := base64.StdEncoding.DecodeString(result.Data)
	if err != nil {
		return "", fmt.Errorf("decode attachment: %w", err)
	}

	return x.pdfText(payload)
}

func (x *AttachmentExtractor) absolute(link string) (*url.URL, error) {
	base, err := url.Parse(x.baseURL + "/")
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(ref), nil
}

func pathBase(p string) string {
	if idx := strings.LastIndexByte(p, '/'); idx >= 0 {
		return p[idx+1:]
	}
	return p
}
