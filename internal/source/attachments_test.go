package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ryan11yuan/gravitas/internal/models"
	"github.com/ryan11yuan/gravitas/internal/transport"
)

func TestAttachmentExtractorResolvesPDFs(t *testing.T) {
	var external int32
	outside := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&external, 1)
	}))
	defer outside.Close()

	var serverURL string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/courses/1/files/9", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, quercusCookie, r.Header.Get("Cookie"))
		_, _ = fmt.Fprintf(w, `{"id":9,"display_name":"A1.pdf","content-type":"application/pdf","url":"%s/files/9/download?download_frd=1&verifier=v"}`, serverURL)
	})
	mux.HandleFunc("GET /api/v1/courses/1/files/10", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":10,"display_name":"diagram.png","content-type":"image/png","mime_class":"image"}`))
	})
	mux.HandleFunc("GET /files/9/download", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "v", r.URL.Query().Get("verifier"))
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4 fake"))
	})
	mux.HandleFunc("GET /handouts/login.pdf", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>login</html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	extractor := NewAttachmentExtractor(server.URL, transport.NewHTTPClient(time.Second, zerolog.Nop()), zerolog.Nop())
	extractor.pdfText = func(data []byte) (string, error) {
		if !strings.HasPrefix(string(data), "%PDF") {
			return "", fmt.Errorf("not a pdf")
		}
		return "Question 1: prove it.", nil
	}

	assignment := models.CommonAssignment{
		ID:     "quercus:11",
		Source: models.SourceQuercus,
		Description: `<a title="A1.pdf" href="/courses/1/files/9" data-api-endpoint="` + server.URL + `/api/v1/courses/1/files/9">A1</a>` +
			`<a title="diagram.pdf" href="/courses/1/files/10" data-api-endpoint="` + server.URL + `/api/v1/courses/1/files/10">img</a>` +
			`<a href="/handouts/login.pdf">handout</a>` +
			`<a href="` + outside.URL + `/leak.pdf">external</a>`,
	}

	attachments := extractor.Bind(NewSession("s1", quercusCookie, "")).Attachments(context.Background(), assignment)
	require.Len(t, attachments, 1)
	require.Equal(t, int64(9), attachments[0].FileID)
	require.Equal(t, "A1.pdf", attachments[0].Name)
	require.Equal(t, "Question 1: prove it.", attachments[0].Text)
	require.Zero(t, atomic.LoadInt32(&external))
}

func TestAttachmentExtractorSkipsNonQuercus(t *testing.T) {
	extractor := NewAttachmentExtractor("http://127.0.0.1:1", transport.NewHTTPClient(time.Second, zerolog.Nop()), zerolog.Nop())

	crowdmark := models.CommonAssignment{ID: "crowdmark:a1", Source: models.SourceCrowdmark, Description: `<a href="/x.pdf">x</a>`}
	require.Empty(t, extractor.Extract(context.Background(), NewSession("s1", quercusCookie, ""), crowdmark))

	quercus := models.CommonAssignment{ID: "quercus:1", Source: models.SourceQuercus, Description: "<p>no links</p>"}
	require.Empty(t, extractor.Extract(context.Background(), NewSession("s1", quercusCookie, ""), quercus))

	var nilReader *SessionAttachments
	require.Empty(t, nilReader.Attachments(context.Background(), quercus))
}
