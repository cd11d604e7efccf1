package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	orchestratorx "github.com/tanpawarit/agentloop/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
	"github.com/tanpawarit/agentloop/agent/retrieval"
	metricsx "github.com/tanpawarit/agentloop/pkg/metrics"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeSessions struct {
	outcome   *contractx.TurnOutcome
	err       error
	events    []contractx.Event
	history   *contractx.Session
	closeErr  error
	cancelled bool
}

func (f *fakeSessions) NewSessionID() string { return "generated-id" }

func (f *fakeSessions) PostMessage(ctx context.Context, sessionID, text string, opts ...orchestratorx.TurnOption) (*contractx.TurnOutcome, error) {
	if observer := orchestratorx.NewTurnOptions(opts...).Observer; observer != nil {
		for _, ev := range f.events {
			observer(ev)
		}
	}
	return f.outcome, f.err
}

func (f *fakeSessions) GetHistory(ctx context.Context, sessionID string) (*contractx.Session, error) {
	if f.history == nil {
		return nil, contractx.NewTurnError(contractx.KindNotFound, "load session", contractx.ErrSessionNotFound)
	}
	return f.history, nil
}

func (f *fakeSessions) CloseSession(ctx context.Context, sessionID string) error {
	return f.closeErr
}

func (f *fakeSessions) Cancel(sessionID string) bool {
	return f.cancelled
}

type fakeIngestor struct {
	sessionID string
	sourceID  string
	text      string
}

func (f *fakeIngestor) Ingest(ctx context.Context, sessionID, sourceID, text string) (int, error) {
	f.sessionID = sessionID
	f.sourceID = sourceID
	f.text = text
	return 2, nil
}

func newTestRouter(svc SessionService, ingestor DocumentIngestor) *gin.Engine {
	return NewRouter(Config{}, NewSessionHandler(svc, ingestor), metricsx.New("test"))
}

func do(t *testing.T, r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateSession(t *testing.T) {
	t.Parallel()

	w := do(t, newTestRouter(&fakeSessions{}, nil), http.MethodPost, "/v1/sessions", "", nil)
	if w.Code != http.StatusCreated || !strings.Contains(w.Body.String(), "generated-id") {
		t.Fatalf("unexpected response: %d %s", w.Code, w.Body.String())
	}
}

func TestPostMessageStatusMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		out  *contractx.TurnOutcome
		want int
	}{
		{name: "ok", out: &contractx.TurnOutcome{Answer: "hi"}, want: http.StatusOK},
		{name: "busy", err: contractx.NewTurnError(contractx.KindSessionBusy, "busy", contractx.ErrSessionBusy), want: http.StatusConflict},
		{name: "closed", err: contractx.NewTurnError(contractx.KindSessionClosed, "closed", contractx.ErrSessionClosed), want: http.StatusGone},
		{name: "cancelled", err: contractx.NewTurnError(contractx.KindCancelled, "turn cancelled", contractx.ErrCancelled), want: http.StatusRequestTimeout},
		{name: "planner", err: contractx.NewTurnError(contractx.KindPlanner, "down", contractx.ErrPlanner), out: &contractx.TurnOutcome{}, want: http.StatusBadGateway},
		{name: "storage", err: contractx.NewTurnError(contractx.KindStorage, "commit turn", contractx.ErrStorage), want: http.StatusServiceUnavailable},
		{
			name: "budget",
			err:  contractx.NewTurnError(contractx.KindBudgetExceeded, "max iterations exceeded (10)", contractx.ErrBudgetExceeded),
			out:  &contractx.TurnOutcome{Answer: "partial", Degraded: true},
			want: http.StatusOK,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newTestRouter(&fakeSessions{outcome: tc.out, err: tc.err}, nil)
			w := do(t, r, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"hello"}`, nil)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}

func TestPostMessageBudgetExceededCarriesOutcomeAndError(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeSessions{
		outcome: &contractx.TurnOutcome{Answer: "partial", Degraded: true, AbortReason: contractx.AbortBudgetExceeded},
		err:     contractx.NewTurnError(contractx.KindBudgetExceeded, "max iterations exceeded (10)", contractx.ErrBudgetExceeded),
	}, nil)
	w := do(t, r, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"hello"}`, nil)

	var resp TurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if resp.Outcome == nil || !resp.Outcome.Degraded || resp.Outcome.Answer != "partial" {
		t.Fatalf("unexpected outcome: %+v", resp.Outcome)
	}
	if resp.Error == nil || resp.Error.Kind != contractx.KindBudgetExceeded || resp.Error.Reason != "max iterations exceeded (10)" {
		t.Fatalf("unexpected error body: %+v", resp.Error)
	}
}

func TestPostMessageRejectsEmptyBody(t *testing.T) {
	t.Parallel()

	w := do(t, newTestRouter(&fakeSessions{}, nil), http.MethodPost, "/v1/sessions/s1/messages", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPostMessageStreamsEvents(t *testing.T) {
	t.Parallel()

	call := &contractx.ToolCall{ID: "c1", Tool: "calculator"}
	r := newTestRouter(&fakeSessions{
		outcome: &contractx.TurnOutcome{Answer: "4"},
		events: []contractx.Event{
			{Kind: contractx.EventToolCall, Call: call},
			{Kind: contractx.EventAnswer, Answer: "4"},
		},
	}, nil)
	w := do(t, r, http.MethodPost, "/v1/sessions/s1/messages", `{"text":"2+2"}`, map[string]string{"Accept": "text/event-stream"})

	body := w.Body.String()
	for _, want := range []string{"event:tool_call", "event:answer", "event:done", `"answer":"4"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "event:tool_call") > strings.Index(body, "event:done") {
		t.Fatalf("done was not the last event:\n%s", body)
	}
}

func TestGetMessagesNotFound(t *testing.T) {
	t.Parallel()

	w := do(t, newTestRouter(&fakeSessions{}, nil), http.MethodGet, "/v1/sessions/missing/messages", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestCloseAndCancel(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeSessions{cancelled: true}, nil)
	if w := do(t, r, http.MethodDelete, "/v1/sessions/s1", "", nil); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", w.Code)
	}
	w := do(t, r, http.MethodPost, "/v1/sessions/s1/cancel", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cancelled":true`) {
		t.Fatalf("cancel response = %d %s", w.Code, w.Body.String())
	}
}

func TestIngestDocument(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{}
	r := newTestRouter(&fakeSessions{}, ing)
	w := do(t, r, http.MethodPost, "/v1/sessions/s1/documents", `{"source_id":"notes.md","text":"some text"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if ing.sessionID != "s1" || ing.sourceID != "notes.md" {
		t.Fatalf("unexpected ingest call: %+v", ing)
	}

	w = do(t, r, http.MethodPost, "/v1/sessions/s1/documents", `{"text":"shared","global":true}`, nil)
	if w.Code != http.StatusCreated || ing.sessionID != "" || ing.sourceID != "upload" {
		t.Fatalf("unexpected global ingest: %d %+v", w.Code, ing)
	}
}

// onePagePDF builds a minimal single-page PDF that shows text in Helvetica.
func onePagePDF(text string) []byte {
	content := fmt.Sprintf("BT /F1 12 Tf 72 712 Td (%s) Tj ET", text)
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func upload(t *testing.T, r http.Handler, path, filename string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newUploadRouter(t *testing.T, ing DocumentIngestor) *gin.Engine {
	t.Helper()

	docParser, err := retrieval.NewDocumentParser(context.Background())
	if err != nil {
		t.Fatalf("NewDocumentParser() error = %v", err)
	}
	return NewRouter(Config{}, NewSessionHandler(&fakeSessions{}, ing, WithDocumentParser(docParser)), metricsx.New("test"))
}

func TestIngestDocumentPDFUpload(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{}
	r := newUploadRouter(t, ing)

	w := upload(t, r, "/v1/sessions/s1/documents", "Refunds.PDF", onePagePDF("Refund policy: thirty days"), map[string]string{"global": "true"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if ing.sessionID != "" || ing.sourceID != "Refunds.PDF" {
		t.Fatalf("unexpected ingest call: %+v", ing)
	}
	if !strings.Contains(ing.text, "Refund policy") {
		t.Fatalf("ingested text = %q, want the page text", ing.text)
	}
	if !strings.Contains(w.Body.String(), `"source_id":"Refunds.PDF"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestIngestDocumentTextUpload(t *testing.T) {
	t.Parallel()

	ing := &fakeIngestor{}
	r := newUploadRouter(t, ing)

	w := upload(t, r, "/v1/sessions/s1/documents", "notes.md", []byte("  gpu prices went up  "), map[string]string{"source_id": "q3-notes"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if ing.sessionID != "s1" || ing.sourceID != "q3-notes" || ing.text != "gpu prices went up" {
		t.Fatalf("unexpected ingest call: %+v", ing)
	}
}

func TestIngestDocumentUploadErrors(t *testing.T) {
	t.Parallel()

	r := newUploadRouter(t, &fakeIngestor{})
	cases := []struct {
		name     string
		filename string
		data     []byte
		fields   map[string]string
	}{
		{name: "missing file", fields: map[string]string{"source_id": "x"}},
		{name: "empty file", filename: "empty.txt", data: []byte("   ")},
		{name: "broken pdf", filename: "broken.pdf", data: []byte("not a pdf")},
		{name: "bad global flag", filename: "a.txt", data: []byte("text"), fields: map[string]string{"global": "maybe"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w := upload(t, r, "/v1/sessions/s1/documents", tc.filename, tc.data, tc.fields)
			if w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), string(contractx.KindValidation)) {
				t.Fatalf("status = %d (%s), want 400 validation", w.Code, w.Body.String())
			}
		})
	}

	plain := newTestRouter(&fakeSessions{}, &fakeIngestor{})
	if w := upload(t, plain, "/v1/sessions/s1/documents", "a.txt", []byte("text"), nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("upload without parser status = %d, want 501", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	r := newTestRouter(&fakeSessions{}, nil)
	if w := do(t, r, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
}
