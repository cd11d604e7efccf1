package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	orchestratorx "github.com/tanpawarit/agentloop/agent/agents/orchestrator"
	contractx "github.com/tanpawarit/agentloop/agent/contract"
)

// SessionService is the part of the orchestrator the HTTP layer drives.
type SessionService interface {
	NewSessionID() string
	PostMessage(ctx context.Context, sessionID, text string, opts ...orchestratorx.TurnOption) (*contractx.TurnOutcome, error)
	GetHistory(ctx context.Context, sessionID string) (*contractx.Session, error)
	CloseSession(ctx context.Context, sessionID string) error
	Cancel(sessionID string) bool
}

type DocumentIngestor interface {
	Ingest(ctx context.Context, sessionID, sourceID, text string) (int, error)
}

const maxUploadBytes = 32 << 20

type SessionHandler struct {
	sessions  SessionService
	ingestor  DocumentIngestor
	docParser parser.Parser
}

type HandlerOption func(*SessionHandler)

// WithDocumentParser enables multipart file uploads on the documents
// endpoint. The parser is chosen by the uploaded file name.
func WithDocumentParser(p parser.Parser) HandlerOption {
	return func(h *SessionHandler) {
		h.docParser = p
	}
}

func NewSessionHandler(sessions SessionService, ingestor DocumentIngestor, opts ...HandlerOption) *SessionHandler {
	h := &SessionHandler{sessions: sessions, ingestor: ingestor}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type PostMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

type TurnResponse struct {
	Outcome *contractx.TurnOutcome `json:"outcome,omitempty"`
	Error   *ErrorBody             `json:"error,omitempty"`
}

type IngestRequest struct {
	SourceID string `json:"source_id"`
	Text     string `json:"text" binding:"required"`
	// Global documents are visible to every session.
	Global bool `json:"global"`
}

// CreateSession handles POST /v1/sessions. The session itself is stored on
// its first committed turn.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	c.JSON(http.StatusCreated, gin.H{"id": h.sessions.NewSessionID()})
}

// PostMessage handles POST /v1/sessions/:id/messages.
func (h *SessionHandler) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, contractx.NewTurnError(contractx.KindValidation, "invalid request body", fmt.Errorf("%w: %v", contractx.ErrValidation, err)))
		return
	}
	sessionID := c.Param("id")

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamTurn(c, sessionID, req.Text)
		return
	}

	out, err := h.sessions.PostMessage(c.Request.Context(), sessionID, req.Text)
	if err != nil && out == nil {
		abortWithError(c, err)
		return
	}
	resp := TurnResponse{Outcome: out}
	status := http.StatusOK
	if err != nil {
		body := errorBody(err)
		resp.Error = &body
		status = statusFor(body.Kind)
	}
	c.JSON(status, resp)
}

// streamTurn relays turn events as server-sent events and finishes with a
// "done" event carrying the TurnResponse.
func (h *SessionHandler) streamTurn(c *gin.Context, sessionID, text string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	var mu sync.Mutex
	send := func(event string, data any) {
		mu.Lock()
		defer mu.Unlock()
		c.SSEvent(event, data)
		c.Writer.Flush()
	}

	out, err := h.sessions.PostMessage(c.Request.Context(), sessionID, text,
		orchestratorx.WithObserver(func(ev contractx.Event) {
			send(string(ev.Kind), ev)
		}))

	resp := TurnResponse{Outcome: out}
	if err != nil {
		body := errorBody(err)
		resp.Error = &body
		log.Warn().Err(err).Str("session_id", sessionID).Msg("streamed turn failed")
	}
	send("done", resp)
}

// GetMessages handles GET /v1/sessions/:id/messages.
func (h *SessionHandler) GetMessages(c *gin.Context) {
	sess, err := h.sessions.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       sess.ID,
		"status":   sess.Status,
		"turn":     sess.Turn,
		"closed":   sess.Closed(),
		"messages": sess.Messages,
	})
}

// CloseSession handles DELETE /v1/sessions/:id.
func (h *SessionHandler) CloseSession(c *gin.Context) {
	if err := h.sessions.CloseSession(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CancelTurn handles POST /v1/sessions/:id/cancel.
func (h *SessionHandler) CancelTurn(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.sessions.Cancel(c.Param("id"))})
}

// IngestDocument handles POST /v1/sessions/:id/documents. The body is either
// JSON text or a multipart form with a "file" part (PDF or plain text) and
// optional "source_id" and "global" fields.
func (h *SessionHandler) IngestDocument(c *gin.Context) {
	if h.ingestor == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: ErrorBody{
			Kind:    contractx.KindInternal,
			Message: "document ingestion is not configured",
		}})
		return
	}

	var req IngestRequest
	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		if h.docParser == nil {
			c.AbortWithStatusJSON(http.StatusNotImplemented, ErrorResponse{Error: ErrorBody{
				Kind:    contractx.KindInternal,
				Message: "file uploads are not configured",
			}})
			return
		}
		upload, err := h.readUpload(c)
		if err != nil {
			abortWithError(c, contractx.NewTurnError(contractx.KindValidation, "invalid upload", err))
			return
		}
		req = upload
	} else if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, contractx.NewTurnError(contractx.KindValidation, "invalid request body", fmt.Errorf("%w: %v", contractx.ErrValidation, err)))
		return
	}

	sessionID := c.Param("id")
	if req.Global {
		sessionID = ""
	}
	sourceID := strings.TrimSpace(req.SourceID)
	if sourceID == "" {
		sourceID = "upload"
	}
	n, err := h.ingestor.Ingest(c.Request.Context(), sessionID, sourceID, req.Text)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chunks": n, "source_id": sourceID})
}

// readUpload parses the "file" part into text, one paragraph per page.
func (h *SessionHandler) readUpload(c *gin.Context) (IngestRequest, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return IngestRequest{}, fmt.Errorf("%w: file: %v", contractx.ErrValidation, err)
	}
	if fh.Size > maxUploadBytes {
		return IngestRequest{}, fmt.Errorf("%w: file is %d bytes, limit is %d", contractx.ErrValidation, fh.Size, maxUploadBytes)
	}
	global := false
	if v := strings.TrimSpace(c.PostForm("global")); v != "" {
		if global, err = strconv.ParseBool(v); err != nil {
			return IngestRequest{}, fmt.Errorf("%w: global: %v", contractx.ErrValidation, err)
		}
	}

	f, err := fh.Open()
	if err != nil {
		return IngestRequest{}, fmt.Errorf("%w: open upload: %v", contractx.ErrValidation, err)
	}
	defer f.Close()

	name := filepath.Base(fh.Filename)
	docs, err := h.docParser.Parse(c.Request.Context(), f, parser.WithURI(strings.ToLower(name)))
	if err != nil {
		return IngestRequest{}, fmt.Errorf("%w: parse %s: %v", contractx.ErrValidation, name, err)
	}
	pages := make([]string, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		if text := strings.TrimSpace(d.Content); text != "" {
			pages = append(pages, text)
		}
	}
	if len(pages) == 0 {
		return IngestRequest{}, fmt.Errorf("%w: %s has no extractable text", contractx.ErrValidation, name)
	}

	sourceID := strings.TrimSpace(c.PostForm("source_id"))
	if sourceID == "" {
		sourceID = name
	}
	log.Debug().Str("source_id", sourceID).Int("pages", len(pages)).Msg("parsed upload")
	return IngestRequest{SourceID: sourceID, Text: strings.Join(pages, "\n\n"), Global: global}, nil
}
