// Package httpapi exposes call triggers, document indexing and retrieval over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/anas-aljanaby/call-center-backend/internal/extractor"
	"github.com/anas-aljanaby/call-center-backend/internal/indexer"
	"github.com/anas-aljanaby/call-center-backend/internal/logger"
	"github.com/anas-aljanaby/call-center-backend/internal/pipeline"
	"github.com/anas-aljanaby/call-center-backend/internal/retrieval"
	"github.com/anas-aljanaby/call-center-backend/internal/store"
	"github.com/anas-aljanaby/call-center-backend/internal/types"
)

type Queue interface {
	Enqueue(id uuid.UUID) error
}

type Requeuer interface {
	Requeue(ctx context.Context, id uuid.UUID) error
}

type Indexer interface {
	Submit(ctx context.Context, job indexer.Job) error
	Reembed(ctx context.Context, docID uuid.UUID) (indexer.Result, error)
}

type Searcher interface {
	Search(ctx context.Context, query []float32, k int, f types.SearchFilter) ([]retrieval.Hit, error)
	SearchText(ctx context.Context, text string, k int, f types.SearchFilter) ([]retrieval.Hit, error)
}

type Answerer interface {
	Answer(ctx context.Context, question string, k int, f types.SearchFilter) (retrieval.Answer, error)
}

type Deps struct {
	Calls       store.CallStore
	Documents   store.DocumentStore
	Queue       Queue
	Requeuer    Requeuer
	Indexer     Indexer
	Searcher    Searcher
	Answerer    Answerer
	Reviewer    extractor.Reviewer
	MaxAttempts int
	Logger      *logger.Logger
}

type Server struct {
	deps Deps
	log  *logger.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	return &Server{deps: deps, log: deps.Logger.Component("http")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("POST /calls", s.createCall)
	mux.HandleFunc("GET /calls/failed", s.listFailed)
	mux.HandleFunc("GET /calls/{id}", s.getCall)
	mux.HandleFunc("POST /calls/{id}/process", s.processCall)
	mux.HandleFunc("POST /calls/{id}/requeue", s.requeueCall)
	mux.HandleFunc("POST /calls/{id}/labels", s.labelSegments)
	mux.HandleFunc("POST /calls/{id}/checklist", s.matchChecklist)
	mux.HandleFunc("POST /documents", s.createDocument)
	mux.HandleFunc("GET /documents/{id}", s.getDocument)
	mux.HandleFunc("POST /documents/{id}/reembed", s.reembedDocument)
	mux.HandleFunc("POST /search", s.search)
	mux.HandleFunc("POST /search/answer", s.answer)
	return s.logRequests(mux)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithRequest(r).WithField("duration_ms", time.Since(start).Milliseconds()).Debug("request handled")
	})
}

type createCallRequest struct {
	OrganizationID   uuid.UUID              `json:"organization_id"`
	AgentID          uuid.UUID              `json:"agent_id"`
	RecordingURL     string                 `json:"recording_url"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          time.Time              `json:"ended_at"`
	ResolutionStatus types.ResolutionStatus `json:"resolution_status"`
}

func (s *Server) createCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	fields := map[string]string{}
	if req.OrganizationID == uuid.Nil {
		fields["organization_id"] = "required"
	}
	if req.RecordingURL == "" {
		fields["recording_url"] = "required"
	}
	if !req.EndedAt.IsZero() && req.EndedAt.Before(req.StartedAt) {
		fields["ended_at"] = "before started_at"
	}
	switch req.ResolutionStatus {
	case "", types.ResolutionPending, types.ResolutionResolved:
	default:
		fields["resolution_status"] = "must be resolved or pending"
	}
	if len(fields) > 0 {
		s.fail(w, r, types.NewValidationError(fields))
		return
	}

	call := types.NewCall(req.OrganizationID, req.AgentID, req.RecordingURL, req.StartedAt, req.EndedAt)
	if req.ResolutionStatus != "" {
		call.ResolutionStatus = req.ResolutionStatus
	}
	if err := s.deps.Calls.CreateCall(r.Context(), call); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Queue.Enqueue(call.ID); err != nil && !errors.Is(err, pipeline.ErrQueueFull) {
		s.log.WithCall(call.ID).WithError(err).Warn("enqueue failed")
	}
	writeJSON(w, http.StatusCreated, call)
}

type callResponse struct {
	Call      types.Call           `json:"call"`
	Analytics *types.CallAnalytics `json:"analytics,omitempty"`
}

func (s *Server) getCall(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	call, err := s.deps.Calls.GetCall(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := callResponse{Call: call}
	if call.State == types.StateProcessed {
		a, err := s.deps.Calls.GetAnalytics(r.Context(), id)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			s.fail(w, r, err)
			return
		}
		if err == nil {
			resp.Analytics = &a
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) processCall(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.deps.Calls.GetCall(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Queue.Enqueue(id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": id.String(), "status": "queued"})
}

func (s *Server) requeueCall(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.deps.Requeuer.Requeue(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Queue.Enqueue(id); err != nil && !errors.Is(err, pipeline.ErrQueueFull) {
		s.log.WithCall(id).WithError(err).Warn("enqueue failed")
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": id.String(), "status": "requeued"})
}

func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	calls, err := s.deps.Calls.ListFailed(r.Context(), s.deps.MaxAttempts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if calls == nil {
		calls = []types.Call{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// transcript returns the stored transcript of a processed call.
func (s *Server) transcript(w http.ResponseWriter, r *http.Request) (uuid.UUID, types.Transcript, bool) {
	id, ok := s.pathID(w, r)
	if !ok {
		return uuid.Nil, types.Transcript{}, false
	}
	a, err := s.deps.Calls.GetAnalytics(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return uuid.Nil, types.Transcript{}, false
	}
	return id, a.Transcription, true
}

type labelRequest struct {
	Labels []extractor.Label `json:"labels"`
}

func (s *Server) labelSegments(w http.ResponseWriter, r *http.Request) {
	id, tr, ok := s.transcript(w, r)
	if !ok {
		return
	}
	var req labelRequest
	if !s.decode(w, r, &req) {
		return
	}
	labels, err := s.deps.Reviewer.LabelSegments(r.Context(), tr, req.Labels)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": id, "labels": labels})
}

type checklistRequest struct {
	Checklist []string `json:"checklist"`
}

func (s *Server) matchChecklist(w http.ResponseWriter, r *http.Request) {
	id, tr, ok := s.transcript(w, r)
	if !ok {
		return
	}
	var req checklistRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Reviewer.MatchChecklist(r.Context(), tr, req.Checklist)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": id, "matches": res.Matches, "missing": res.Missing})
}

type createDocumentRequest struct {
	Title     string         `json:"title"`
	Category  types.Category `json:"category"`
	Tags      []string       `json:"tags"`
	FileType  string         `json:"file_type"`
	SourceURL string         `json:"source_url"`
	// Text is the extracted text; form feeds mark page breaks.
	Text string `json:"text"`
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createDocumentRequest
	if !s.decode(w, r, &req) {
		return
	}
	text, pag := indexer.SplitPages(req.Text)
	doc := types.Document{
		ID:        uuid.New(),
		Title:     req.Title,
		FileType:  req.FileType,
		SourceURL: req.SourceURL,
		Category:  req.Category,
		Tags:      types.NewStringSet(req.Tags...),
		FileSize:  int64(len(req.Text)),
	}
	if err := types.ValidateStruct(doc); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Indexer.Submit(r.Context(), indexer.Job{Document: doc, Text: text, Pagination: pag}); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"document_id": doc.ID.String(), "status": "queued"})
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	doc, err := s.deps.Documents.GetDocument(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) reembedDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	res, err := s.deps.Indexer.Reembed(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type searchRequest struct {
	Query       string         `json:"query"`
	Embedding   []float32      `json:"embedding"`
	K           int            `json:"k"`
	Category    types.Category `json:"category"`
	Tags        []string       `json:"tags"`
	DocumentIDs []uuid.UUID    `json:"document_ids"`
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	req := searchRequest{K: 5}
	if !s.decode(w, r, &req) {
		return
	}
	filter := types.SearchFilter{Category: req.Category, Tags: req.Tags, DocumentIDs: req.DocumentIDs}

	var (
		hits []retrieval.Hit
		err  error
	)
	if len(req.Embedding) > 0 {
		hits, err = s.deps.Searcher.Search(r.Context(), req.Embedding, req.K, filter)
	} else {
		hits, err = s.deps.Searcher.SearchText(r.Context(), req.Query, req.K, filter)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if hits == nil {
		hits = []retrieval.Hit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}

type answerRequest struct {
	Question    string         `json:"question"`
	K           int            `json:"k"`
	Category    types.Category `json:"category"`
	Tags        []string       `json:"tags"`
	DocumentIDs []uuid.UUID    `json:"document_ids"`
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request) {
	req := answerRequest{K: 5}
	if !s.decode(w, r, &req) {
		return
	}
	filter := types.SearchFilter{Category: req.Category, Tags: req.Tags, DocumentIDs: req.DocumentIDs}
	ans, err := s.deps.Answerer.Answer(r.Context(), req.Question, req.K, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8<<20))
	if err := dec.Decode(v); err != nil {
		s.log.WithRequest(r).WithField("error", err.Error()).Warn("bad request body")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve types.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusUnprocessableEntity, ve)
		return
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	case errors.Is(err, types.ErrConflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, pipeline.ErrQueueFull):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case types.IsPermanent(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case types.IsTransient(err):
		s.log.WithRequest(r).WithField("error", err.Error()).Warn("upstream unavailable")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream service unavailable, retry later"})
		return
	}
	s.log.WithRequest(r).WithField("error", err.Error()).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
