package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/vidq/internal/engine"
	"github.com/tanq16/vidq/internal/queue"
	"github.com/tanq16/vidq/internal/resource"
	"github.com/tanq16/vidq/internal/utils"
)

type Server struct {
	addr   string
	engine *engine.Engine
	log    zerolog.Logger
}

func New(addr string, e *engine.Engine) *Server {
	return &Server{addr: addr, engine: e, log: utils.GetLogger("server")}
}

type TaskView struct {
	ID         string           `json:"id"`
	Title      string           `json:"title"`
	SourceURL  string           `json:"sourceUrl,omitempty"`
	Priority   int              `json:"priority"`
	Status     utils.TaskStatus `json:"status"`
	Progress   int              `json:"progress"`
	Downloaded int64            `json:"downloadedBytes"`
	Total      int64            `json:"totalBytes"`
	Speed      float64          `json:"speed"`
	Parts      int              `json:"parts"`
	Files      []string         `json:"files,omitempty"`
	Error      string           `json:"error,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
}

func (s *Server) view(t *queue.Task) TaskView {
	v := TaskView{
		ID:        t.ID,
		Title:     t.Request.Title,
		SourceURL: t.Request.SourceURL,
		Priority:  t.Priority,
		Status:    t.Status(),
		Parts:     t.Request.PartCount(),
		CreatedAt: t.CreatedAt,
	}
	if _, d, ok := s.engine.Status(t.ID); ok && d != nil {
		v.Progress = d.Percent
		v.Downloaded = d.Downloaded
		v.Total = d.Total
		v.Speed = d.SpeedBps
	}
	if v.Status.IsTerminal() {
		res := t.Result()
		v.Files = res.FilePaths
		if res.Err != nil {
			v.Error = res.Err.Error()
		}
	}
	return v
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.engine.Hub().ServeWS)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/tasks", s.handleList)
	mux.HandleFunc("POST /api/tasks", s.handleAdd)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/pause", func(w http.ResponseWriter, r *http.Request) {
		s.engine.PauseAll()
		writeJSON(w, http.StatusOK, s.engine.QueueStatus())
	})
	mux.HandleFunc("POST /api/resume", func(w http.ResponseWriter, r *http.Request) {
		s.engine.ResumeAll()
		writeJSON(w, http.StatusOK, s.engine.QueueStatus())
	})
	mux.HandleFunc("PUT /api/concurrency", s.handleConcurrency)
	return mux
}

// Run serves until ctx is done, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.SystemStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tasks := s.engine.Tasks()
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.view(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.engine.Task(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.view(t))
}

type addRequest struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var body addRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	req, err := s.engine.Resolve(r.Context(), body.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if body.Title != "" {
		req.Title = body.Title
	}
	req.Priority = body.Priority
	t, err := s.engine.Submit(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, resource.ErrResourceExhausted), errors.Is(err, queue.ErrAdmissionRejected):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		s.log.Info().Str("taskId", t.ID).Str("title", req.Title).Msg("task added via api")
		writeJSON(w, http.StatusCreated, s.view(t))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, errors.New("no cancellable task with that id"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Max int `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.engine.SetMaxConcurrency(body.Max) {
		writeError(w, http.StatusBadRequest, errors.New("max concurrency out of range"))
		return
	}
	writeJSON(w, http.StatusOK, s.engine.QueueStatus())
}
