// Package api is the admin HTTP surface: task submission and inspection,
// schedule CRUD, account and interaction views.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"botflow/internal/domain"
	"botflow/internal/scheduler"
	"botflow/internal/store"
)

type Server struct {
	r     *chi.Mux
	repo  store.Repository
	sched *scheduler.Service
}

func NewServer(repo store.Repository, sched *scheduler.Service) http.Handler {
	return NewServerWithDebug(repo, sched, false)
}

func NewServerWithDebug(repo store.Repository, sched *scheduler.Service, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, sched: sched}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/cancel", s.cancelTask)

	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	r.Get("/api/accounts", s.listAccounts)
	r.Post("/api/accounts", s.createAccount)
	r.Get("/api/accounts/{id}/interactions", s.listInteractions)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.repo.TaskStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "botflow_up 1\n")
	for _, status := range []domain.TaskStatus{domain.TaskPending, domain.TaskQueued, domain.TaskRunning, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled} {
		fmt.Fprintf(w, "botflow_tasks{status=%q} %d\n", status, stats[status])
	}
}

type submitReq struct {
	Type        string          `json:"type"`
	AccountID   string          `json:"account_id"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxRetries  int             `json:"max_retries"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	CronExpr    string          `json:"cron_expr"`
	Name        string          `json:"name"`
}

type submitResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	id, err := s.sched.Submit(r.Context(), scheduler.SubmitRequest{
		Type:        domain.TaskType(req.Type),
		AccountID:   req.AccountID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxRetries:  req.MaxRetries,
		ScheduledAt: req.ScheduledAt,
		CronExpr:    req.CronExpr,
		Name:        req.Name,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotValid) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, taskView(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	tasks, err := s.repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t))
	}
	writeJSON(w, 200, out)
}

func taskView(t domain.Task) map[string]any {
	v := map[string]any{
		"id":          t.ID,
		"type":        t.Type,
		"account_id":  t.AccountID,
		"status":      t.Status,
		"priority":    t.Priority,
		"retry_count": t.RetryCount,
		"max_retries": t.MaxRetries,
		"created_at":  t.CreatedAt.Format(time.RFC3339),
	}
	if t.ScheduledAt != nil {
		v["scheduled_at"] = t.ScheduledAt.Format(time.RFC3339)
	}
	if t.CompletedAt != nil {
		v["completed_at"] = t.CompletedAt.Format(time.RFC3339)
	}
	if t.Error != "" {
		v["error"] = t.Error
	}
	if len(t.Result) > 0 {
		v["result"] = json.RawMessage(t.Result)
	}
	return v
}

type cancelResp struct {
	Accepted bool `json:"accepted"`
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	accepted, err := s.sched.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, cancelResp{Accepted: accepted})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, schedule)
}

type updateScheduleReq struct {
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	Payload    json.RawMessage `json:"payload"`
	Priority   int             `json:"priority"`
	MaxRetries int             `json:"max_retries"`
	// Pointer so an omitted field leaves the stored value alone.
	Enabled *bool `json:"enabled"`
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	schedule, err := s.repo.GetSchedule(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req updateScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		schedule.Name = req.Name
	}
	if req.CronExpr != "" {
		if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
			http.Error(w, "invalid cron expression: "+err.Error(), 400)
			return
		}
		schedule.CronExpr = req.CronExpr
		nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.NextRun = nextRun
	}
	if req.Payload != nil {
		if _, err := domain.DecodePayload(schedule.TaskType, req.Payload); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		schedule.Payload = req.Payload
	}
	if req.Priority != 0 {
		schedule.Priority = req.Priority
	}
	if req.MaxRetries > 0 {
		schedule.MaxRetries = req.MaxRetries
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if err := s.repo.UpdateSchedule(r.Context(), schedule); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.repo.ListAccounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(accounts))
	for _, a := range accounts {
		// Auth state stays server-side.
		out = append(out, map[string]any{
			"id":             a.ID,
			"username":       a.Username,
			"status":         a.Status,
			"proxy_url":      a.ProxyURL,
			"fingerprint_id": a.FingerprintID,
		})
	}
	writeJSON(w, 200, out)
}

type createAccountReq struct {
	Username string `json:"username"`
	ProxyURL string `json:"proxy_url"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", 400)
		return
	}
	id, err := s.repo.CreateAccount(r.Context(), domain.Account{
		Username: req.Username,
		ProxyURL: req.ProxyURL,
		Status:   domain.AccountActive,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listInteractions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	recs, err := s.repo.ListInteractions(r.Context(), id, 100)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
