package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"healthq/internal/jobs"
	"healthq/internal/queue"
	"healthq/internal/scheduler"
)

type Queue interface {
	Enqueue(ctx context.Context, job jobs.Job) error
	Stats(ctx context.Context) (queue.QueueStats, error)
	Ping(ctx context.Context) error
}

type Scanners interface {
	RunNow(ctx context.Context, name string) (scheduler.PassResult, error)
	Describe() []scheduler.ScannerInfo
}

type Deps struct {
	Queue    Queue
	Scanners Scanners // nil when scanners are disabled
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
	Debug    bool
}

type Server struct {
	r        *chi.Mux
	queue    Queue
	scanners Scanners
	log      zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	log := d.Log.With().Str("component", "api").Logger()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger(log), middleware.Recoverer)

	s := &Server{r: r, queue: d.Queue, scanners: d.Scanners, log: log}

	r.Get("/health", s.health)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/notifications/registration", s.account(jobs.NewRegistration))
		r.Post("/notifications/password-reset", s.account(jobs.NewResetPassword))
		r.Post("/notifications/email-change", s.account(jobs.NewEmailChange))
		r.Post("/notifications/daily-usage-recap", s.dailyUsage)

		r.Get("/queue/stats", s.queueStats)

		r.Get("/digests", s.listDigests)
		r.Post("/digests/{scanner}/run", s.runDigest)
	})

	if d.Debug {
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
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.queue.Ping(ctx); err != nil {
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type queuedResp struct {
	Status string `json:"status"`
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, job jobs.Job) {
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.log.Error().Err(err).Msg("enqueue failed")
		http.Error(w, "failed to queue job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResp{Status: "queued"})
}

func (s *Server) account(build func(email, username, token string) jobs.Job) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req accountReq
		if err := decode(w, r, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := req.validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.enqueue(w, r, build(req.Email, req.Username, req.Token))
	}
}

func (s *Server) dailyUsage(w http.ResponseWriter, r *http.Request) {
	var req dailyUsageReq
	if err := decode(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.enqueue(w, r, jobs.NewDailyUsageRecap(req.Email, req.Date, req.UsageSummary))
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listDigests(w http.ResponseWriter, r *http.Request) {
	if s.scanners == nil {
		writeJSON(w, http.StatusOK, []scheduler.ScannerInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.scanners.Describe())
}

func (s *Server) runDigest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "scanner")
	if s.scanners == nil {
		http.Error(w, "scanners are disabled", http.StatusNotFound)
		return
	}
	res, err := s.scanners.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownScanner) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(start)).
				Msg("http request")
		})
	}
}
