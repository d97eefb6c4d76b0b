package api

import (
	"context"
	"net/http"
	"time"

	"bindrop/cfg"
	"bindrop/svc/auth"
	"bindrop/svc/blob"
	"bindrop/svc/db"
	"bindrop/svc/lim"
	"bindrop/svc/svc"
	"bindrop/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	drops      *svc.Drops
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	blobs      *blob.Store
	httpServer *http.Server
}

type Deps struct {
	Drops    *svc.Drops
	Settings *svc.Settings
	Limiter  *lim.Limiter
	Admin    *auth.Admin
	DB       *db.SQLite
	Redis    *db.Redis
	Blobs    *blob.Store
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	r := chi.NewRouter()
	mw := NewMw(d.Limiter, d.Settings, d.Admin, c)
	s := &Server{
		router: r,
		drops:  d.Drops,
		lim:    d.Limiter,
		cfg:    c,
		db:     d.DB,
		rdb:    d.Redis,
		blobs:  d.Blobs,
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)

		hdl := &Hdl{drops: d.Drops, settings: d.Settings, cfg: c}
		r.With(mw.RateLimitCreate).Post("/drops", hdl.CreateDrop)
		r.With(mw.RateLimitCreate).Post("/drops/file", hdl.CreateFileDrop)
		r.With(mw.RateLimitRead).Get("/drops/{id}", hdl.GetDrop)
		r.With(mw.RateLimitUnlock).Post("/drops/{id}/unlock", hdl.UnlockDrop)
		r.With(mw.RateLimitRead).Get("/drops/{id}/meta", hdl.GetDropMeta)

		admin := &AdminHdl{drops: d.Drops, settings: d.Settings, db: d.DB}
		r.Route("/admin", func(r chi.Router) {
			r.Use(mw.AdminAuth)
			r.Delete("/drops/{id}", admin.DeleteDrop)
			r.Post("/sweep", admin.Sweep)
			r.Get("/blocks", admin.ListBlocks)
			r.Post("/blocks", admin.BlockAddress)
			r.Delete("/blocks/{address}", admin.UnblockAddress)
			r.Get("/settings", admin.GetSettings)
			r.Put("/settings", admin.PutSettings)
		})
	})

	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
