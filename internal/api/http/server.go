package http

import (
	"context"
	"net/http"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/api/http/handlers"
	"streamlease/internal/api/http/mw"
	"streamlease/internal/config"
	"streamlease/internal/security"
	rds "streamlease/internal/stores/redis"
)

type Server struct {
	log logger.Logger
	srv *http.Server
}

// Deps carries everything the stats API needs. Redis and the JWT verifier are
// optional; the matching middleware is skipped when they are absent.
type Deps struct {
	Log   logger.Logger
	Cfg   *config.HTTPConfig
	Views handlers.Views
	JWT   *security.RS256Verifier
	Redis *rds.Client
}

func NewServer(d Deps) (*Server, error) {
	h := handlers.NewHandler(d.Log, d.Views)

	logMW := mw.NewLogging(d.Log)
	gzipMW := mw.NewGzip(0, d.Log)

	var corsMW *mw.CORSMiddleware
	if d.Cfg.CORS.Enabled {
		corsMW = mw.NewCORSConfig(&d.Cfg.CORS)
	}

	var rateLimitMW *mw.RateLimitMiddleware
	if d.Cfg.RateLimit.Enabled && d.Redis != nil {
		rateLimitMW = mw.NewRateLimit(&d.Cfg.RateLimit, d.Redis, d.JWT)
	}

	var jwtMW *mw.JWTMiddleware
	if d.JWT != nil {
		m, err := mw.NewJWTMiddleware(d.JWT)
		if err != nil {
			return nil, err
		}
		jwtMW = m
	}

	router := BuildRouter(h, logMW, gzipMW, rateLimitMW, jwtMW, corsMW)

	addr := d.Cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	readTimeout := d.Cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := d.Cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 15 * time.Second
	}
	idleTimeout := d.Cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	return &Server{
		log: d.Log,
		srv: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
	}, nil
}

func (s *Server) Addr() string { return s.srv.Addr }

// Start blocks in ListenAndServe until Shutdown.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
