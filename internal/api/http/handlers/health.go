package handlers

import (
	"context"
	"net/http"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"streamlease/internal/ledger"
	"streamlease/internal/manager"
	"streamlease/internal/store"
	"streamlease/pkg/httputil"
)

// Views is what the stats API reads from the stream manager.
type Views interface {
	Snapshot() store.Snapshot
	Streams() []manager.StreamStatus
	SpendTotals() []ledger.SpendTotal
	PriceHistory(pair string) []store.PricePoint
	CheckDependency(ctx context.Context) error
}

type Handler struct {
	Log   logger.Logger
	Views Views
}

func NewHandler(log logger.Logger, views Views) *Handler {
	if views == nil {
		panic("stream views cannot be nil")
	}

	return &Handler{Log: log, Views: views}
}

func (a *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	if err := httputil.JSON(w, http.StatusOK, map[string]any{}, nil); err != nil {
		a.Log.Errorf("Healthz handler error: %s", err.Error())
	}
	a.Log.Info("Healthz handler success")
}

// Check health external sinks and the stream fleet
func (a *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	if err := a.Views.CheckDependency(ctx); err != nil {
		err = httputil.Error(w, r, http.StatusServiceUnavailable, "dependencies_unhealthy", "dependencies check failed", map[string]any{
			"error": err.Error(),
		})
		if err != nil {
			a.Log.Errorf("Readiness handler error: %s", err.Error())
		}
		return
	}

	if err := httputil.JSON(w, http.StatusOK, map[string]string{"dependencies": "healthy"}, nil); err != nil {
		a.Log.Errorf("Readiness handler error: %s", err.Error())
	}

	a.Log.Info("Readiness handler success")
}
