package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"streamlease/internal/domain"
	"streamlease/internal/ledger"
	"streamlease/pkg/httputil"
)

func (a *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	if err := httputil.JSON(w, http.StatusOK, a.Views.Snapshot(), nil); err != nil {
		a.Log.Errorf("Overview handler error: %s", err.Error())
	}

	a.Log.Infof("Overview handler success")
}

func (a *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if err := httputil.JSON(w, http.StatusOK, a.Views.Streams(), nil); err != nil {
		a.Log.Errorf("Streams handler error: %s", err.Error())
	}

	a.Log.Infof("Streams handler success")
}

func (a *Handler) StreamStats(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseStreamKind(chi.URLParam(r, "kind"))
	if err != nil {
		if err = httputil.Error(w, r, http.StatusNotFound, "unknown_stream", "unknown stream kind", nil); err != nil {
			a.Log.Errorf("StreamStats handler error: %s", err.Error())
		}
		return
	}

	for _, st := range a.Views.Streams() {
		if st.Stream != kind {
			continue
		}

		resp := map[string]any{
			"status": st,
			"spend":  spendFor(a.Views.SpendTotals(), kind),
		}
		if err = httputil.JSON(w, http.StatusOK, resp, nil); err != nil {
			a.Log.Errorf("StreamStats handler error: %s", err.Error())
		}

		a.Log.Infof("StreamStats handler success")
		return
	}

	if err = httputil.Error(w, r, http.StatusNotFound, "stream_not_configured", "stream is not configured", nil); err != nil {
		a.Log.Errorf("StreamStats handler error: %s", err.Error())
	}
}

func (a *Handler) Spend(w http.ResponseWriter, r *http.Request) {
	if err := httputil.JSON(w, http.StatusOK, a.Views.SpendTotals(), nil); err != nil {
		a.Log.Errorf("Spend handler error: %s", err.Error())
	}

	a.Log.Infof("Spend handler success")
}

func (a *Handler) PriceHistory(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		if err := httputil.Error(w, r, http.StatusBadRequest, "bad_request", "pair query parameter is required", nil); err != nil {
			a.Log.Errorf("PriceHistory handler error: %s", err.Error())
		}
		return
	}

	resp := map[string]any{
		"pair":   pair,
		"points": a.Views.PriceHistory(pair),
	}
	if err := httputil.JSON(w, http.StatusOK, resp, nil); err != nil {
		a.Log.Errorf("PriceHistory handler error: %s", err.Error())
	}

	a.Log.Infof("PriceHistory handler success")
}

func spendFor(totals []ledger.SpendTotal, kind domain.StreamKind) []ledger.SpendTotal {
	out := []ledger.SpendTotal{}
	for _, t := range totals {
		if t.Stream == kind {
			out = append(out, t)
		}
	}
	return out
}
