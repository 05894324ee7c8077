// Package statusapi serves a read-only operator view of the relay.
package statusapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pongrelay/internal/ethutil"
	"pongrelay/internal/relay"
)

type API struct {
	Store relay.Store
}

type obligationView struct {
	EventID   string  `json:"event_id"`
	Block     uint64  `json:"block"`
	State     string  `json:"state"`
	Done      bool    `json:"done"`
	Nonce     *uint64 `json:"nonce,omitempty"`
	Attempt   uint32  `json:"attempt"`
	LastTx    string  `json:"last_tx,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

func NewRouter(store relay.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	RegisterRoutes(r, &API{Store: store})
	return r
}

func RegisterRoutes(r chi.Router, a *API) {
	r.Get("/healthz", healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/checkpoints", a.checkpointsHandler)
	r.Get("/queue", a.queueHandler)
	r.Get("/obligations/{eventID}", a.obligationHandler)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) checkpointsHandler(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]*uint64, 2)
	for _, u := range []relay.Usage{relay.UsageInbound, relay.UsageOutbound} {
		b, ok, err := a.Store.Checkpoint(r.Context(), u)
		if err != nil {
			log.Printf("[warn] [status] checkpoint %s: %v", u, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load checkpoints"})
			return
		}
		if ok {
			out[string(u)] = &b
		} else {
			out[string(u)] = nil
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) queueHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := a.Store.CountByState(r.Context())
	if err != nil {
		log.Printf("[warn] [status] count obligations: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to count obligations"})
		return
	}
	out := map[string]int{
		string(relay.StatePending):    0,
		string(relay.StateProcessing): 0,
		string(relay.StateCompleted):  0,
		string(relay.StateFailed):     0,
	}
	for st, n := range counts {
		out[string(st)] = n
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) obligationHandler(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "eventID")
	id, err := ethutil.ParseHash(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ob, err := a.Store.Get(r.Context(), id)
	if errors.Is(err, relay.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "obligation not found"})
		return
	}
	if err != nil {
		log.Printf("[warn] [status] get obligation %s: %v", raw, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load obligation"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(ob))
}

func viewOf(ob relay.Obligation) obligationView {
	v := obligationView{
		EventID:   ob.EventID.Hex(),
		Block:     ob.Block,
		State:     string(ob.State),
		Done:      ob.Done,
		Nonce:     ob.Nonce,
		Attempt:   ob.Attempt,
		UpdatedAt: ob.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if ob.LastTx != nil {
		v.LastTx = ob.LastTx.Hex()
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
