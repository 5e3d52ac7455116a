package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"crossarb/internal/toggles"
	"crossarb/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The ops server binds to an internal port only.
		return true
	},
}

// TradeReader is the slice of the trade store the API needs.
type TradeReader interface {
	RecentTrades(ctx context.Context, limit int) ([]types.Trade, error)
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	toggles *toggles.Store
	trades  TradeReader
	hub     *Hub
	logger  *slog.Logger
}

func NewHandlers(tg *toggles.Store, trades TradeReader, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		toggles: tg,
		trades:  trades,
		hub:     hub,
		logger:  logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// togglesView is the GET shape; togglesUpdate the PUT shape. PUT values are
// strings so operators can use any accepted synonym (on/off, 1/0, yes/no).
type togglesView struct {
	AutoTrade bool   `json:"autoTrade"`
	Mode      string `json:"mode"`
}

type togglesUpdate struct {
	AutoTrade *string `json:"autoTrade"`
	Mode      *string `json:"mode"`
}

// HandleToggles reads (GET) or updates (PUT) the runtime toggles.
func (h *Handlers) HandleToggles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.getToggles(w, r)
	case http.MethodPut:
		h.putToggles(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handlers) getToggles(w http.ResponseWriter, r *http.Request) {
	at, err := h.toggles.AutoTrade(r.Context())
	if err != nil {
		h.logger.Error("toggle read failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	mode, err := h.toggles.Mode(r.Context())
	if err != nil {
		h.logger.Error("toggle read failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(togglesView{AutoTrade: at, Mode: string(mode)})
}

func (h *Handlers) putToggles(w http.ResponseWriter, r *http.Request) {
	var upd togglesUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if upd.AutoTrade == nil && upd.Mode == nil {
		http.Error(w, "nothing to update", http.StatusBadRequest)
		return
	}

	if upd.AutoTrade != nil {
		on, err := toggles.ParseBool(*upd.AutoTrade)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.toggles.SetAutoTrade(r.Context(), on); err != nil {
			h.logger.Error("toggle write failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	if upd.Mode != nil {
		mode, err := types.ParseMode(*upd.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.toggles.SetMode(r.Context(), mode); err != nil {
			h.logger.Error("toggle write failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	h.getToggles(w, r)
}

// HandleTrades returns the most recent persisted trades, newest first.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be in 1..1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	out, err := h.trades.RecentTrades(r.Context(), limit)
	if err != nil {
		h.logger.Error("trade query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []types.Trade{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// HandleWebSocket upgrades the connection and attaches it to the trade tail.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	NewClient(h.hub, conn)
}
