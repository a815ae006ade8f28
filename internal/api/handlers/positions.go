package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/wonny/autotrader/internal/contracts"
	"github.com/wonny/autotrader/pkg/logger"
)

// PositionLister reads positions (execution.Engine)
type PositionLister interface {
	Positions(ctx context.Context, filter contracts.PositionFilter) ([]*contracts.Position, error)
}

// PositionHandler serves position reads
// ⭐ SSOT: 포지션 조회 API는 이 구조체에서만
type PositionHandler struct {
	positions PositionLister
	logger    *logger.Logger
}

// NewPositionHandler creates a new position handler
func NewPositionHandler(positions PositionLister, log *logger.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: log}
}

// ListPositions returns positions filtered by account and state
// GET /api/positions?account=acc-1&state=OPEN,EXIT_FAILED&needs_intervention=true
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	filter, err := ParsePositionFilter(r.URL.Query().Get("account"), r.URL.Query().Get("state"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if v := r.URL.Query().Get("needs_intervention"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "needs_intervention must be true or false")
			return
		}
		filter.NeedsIntervention = &b
	}

	positions, err := h.positions.Positions(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list positions")
		RespondError(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(positions),
		"positions": positions,
	})
}

// ParsePositionFilter builds a filter from an account id and a
// comma-separated state list. "active" expands to every active state.
func ParsePositionFilter(accountID, states string) (contracts.PositionFilter, error) {
	filter := contracts.PositionFilter{AccountID: accountID}
	if states == "" {
		return filter, nil
	}

	for _, s := range strings.Split(states, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if s == "ACTIVE" {
			filter.States = append(filter.States, contracts.ActiveStates...)
			continue
		}
		st := contracts.PositionState(s)
		if !st.IsActive() && !st.IsTerminal() {
			return filter, contracts.Configuration("positions.filter", "unknown state %q", s)
		}
		filter.States = append(filter.States, st)
	}
	return filter, nil
}
