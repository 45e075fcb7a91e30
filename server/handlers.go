package server

import (
	"encoding/json"
	"io"
	"maps"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	lottery "github.com/kydenul/ticket-lottery"
)

// DepositHeader may carry the attached deposit instead of the body
const DepositHeader = "X-Attached-Deposit"

type buyRequest struct {
	Deposit string `json:"deposit"`
	Count   int    `json:"count"`
}

type buyResponse struct {
	Lottery string `json:"lottery"`
	Tickets int    `json:"tickets"`
}

type drawRequest struct {
	N *uint64 `json:"n"`
}

type drawResponse struct {
	Winners []lottery.Account `json:"winners"`
}

type claimResponse struct {
	TransferID string          `json:"transfer_id"`
	Recipient  lottery.Account `json:"recipient"`
	Amount     string          `json:"amount"`
	State      string          `json:"state"`
}

type winnerView struct {
	Account  lottery.Account         `json:"account"`
	Status   lottery.ClaimStatus     `json:"status"`
	Transfer *lottery.TransferRecord `json:"transfer,omitempty"`
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || err == io.EOF {
		return nil
	}
	return lottery.ErrInvalidParameters.WithDetails("invalid JSON body").WithCause(err)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (lottery.Account, bool) {
	caller := callerOf(r)
	if err := lottery.ValidateAccount(caller); err != nil {
		writeError(w, lottery.ErrInvalidAccount.WithDetails("missing "+AccountHeader+" header"))
		return "", false
	}
	return caller, true
}

func (s *Server) handleBuyTickets(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req buyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Deposit == "" {
		req.Deposit = r.Header.Get(DepositHeader)
	}
	if req.Count == 0 {
		req.Count = 1
	}

	deposit, err := lottery.ParseBalance(req.Deposit)
	if err != nil {
		writeError(w, lottery.ErrBadDeposit.WithDetails(err.Error()))
		return
	}

	if err := s.lottery.BuyTickets(r.Context(), caller, deposit, req.Count); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, buyResponse{Lottery: s.lottery.ID(), Tickets: req.Count})
}

func (s *Server) handleDraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req drawRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.N == nil {
		writeError(w, lottery.ErrInvalidParameters.WithDetails("n is required"))
		return
	}

	winners, err := s.lottery.Draw(r.Context(), caller, *req.N)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, drawResponse{Winners: winners})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	record, err := s.lottery.Claim(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, claimResponse{
		TransferID: record.ID,
		Recipient:  record.Recipient,
		Amount:     record.Amount,
		State:      string(record.State),
	})
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	players, err := s.lottery.Players(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"players": players, "count": len(players)})
}

func (s *Server) handleWinners(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.lottery.WinnerStatuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]winnerView, 0, len(statuses))
	for _, acc := range slices.Sorted(maps.Keys(statuses)) {
		views = append(views, winnerView{Account: acc, Status: statuses[acc]})
	}

	writeJSON(w, http.StatusOK, map[string]any{"winners": views})
}

func (s *Server) handleWinner(w http.ResponseWriter, r *http.Request) {
	account := lottery.Account(chi.URLParam(r, "account"))

	status, err := s.lottery.WinnerStatus(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}

	view := winnerView{Account: account, Status: status}
	if record, err := s.lottery.Transfer(r.Context(), account); err == nil {
		view.Transfer = record
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.lottery.Monitor().GetMetrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"lottery": s.lottery.ID(), "store": "ok"}

	if err := s.lottery.Health(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["store"] = err.Error()
	}
	if s.opts.Breaker != nil {
		check := s.opts.Breaker.Check()
		body["circuit_breaker"] = check
		if healthy, _ := check["healthy"].(bool); !healthy {
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, body)
}
