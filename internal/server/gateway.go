package server

import (
	"CDPLedger/internal/cdperr"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

type binder[Req any] func(r *http.Request, params map[string]string, req *Req) error

// route binds an HTTP request into Req and answers with call's result as
// JSON, the same call the gRPC method makes.
func route[Req any, Resp any](bind binder[Req], call func(context.Context, *Req) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		req := new(Req)
		if bind != nil {
			if err := bind(r, params, req); err != nil {
				writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
				return
			}
		}
		resp, err := call(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *GRPCServer) gatewayMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	c, q, a := s.commands, s.queries, s.admin

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		// Commands
		{"POST", "/v1/commands/{event_type}", route(bindCommand, c.Submit)},
		{"POST", "/v1/funds/deposit", route(bindBody[FundsRequest], c.Deposit)},
		{"POST", "/v1/funds/withdraw", route(bindBody[FundsRequest], c.Withdraw)},
		{"POST", "/v1/prices", route(bindBody[PriceRequest], c.UpdatePrice)},

		// Live state
		{"GET", "/v1/positions/{owner}", route(bindOwner, q.GetPosition)},
		{"GET", "/v1/deposits/{owner}", route(bindOwner, q.GetDeposit)},
		{"GET", "/v1/pool", route(nil, q.GetPool)},
		{"GET", "/v1/totals", route(nil, q.GetTotals)},
		{"GET", "/v1/balances/{owner}/{asset}", route(bindBalance, q.GetBalance)},
		{"GET", "/v1/prices/{denom}", route(bindDenom, q.GetPrice)},
		{"GET", "/v1/hints/{denom}", route(bindHint, q.SuggestHint)},
		{"GET", "/v1/liquidation-candidates/{denom}", route(bindCandidates, q.ListLiquidationCandidates)},
		{"GET", "/v1/redemption-targets/{denom}", route(bindCandidates, q.ListRedemptionTargets)},

		// History
		{"GET", "/v1/liquidations", route(bindHistory, q.ListLiquidations)},
		{"GET", "/v1/redemptions", route(bindHistory, q.ListRedemptions)},
		{"GET", "/v1/journals/{owner}", route(bindHistory, q.ListJournals)},

		// Admin
		{"POST", "/v1/admin/verify", s.adminOnly(route(nil, a.VerifyIntegrity))},
		{"POST", "/v1/admin/snapshot", s.adminOnly(route(nil, a.TakeSnapshot))},
		{"POST", "/v1/admin/rebuild-balances", s.adminOnly(route(nil, a.RebuildBalances))},
		{"GET", "/v1/admin/event-log", s.adminOnly(route(nil, a.GetEventLogInfo))},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return mux, nil
}

func (s *GRPCServer) adminOnly(h runtime.HandlerFunc) runtime.HandlerFunc {
	if s.adminToken == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if !s.validToken(r.Header.Get("Authorization")) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "Unauthenticated", Message: "admin token required"})
			return
		}
		h(w, r, params)
	}
}

// ============================================================================
// Binders
// ============================================================================

func bindBody[Req any](r *http.Request, _ map[string]string, req *Req) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(req)
}

// bindCommand takes the body as the command payload, unparsed.
func bindCommand(r *http.Request, params map[string]string, req *SubmitRequest) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	req.EventType = params["event_type"]
	req.Payload = body
	return nil
}

func bindOwner(_ *http.Request, params map[string]string, req *OwnerRequest) error {
	req.Owner = params["owner"]
	return nil
}

func bindBalance(_ *http.Request, params map[string]string, req *BalanceRequest) error {
	req.Owner, req.Asset = params["owner"], params["asset"]
	return nil
}

func bindDenom(_ *http.Request, params map[string]string, req *DenomRequest) error {
	req.Denom = params["denom"]
	return nil
}

func bindHint(r *http.Request, params map[string]string, req *HintRequest) error {
	q := r.URL.Query()
	req.Denom = params["denom"]
	req.Owner = q.Get("owner")
	var err error
	if req.Collateral, err = uintParam(q.Get("collateral")); err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	if req.Debt, err = uintParam(q.Get("debt")); err != nil {
		return fmt.Errorf("debt: %w", err)
	}
	return nil
}

func bindCandidates(r *http.Request, params map[string]string, req *CandidatesRequest) error {
	req.Denom = params["denom"]
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		return fmt.Errorf("limit: %w", err)
	}
	req.Limit = limit
	return nil
}

func bindHistory(r *http.Request, params map[string]string, req *HistoryRequest) error {
	q := r.URL.Query()
	req.Owner = params["owner"]
	if req.Owner == "" {
		req.Owner = q.Get("owner")
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		return fmt.Errorf("limit: %w", err)
	}
	req.Limit = limit
	if v := q.Get("before"); v != "" {
		if req.BeforeSequence, err = strconv.ParseInt(v, 10, 64); err != nil {
			return fmt.Errorf("before: %w", err)
		}
	}
	return nil
}

func uintParam(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// ============================================================================
// Responses
// ============================================================================

type errorBody struct {
	Code    string `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := codeOf(err)
	body := errorBody{Code: code.String(), Message: err.Error()}
	if cdperr.IsDomain(err) {
		body.Kind = string(cdperr.KindOf(err))
	}
	writeJSON(w, runtime.HTTPStatusFromCode(code), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
