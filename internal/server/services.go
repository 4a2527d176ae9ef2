package server

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	"google.golang.org/grpc"
)

const (
	commandServiceName = "cdpledger.v1.CommandService"
	queryServiceName   = "cdpledger.v1.QueryService"
	adminServiceName   = "cdpledger.v1.AdminService"
)

// unary builds a method descriptor that decodes Req with the call's codec and
// dispatches to call on the registered implementation.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, r any) (any, error) {
				resp, err := call(srv.(S), ctx, r.(*Req))
				if err != nil {
					return nil, toStatus(ctx, err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// ============================================================================
// CommandService
// ============================================================================

// CommandServer applies commands. Producers normally publish to NATS; this
// surface is for operators, keepers and tests.
type CommandServer interface {
	Submit(context.Context, *SubmitRequest) (*core.Receipt, error)
	Deposit(context.Context, *FundsRequest) (*core.Receipt, error)
	Withdraw(context.Context, *FundsRequest) (*core.Receipt, error)
	UpdatePrice(context.Context, *PriceRequest) (*core.Receipt, error)
}

var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: commandServiceName,
	HandlerType: (*CommandServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(commandServiceName, "Submit", CommandServer.Submit),
		unary(commandServiceName, "Deposit", CommandServer.Deposit),
		unary(commandServiceName, "Withdraw", CommandServer.Withdraw),
		unary(commandServiceName, "UpdatePrice", CommandServer.UpdatePrice),
	},
	Metadata: "cdpledger/v1/command.proto",
}

type commandService struct {
	svc *ingestion.GRPCIngestService
}

// Submit applies a command in its NATS JSON form. The payload carries its
// own command id and caller.
func (s *commandService) Submit(ctx context.Context, req *SubmitRequest) (*core.Receipt, error) {
	if req.EventType == "" {
		return nil, fmt.Errorf("%w: event_type is required", errBadRequest)
	}
	return s.svc.InjectCommand(ctx, req.EventType, req.Payload)
}

func (s *commandService) Deposit(ctx context.Context, req *FundsRequest) (*core.Receipt, error) {
	return s.svc.InjectDeposit(ctx, req.Owner, req.Asset, req.Amount, req.Reference)
}

func (s *commandService) Withdraw(ctx context.Context, req *FundsRequest) (*core.Receipt, error) {
	return s.svc.InjectWithdrawal(ctx, req.Owner, req.Asset, req.Amount, req.Reference)
}

func (s *commandService) UpdatePrice(ctx context.Context, req *PriceRequest) (*core.Receipt, error) {
	return s.svc.InjectPrice(ctx, req.Denom, req.Price, req.Exponent, req.Confidence, req.PriceSequence)
}

// ============================================================================
// QueryService
// ============================================================================

type QueryServer interface {
	GetPosition(context.Context, *OwnerRequest) (*query.PositionResponse, error)
	GetDeposit(context.Context, *OwnerRequest) (*query.DepositResponse, error)
	GetPool(context.Context, *Empty) (*query.PoolResponse, error)
	GetTotals(context.Context, *Empty) (*query.TotalsResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetPrice(context.Context, *DenomRequest) (*query.PriceResponse, error)
	SuggestHint(context.Context, *HintRequest) (*query.HintResponse, error)
	ListLiquidationCandidates(context.Context, *CandidatesRequest) (*query.CandidatesResponse, error)
	ListRedemptionTargets(context.Context, *CandidatesRequest) (*query.CandidatesResponse, error)
	ListLiquidations(context.Context, *HistoryRequest) (*LiquidationsResponse, error)
	ListRedemptions(context.Context, *HistoryRequest) (*RedemptionsResponse, error)
	ListJournals(context.Context, *HistoryRequest) (*JournalsResponse, error)
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(queryServiceName, "GetPosition", QueryServer.GetPosition),
		unary(queryServiceName, "GetDeposit", QueryServer.GetDeposit),
		unary(queryServiceName, "GetPool", QueryServer.GetPool),
		unary(queryServiceName, "GetTotals", QueryServer.GetTotals),
		unary(queryServiceName, "GetBalance", QueryServer.GetBalance),
		unary(queryServiceName, "GetPrice", QueryServer.GetPrice),
		unary(queryServiceName, "SuggestHint", QueryServer.SuggestHint),
		unary(queryServiceName, "ListLiquidationCandidates", QueryServer.ListLiquidationCandidates),
		unary(queryServiceName, "ListRedemptionTargets", QueryServer.ListRedemptionTargets),
		unary(queryServiceName, "ListLiquidations", QueryServer.ListLiquidations),
		unary(queryServiceName, "ListRedemptions", QueryServer.ListRedemptions),
		unary(queryServiceName, "ListJournals", QueryServer.ListJournals),
	},
	Metadata: "cdpledger/v1/query.proto",
}

type queryService struct {
	qs *query.QueryService
}

func (s *queryService) GetPosition(ctx context.Context, req *OwnerRequest) (*query.PositionResponse, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", errBadRequest)
	}
	return s.qs.GetPosition(ctx, req.Owner)
}

func (s *queryService) GetDeposit(ctx context.Context, req *OwnerRequest) (*query.DepositResponse, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", errBadRequest)
	}
	return s.qs.GetDeposit(ctx, req.Owner)
}

func (s *queryService) GetPool(ctx context.Context, _ *Empty) (*query.PoolResponse, error) {
	return s.qs.GetPool(ctx)
}

func (s *queryService) GetTotals(ctx context.Context, _ *Empty) (*query.TotalsResponse, error) {
	return s.qs.GetTotals(ctx)
}

func (s *queryService) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if req.Owner == "" || req.Asset == "" {
		return nil, fmt.Errorf("%w: owner and asset are required", errBadRequest)
	}
	return s.qs.GetBalance(ctx, req.Owner, req.Asset)
}

func (s *queryService) GetPrice(ctx context.Context, req *DenomRequest) (*query.PriceResponse, error) {
	if req.Denom == "" {
		return nil, fmt.Errorf("%w: denom is required", errBadRequest)
	}
	return s.qs.GetPrice(ctx, req.Denom)
}

func (s *queryService) SuggestHint(ctx context.Context, req *HintRequest) (*query.HintResponse, error) {
	return s.qs.SuggestHint(ctx, req.Owner, req.Denom, req.Collateral, req.Debt)
}

func (s *queryService) ListLiquidationCandidates(ctx context.Context, req *CandidatesRequest) (*query.CandidatesResponse, error) {
	return s.qs.LiquidationCandidates(ctx, req.Denom, req.Limit)
}

func (s *queryService) ListRedemptionTargets(ctx context.Context, req *CandidatesRequest) (*query.CandidatesResponse, error) {
	return s.qs.RedemptionTargets(ctx, req.Denom, req.Limit)
}

func (s *queryService) ListLiquidations(ctx context.Context, req *HistoryRequest) (*LiquidationsResponse, error) {
	out, err := s.qs.GetLiquidations(ctx, req.Owner, req.Limit, req.before())
	if err != nil {
		return nil, err
	}
	return &LiquidationsResponse{Liquidations: out}, nil
}

func (s *queryService) ListRedemptions(ctx context.Context, req *HistoryRequest) (*RedemptionsResponse, error) {
	out, err := s.qs.GetRedemptions(ctx, req.Limit, req.before())
	if err != nil {
		return nil, err
	}
	return &RedemptionsResponse{Redemptions: out}, nil
}

func (s *queryService) ListJournals(ctx context.Context, req *HistoryRequest) (*JournalsResponse, error) {
	if req.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", errBadRequest)
	}
	out, err := s.qs.GetJournalHistory(ctx, req.Owner, req.Limit, req.before())
	if err != nil {
		return nil, err
	}
	return &JournalsResponse{Journals: out}, nil
}

// ============================================================================
// AdminService
// ============================================================================

type AdminServer interface {
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildBalances(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(adminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
		unary(adminServiceName, "TakeSnapshot", AdminServer.TakeSnapshot),
		unary(adminServiceName, "RebuildBalances", AdminServer.RebuildBalances),
		unary(adminServiceName, "GetEventLogInfo", AdminServer.GetEventLogInfo),
	},
	Metadata: "cdpledger/v1/admin.proto",
}

type adminService struct {
	db          *sql.DB
	reader      query.CoreReader
	qs          *query.QueryService
	snapMgr     *persistence.SnapshotManager
	snapshotter *persistence.Snapshotter
}

func (s *adminService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	return s.qs.VerifyIntegrity(ctx)
}

func (s *adminService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshotter == nil {
		return nil, query.ErrUnavailable
	}
	snap, err := s.snapshotter.Take(ctx)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return &SnapshotResponse{Sequence: -1}, nil
	}
	return &SnapshotResponse{Taken: true, Sequence: snap.Sequence, ArchiveKey: snap.ArchiveKey}, nil
}

func (s *adminService) RebuildBalances(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.db == nil {
		return nil, query.ErrUnavailable
	}
	if err := projection.RebuildBalances(ctx, s.db); err != nil {
		return nil, err
	}
	return &RebuildResponse{Rebuilt: "balances"}, nil
}

func (s *adminService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	resp := &EventLogInfoResponse{LastPersisted: -1}
	if err := s.reader.Read(ctx, func(c *core.DeterministicCore) {
		resp.LastApplied = c.GetSequence() - 1
		h := c.GetStateHash()
		resp.StateHash = hex.EncodeToString(h[:])
	}); err != nil {
		return nil, err
	}
	if s.snapMgr != nil {
		latest, err := s.snapMgr.GetLatestSequence(ctx)
		if err != nil {
			return nil, err
		}
		resp.LastPersisted = latest
	}
	return resp, nil
}
