package server_test

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/index"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
	"CDPLedger/internal/testutil"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const adminToken = "s3cret"

type fixture struct {
	t    *testing.T
	ctx  context.Context
	cmds *testutil.Commands
	srv  *server.GRPCServer
	conn *grpc.ClientConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := testutil.NewCore(t, nil, nil)
	seq := core.NewSequencer(c, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go seq.Run(ctx)

	cmds := testutil.NewCommands()
	srv := server.NewGRPCServer("", "", &server.ServerDeps{
		Reader:        seq,
		QueryService:  query.NewQueryService(seq, nil, nil, nil).WithClock(cmds.Now),
		IngestService: ingestion.NewGRPCIngestService(seq, testutil.Admin).WithOracle(testutil.Oracle).WithClock(cmds.Tick),
		AdminToken:    adminToken,
	})

	lis := bufconn.Listen(1 << 20)
	go srv.ServeGRPC(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &fixture{t: t, ctx: context.Background(), cmds: cmds, srv: srv, conn: conn}
}

func (f *fixture) invoke(method string, req, resp any, opts ...grpc.CallOption) error {
	return f.conn.Invoke(f.ctx, method, req, resp, opts...)
}

// submit applies a command through CommandService/Submit in its NATS form.
func (f *fixture) submit(cmd event.Event) *core.Receipt {
	f.t.Helper()
	payload, err := event.Encode(cmd)
	if err != nil {
		f.t.Fatalf("encode: %v", err)
	}
	var r core.Receipt
	req := &server.SubmitRequest{EventType: cmd.EventType().String(), Payload: payload}
	if err := f.invoke("/cdpledger.v1.CommandService/Submit", req, &r); err != nil {
		f.t.Fatalf("submit %s: %v", cmd.EventType(), err)
	}
	return &r
}

// seed prices Atom at $10 and opens alice 100 / 500.
func (f *fixture) seed() {
	f.t.Helper()
	f.submit(f.cmds.AtomPrice(10))
	var r core.Receipt
	if err := f.invoke("/cdpledger.v1.CommandService/Deposit",
		&server.FundsRequest{Owner: "alice", Asset: testutil.Atom, Amount: 100 * testutil.Unit}, &r); err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
	f.submit(f.cmds.Open("alice", 100, 500, index.Hint{}))
}

// ===========================================================================
// gRPC
// ===========================================================================

func TestGRPC_CommandsAndQueries(t *testing.T) {
	f := newFixture(t)
	f.seed()

	var pos query.PositionResponse
	if err := f.invoke("/cdpledger.v1.QueryService/GetPosition", &server.OwnerRequest{Owner: "alice"}, &pos); err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Debt != 500*testutil.Unit || pos.Collateral != 100*testutil.Unit || pos.AsOfSequence != 2 {
		t.Errorf("position: %+v", pos)
	}
	if pos.ICRPercent != "200" || pos.Liquidatable {
		t.Errorf("icr: %s liquidatable=%v", pos.ICRPercent, pos.Liquidatable)
	}

	var totals query.TotalsResponse
	if err := f.invoke("/cdpledger.v1.QueryService/GetTotals", &server.Empty{}, &totals); err != nil {
		t.Fatalf("get totals: %v", err)
	}
	if totals.Debt != 500*testutil.Unit || totals.StableSupply != totals.Debt {
		t.Errorf("totals: %+v", totals)
	}
}

func TestGRPC_OperatorPrice(t *testing.T) {
	f := newFixture(t)

	var r core.Receipt
	req := &server.PriceRequest{Denom: testutil.Atom, Price: 12 * testutil.Unit, Exponent: 6, Confidence: 1, PriceSequence: 1}
	if err := f.invoke("/cdpledger.v1.CommandService/UpdatePrice", req, &r); err != nil {
		t.Fatalf("update price: %v", err)
	}
	if !r.PriceApplied {
		t.Error("price not applied")
	}

	req.Confidence = 0
	err := f.invoke("/cdpledger.v1.CommandService/UpdatePrice", req, &r)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("zero confidence: got %v", err)
	}
}

func TestGRPC_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.seed()

	tests := []struct {
		name   string
		method string
		req    any
		code   codes.Code
		kind   string
	}{
		{"missing position", "/cdpledger.v1.QueryService/GetPosition", &server.OwnerRequest{Owner: "nobody"}, codes.NotFound, "position_not_found"},
		{"empty owner", "/cdpledger.v1.QueryService/GetPosition", &server.OwnerRequest{}, codes.InvalidArgument, ""},
		{"unknown asset", "/cdpledger.v1.QueryService/GetBalance", &server.BalanceRequest{Owner: "alice", Asset: "uosmo"}, codes.InvalidArgument, "asset_mismatch"},
		{"no sorter", "/cdpledger.v1.QueryService/SuggestHint", &server.HintRequest{Owner: "bob", Denom: testutil.Atom, Collateral: 1, Debt: 1}, codes.Unavailable, ""},
		{"no database", "/cdpledger.v1.QueryService/ListRedemptions", &server.HistoryRequest{}, codes.Unavailable, ""},
		{"unknown command", "/cdpledger.v1.CommandService/Submit", &server.SubmitRequest{EventType: "Nope", Payload: json.RawMessage(`{}`)}, codes.InvalidArgument, ""},
		{"zero deposit", "/cdpledger.v1.CommandService/Deposit", &server.FundsRequest{Owner: "bob", Asset: testutil.Atom}, codes.InvalidArgument, ""},
	}
	for _, tt := range tests {
		var trailer metadata.MD
		var resp json.RawMessage
		err := f.invoke(tt.method, tt.req, &resp, grpc.Trailer(&trailer))
		if status.Code(err) != tt.code {
			t.Errorf("%s: got %v, want %s", tt.name, err, tt.code)
			continue
		}
		var kind string
		if v := trailer.Get(server.KindTrailer); len(v) > 0 {
			kind = v[0]
		}
		if kind != tt.kind {
			t.Errorf("%s: kind %q, want %q", tt.name, kind, tt.kind)
		}
	}
}

func TestGRPC_RejectedCommandCarriesKind(t *testing.T) {
	f := newFixture(t)
	f.seed()

	payload, _ := event.Encode(f.cmds.Open("alice", 100, 500, index.Hint{}))
	var trailer metadata.MD
	var r core.Receipt
	err := f.invoke("/cdpledger.v1.CommandService/Submit",
		&server.SubmitRequest{EventType: "OpenPosition", Payload: payload}, &r, grpc.Trailer(&trailer))
	if status.Code(err) == codes.OK || status.Code(err) == codes.Internal {
		t.Fatalf("second open: got %v", err)
	}
	if v := trailer.Get(server.KindTrailer); len(v) == 0 {
		t.Error("rejection carries no kind")
	}
}

func TestGRPC_AdminToken(t *testing.T) {
	f := newFixture(t)
	f.seed()

	var info server.EventLogInfoResponse
	err := f.invoke("/cdpledger.v1.AdminService/GetEventLogInfo", &server.Empty{}, &info)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("without token: got %v", err)
	}

	f.ctx = metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+adminToken)
	if err := f.invoke("/cdpledger.v1.AdminService/GetEventLogInfo", &server.Empty{}, &info); err != nil {
		t.Fatalf("with token: %v", err)
	}
	if info.LastApplied != 2 || info.LastPersisted != -1 || len(info.StateHash) != 64 {
		t.Errorf("info: %+v", info)
	}

	var report query.IntegrityReport
	if err := f.invoke("/cdpledger.v1.AdminService/VerifyIntegrity", &server.Empty{}, &report); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("report: %+v", report)
	}

	var snap server.SnapshotResponse
	err = f.invoke("/cdpledger.v1.AdminService/TakeSnapshot", &server.Empty{}, &snap)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("snapshot without postgres: got %v", err)
	}
}

func TestGRPC_Health(t *testing.T) {
	f := newFixture(t)
	client := healthpb.NewHealthClient(f.conn)

	// Health speaks protobuf, not the ledger codec.
	resp, err := client.Check(f.ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status: %s", resp.Status)
	}

	f.srv.SetServing(false)
	resp, err = client.Check(f.ctx, &healthpb.HealthCheckRequest{}, grpc.CallContentSubtype("proto"))
	if err != nil || resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("after SetServing(false): %v %v", resp, err)
	}
}

// ===========================================================================
// HTTP gateway
// ===========================================================================

func TestHTTPGateway(t *testing.T) {
	f := newFixture(t)
	handler, err := f.srv.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	do := func(method, path, body, token string) (int, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		return resp.StatusCode, out
	}

	price, _ := event.Encode(f.cmds.AtomPrice(10))
	if code, body := do("POST", "/v1/commands/PriceUpdate", string(price), ""); code != http.StatusOK {
		t.Fatalf("price: %d %v", code, body)
	}
	deposit := fmt.Sprintf(`{"owner":"alice","asset":%q,"amount":%d}`, testutil.Atom, 100*testutil.Unit)
	if code, body := do("POST", "/v1/funds/deposit", deposit, ""); code != http.StatusOK {
		t.Fatalf("deposit: %d %v", code, body)
	}
	open, _ := event.Encode(f.cmds.Open("alice", 100, 500, index.Hint{}))
	if code, body := do("POST", "/v1/commands/OpenPosition", string(open), ""); code != http.StatusOK {
		t.Fatalf("open: %d %v", code, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		status int
		check  func(map[string]any) bool
	}{
		{"position", "GET", "/v1/positions/alice", "", "", http.StatusOK,
			func(b map[string]any) bool { return b["debt_display"] == "500" && b["status"] == "Open" }},
		{"missing position", "GET", "/v1/positions/nobody", "", "", http.StatusNotFound,
			func(b map[string]any) bool { return b["kind"] == "position_not_found" }},
		{"balance", "GET", "/v1/balances/alice/" + testutil.Stable, "", "", http.StatusOK,
			func(b map[string]any) bool { return b["display"] == "497.5" }},
		{"price", "GET", "/v1/prices/" + testutil.Atom, "", "", http.StatusOK,
			func(b map[string]any) bool { return b["display"] == "10" }},
		{"pool", "GET", "/v1/pool", "", "", http.StatusOK, nil},
		{"bad hint amount", "GET", "/v1/hints/" + testutil.Atom + "?collateral=abc", "", "", http.StatusBadRequest, nil},
		{"unknown body field", "POST", "/v1/funds/deposit", `{"owner":"bob","nope":1}`, "", http.StatusBadRequest, nil},
		{"history without postgres", "GET", "/v1/liquidations?limit=5", "", "", http.StatusServiceUnavailable, nil},
		{"admin without token", "GET", "/v1/admin/event-log", "", "", http.StatusUnauthorized, nil},
		{"admin with token", "GET", "/v1/admin/event-log", "", adminToken, http.StatusOK,
			func(b map[string]any) bool { return b["last_applied"] == float64(2) }},
		{"liveness", "GET", "/healthz", "", "", http.StatusOK, nil},
	}
	for _, tt := range tests {
		code, body := do(tt.method, tt.path, tt.body, tt.token)
		if code != tt.status {
			t.Errorf("%s: status %d, want %d (%v)", tt.name, code, tt.status, body)
			continue
		}
		if tt.check != nil && !tt.check(body) {
			t.Errorf("%s: unexpected body %v", tt.name, body)
		}
	}
}

// ===========================================================================
// Error codes
// ===========================================================================

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("open: %w", cdperr.ErrPositionExists), codes.AlreadyExists},
		{fmt.Errorf("close: %w", cdperr.ErrPositionNotFound), codes.NotFound},
		{cdperr.ErrUnauthorized, codes.PermissionDenied},
		{cdperr.ErrInvalidOrdering, codes.FailedPrecondition},
		{cdperr.ErrStalePrice, codes.FailedPrecondition},
		{cdperr.ErrInvalidList, codes.InvalidArgument},
		{fmt.Errorf("%w: bad json", ingestion.ErrMalformedCommand), codes.InvalidArgument},
		{query.ErrUnavailable, codes.Unavailable},
		{core.ErrSequencerStopped, codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{status.Error(codes.Aborted, "aborted"), codes.Aborted},
		{errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		if got := server.CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v): got %s, want %s", tt.err, got, tt.want)
		}
	}
}
