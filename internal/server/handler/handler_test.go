package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kimeisele/steward-protocol-sub001/internal/bank"
	"github.com/kimeisele/steward-protocol-sub001/internal/identity"
	"github.com/kimeisele/steward-protocol-sub001/internal/ledger"
	"github.com/kimeisele/steward-protocol-sub001/internal/oracle"
	"github.com/kimeisele/steward-protocol-sub001/internal/projector"
	"github.com/kimeisele/steward-protocol-sub001/internal/server/handler"
	"github.com/kimeisele/steward-protocol-sub001/pkg/action"
)

var ctx = context.Background()

const (
	systemID       = "steward-system"
	operatorSecret = "test-operator-secret"
)

type world struct {
	router *gin.Engine
	bank   *bank.Bank
	proj   *projector.Projector
	keys   map[string]*identity.KeyPair
}

func setupRouter(t *testing.T) *world {
	t.Helper()
	gin.SetMode(gin.TestMode)

	system, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	chain, err := ledger.NewMemory(action.GenesisPayload{
		TotalSupply:     1_000_000,
		SystemID:        systemID,
		SystemPublicKey: system.PublicKeyHex,
	})
	if err != nil {
		t.Fatal(err)
	}

	registry := identity.NewRegistry()
	proj := projector.New(chain)
	proj.OnApply(registry.Apply)
	if err := proj.CatchUp(ctx); err != nil {
		t.Fatal(err)
	}

	verifier := identity.NewVerifier(registry, 0)
	b := bank.New(chain, verifier, registry, proj, system, systemID, zap.NewNop())
	orc := oracle.New(chain, proj, zap.NewNop())
	issuer := identity.NewOperatorIssuer([]byte("test-signing-secret"), "steward-test", time.Hour)
	secretHash, err := bcrypt.GenerateFromPassword([]byte(operatorSecret), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	v1 := r.Group("/api/v1")
	handler.NewActionHandler(b, zap.NewNop()).Register(v1)
	handler.NewLedgerHandler(chain, zap.NewNop()).Register(v1)
	handler.NewAgentHandler(b, proj, issuer, zap.NewNop()).Register(v1)
	handler.NewOracleHandler(orc, zap.NewNop()).Register(v1)
	handler.NewAuthHandler(issuer, secretHash, zap.NewNop()).Register(v1)

	return &world{
		router: r,
		bank:   b,
		proj:   proj,
		keys:   map[string]*identity.KeyPair{systemID: system},
	}
}

func (w *world) sign(t *testing.T, actor string, typ action.Type, payload any) *action.SignedAction {
	t.Helper()
	raw, err := action.CanonicalJSON(payload)
	if err != nil {
		t.Fatal(err)
	}
	nonce, err := action.NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	sa := &action.SignedAction{
		ActorID:   actor,
		Action:    typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Nonce:     nonce,
	}
	if err := sa.Sign(w.keys[actor].Private); err != nil {
		t.Fatal(err)
	}
	return sa
}

func (w *world) register(t *testing.T, agentID string) {
	t.Helper()
	kp, err := identity.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	w.keys[agentID] = kp
	sa := w.sign(t, agentID, action.Register, action.RegisterPayload{AgentID: agentID, PublicKey: kp.PublicKeyHex})
	if _, err := w.bank.Submit(ctx, sa); err != nil {
		t.Fatalf("register %s: %v", agentID, err)
	}
}

func (w *world) postJSON(t *testing.T, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	w.router.ServeHTTP(rec, req)
	return rec
}

func (w *world) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	w.router.ServeHTTP(rec, req)
	return rec
}

func (w *world) operatorToken(t *testing.T) string {
	t.Helper()
	rec := w.postJSON(t, "/api/v1/auth/token", gin.H{"operator": "ops", "secret": operatorSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("token exchange: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	return resp["token"]
}

func TestSubmitAction_201(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")
	w.register(t, "vault")
	if _, err := w.bank.SystemGrant(ctx, "science", 100, "seed"); err != nil {
		t.Fatal(err)
	}

	sa := w.sign(t, "science", action.Transfer, action.TransferPayload{To: "vault", Amount: 5})
	rec := w.postJSON(t, "/api/v1/actions", sa)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var entry ledger.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Hash == "" || entry.Sequence == 0 {
		t.Errorf("committed entry incomplete: %+v", entry)
	}
}

func TestSubmitAction_401_badSignature(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")

	sa := w.sign(t, "science", action.Transfer, action.TransferPayload{To: "vault", Amount: 5})
	sa.Signature = sa.Signature[:len(sa.Signature)-2] + "00"
	rec := w.postJSON(t, "/api/v1/actions", sa)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "signature_invalid" {
		t.Errorf("expected reason signature_invalid, got %q", resp["reason"])
	}
}

func TestSubmitAction_409_insufficientBalance(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")
	w.register(t, "vault")

	sa := w.sign(t, "science", action.Transfer, action.TransferPayload{To: "vault", Amount: 5})
	rec := w.postJSON(t, "/api/v1/actions", sa)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "insufficient_balance" {
		t.Errorf("expected reason insufficient_balance, got %q", resp["reason"])
	}
}

func TestSubmitAction_400_selfTransfer(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")
	if _, err := w.bank.SystemGrant(ctx, "science", 100, "seed"); err != nil {
		t.Fatal(err)
	}

	sa := w.sign(t, "science", action.Transfer, action.TransferPayload{To: "science", Amount: 5})
	rec := w.postJSON(t, "/api/v1/actions", sa)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["reason"] != "self_transfer" {
		t.Errorf("expected reason self_transfer, got %q", resp["reason"])
	}
	if w.bank.Halted() {
		t.Error("rejected self-transfer halted the engine")
	}
}

func TestSubmitAction_400_malformed(t *testing.T) {
	w := setupRouter(t)
	rec := w.postJSON(t, "/api/v1/actions", gin.H{"actor_id": 42})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLedgerOverview_200(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")

	rec := w.get(t, "/api/v1/ledger")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if int(resp["entries"].(float64)) != 2 { // genesis + register
		t.Errorf("expected 2 entries, got %v", resp["entries"])
	}
	if resp["tip_hash"] == "" {
		t.Error("missing tip hash")
	}
}

func TestLedgerVerify_200(t *testing.T) {
	w := setupRouter(t)
	rec := w.get(t, "/api/v1/ledger/verify")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["valid"] != true {
		t.Errorf("expected valid=true, got %v", resp["valid"])
	}
}

func TestLedgerGetEntry_404(t *testing.T) {
	w := setupRouter(t)
	rec := w.get(t, "/api/v1/ledger/entries/999")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLedgerGetEntry_400_invalidSeq(t *testing.T) {
	w := setupRouter(t)
	rec := w.get(t, "/api/v1/ledger/entries/abc")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLedgerRange_200(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")
	w.register(t, "vault")

	rec := w.get(t, "/api/v1/ledger/range?from=1&to=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("expected 2 entries in range, got %d", resp.Count)
	}
}

func TestGetAccount_200_and_404(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")

	rec := w.get(t, "/api/v1/accounts/science")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var acct projector.Account
	json.Unmarshal(rec.Body.Bytes(), &acct)
	if acct.AgentID != "science" || acct.State != projector.Active {
		t.Errorf("unexpected account: %+v", acct)
	}

	rec = w.get(t, "/api/v1/accounts/ghost")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}

func TestListAccounts_200(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")

	rec := w.get(t, "/api/v1/accounts")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Accounts []projector.Account `json:"accounts"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Accounts) != 2 { // system + science
		t.Errorf("expected 2 accounts, got %d", len(resp.Accounts))
	}
}

func TestUnfreeze_requiresOperator(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")
	if _, err := w.bank.SystemFreeze(ctx, "science", "test-rule", "suspicious"); err != nil {
		t.Fatal(err)
	}

	rec := w.postJSON(t, "/api/v1/agents/science/unfreeze", gin.H{"reason": "cleared"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok := w.operatorToken(t)
	rec = w.postJSON(t, "/api/v1/agents/science/unfreeze", gin.H{"reason": "cleared"},
		"Authorization", "Bearer "+tok)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	acct, _ := w.proj.Snapshot().Account("science")
	if acct.State != projector.Active {
		t.Errorf("expected account active after unfreeze, got %s", acct.State)
	}
}

func TestTreasuryGrant_operatorGated(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")

	rec := w.postJSON(t, "/api/v1/treasury/grant", gin.H{"to": "science", "amount": 500})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok := w.operatorToken(t)
	rec = w.postJSON(t, "/api/v1/treasury/grant", gin.H{"to": "science", "amount": 500},
		"Authorization", "Bearer "+tok)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d: %s", rec.Code, rec.Body.String())
	}

	acct, _ := w.proj.Snapshot().Account("science")
	if acct.Balance != 500 {
		t.Errorf("expected balance 500 after grant, got %d", acct.Balance)
	}
}

func TestAuthToken_401_wrongSecret(t *testing.T) {
	w := setupRouter(t)
	rec := w.postJSON(t, "/api/v1/auth/token", gin.H{"operator": "ops", "secret": "wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOracleHealth_200(t *testing.T) {
	w := setupRouter(t)
	rec := w.get(t, "/api/v1/oracle/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report oracle.Report
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Narrative == "" {
		t.Error("health summary has no narrative")
	}
}

func TestOracleAsk_200(t *testing.T) {
	w := setupRouter(t)
	w.register(t, "science")
	if _, err := w.bank.SystemFreeze(ctx, "science", "velocity-cap", "too many transfers"); err != nil {
		t.Fatal(err)
	}

	rec := w.postJSON(t, "/api/v1/oracle/ask", gin.H{"question": "why is science frozen?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report oracle.Report
	json.Unmarshal(rec.Body.Bytes(), &report)
	if len(report.Entries) == 0 {
		t.Error("freeze explanation carries no evidence entries")
	}
}
