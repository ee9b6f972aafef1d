package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamclub/allocator/api/controllers"
	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/claims"
	"github.com/streamclub/allocator/internal/events"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/internal/pending"
	"github.com/streamclub/allocator/internal/tokens"
	"github.com/streamclub/allocator/pkg/auth"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db/dbtest"
	"github.com/streamclub/allocator/pkg/enums"
	pkgerrors "github.com/streamclub/allocator/pkg/errors"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/outbox"
)

const (
	adminID int64 = 1
	aliceID int64 = 2
	bobID   int64 = 3
)

type memoryIdempotency struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memoryIdempotency) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memoryIdempotency) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	return true, nil
}

func (m *memoryIdempotency) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key], _ = value.(string)
	return nil
}

func (m *memoryIdempotency) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryIdempotency) IdempotencyKey(scope, id string) string {
	return scope + ":" + id
}

type stubProvisioner struct {
	next int
}

func (s *stubProvisioner) CreateAccount(context.Context, string, string) (string, error) {
	s.next++
	return fmt.Sprintf("nd-%d", s.next), nil
}
func (s *stubProvisioner) DeleteAccount(context.Context, string) error         { return nil }
func (s *stubProvisioner) RenameAccount(context.Context, string, string) error { return nil }
func (s *stubProvisioner) ResetPassword(context.Context, string, string) error { return nil }

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type server struct {
	t       *testing.T
	handler http.Handler
	cfg     *config.Config
	ledger  ledger.Service
}

func newServer(t *testing.T, ready map[string]controllers.Pinger) *server {
	t.Helper()
	cfg := &config.Config{
		App:     config.AppConfig{Env: "test"},
		JWT:     config.JWTConfig{Secret: "test-secret", Issuer: "allocator", ExpirationMinutes: 60},
		Tokens:  config.TokensConfig{CodeLength: 8, ExpireDays: 7, Price: 100, SystemEnabled: true, IssueMaxAttempts: 5},
		Claims:  config.ClaimsConfig{MaxAttempts: 3},
		Pending: config.PendingConfig{TTL: 5 * time.Minute},
	}
	client := dbtest.Open(t)
	emitter := outbox.NewService(outbox.NewRepository(client.DB()), nil)
	reg := prometheus.NewRegistry()
	allocMetrics := metrics.NewAllocationMetrics(reg)

	ledgerSvc, err := ledger.NewService(ledger.ServiceParams{
		DB:      client,
		Repo:    ledger.NewRepository(client.DB()),
		Outbox:  emitter,
		Metrics: allocMetrics,
		Config:  config.ScoreConfig{SignInMaxDelta: 10, Timezone: "UTC"},
	})
	require.NoError(t, err)
	accountSvc, err := accounts.NewService(accounts.ServiceParams{
		DB:          client,
		Repo:        accounts.NewRepository(client.DB()),
		Provisioner: &stubProvisioner{},
		Outbox:      emitter,
		Config:      config.AccountsConfig{InitialDays: 30},
		Password:    config.PasswordConfig{Length: 12, ArgonMemoryKB: 64, ArgonTime: 1, ArgonParallelism: 1},
	})
	require.NoError(t, err)
	tokenSvc, err := tokens.NewService(tokens.ServiceParams{
		DB:       client,
		Repo:     tokens.NewRepository(client.DB()),
		Ledger:   ledgerSvc,
		Accounts: accountSvc,
		Outbox:   emitter,
		Metrics:  allocMetrics,
		Config:   cfg.Tokens,
	})
	require.NoError(t, err)
	eventRepo := events.NewRepository(client.DB())
	eventSvc, err := events.NewService(events.ServiceParams{
		DB:      client,
		Repo:    eventRepo,
		Ledger:  ledgerSvc,
		Outbox:  emitter,
		Metrics: allocMetrics,
	})
	require.NoError(t, err)
	claimSvc, err := claims.NewService(claims.ServiceParams{
		DB:      client,
		Repo:    eventRepo,
		Ledger:  ledgerSvc,
		Outbox:  emitter,
		Metrics: allocMetrics,
		Config:  cfg.Claims,
	})
	require.NoError(t, err)
	pendingSvc, err := pending.NewService(pending.ServiceParams{
		Repo:   pending.NewRepository(client.DB()),
		Config: cfg.Pending,
	})
	require.NoError(t, err)
	controllers.RegisterConfirmedActions(pendingSvc, controllers.ConfirmedActions{
		Tokens:   tokenSvc,
		Ledger:   ledgerSvc,
		Accounts: accountSvc,
	})

	handler := NewRouter(Deps{
		Config:      cfg,
		Logger:      logger.Nop(),
		Ready:       ready,
		Idempotency: &memoryIdempotency{data: map[string]string{}},
		Metrics:     reg,
		Ledger:      ledgerSvc,
		Tokens:      tokenSvc,
		Events:      eventSvc,
		Claims:      claimSvc,
		Accounts:    accountSvc,
		Pending:     pendingSvc,
	})
	return &server{t: t, handler: handler, cfg: cfg, ledger: ledgerSvc}
}

type call struct {
	method string
	path   string
	userID int64
	role   enums.Role
	body   any
	idem   string
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string          `json:"code"`
		Reason  string          `json:"reason"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func (s *server) do(c call) (*httptest.ResponseRecorder, envelope) {
	s.t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(s.t, json.NewEncoder(&body).Encode(c.body))
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.userID != 0 {
		role := c.role
		if role == "" {
			role = enums.RoleUser
		}
		token, err := auth.MintAccessToken(s.cfg.JWT, time.Now(), auth.AccessTokenPayload{UserID: c.userID, Role: role})
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.idem != "" {
		req.Header.Set("Idempotency-Key", c.idem)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s *server) credit(userID, amount int64) {
	s.t.Helper()
	_, err := s.ledger.Credit(context.Background(), userID, amount)
	require.NoError(s.t, err)
}

func TestHealthEndpoints(t *testing.T) {
	s := newServer(t, map[string]controllers.Pinger{
		"db":    pingerFunc(func(context.Context) error { return nil }),
		"redis": pingerFunc(func(context.Context) error { return errors.New("down") }),
	})

	rec, _ := s.do(call{method: http.MethodGet, path: "/health/live"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(call{method: http.MethodGet, path: "/health/ready"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(pkgerrors.CodeDependency), env.Error.Code)

	rec, _ = s.do(call{method: http.MethodGet, path: "/metrics"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAndRoles(t *testing.T) {
	s := newServer(t, nil)

	rec, _ := s.do(call{method: http.MethodGet, path: "/api/v1/score"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/admin/tokens", userID: aliceID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdminCreditIsIdempotent(t *testing.T) {
	s := newServer(t, nil)
	credit := call{
		method: http.MethodPost,
		path:   "/api/v1/admin/score/credit",
		userID: adminID,
		role:   enums.RoleAdmin,
		body:   map[string]int64{"user_id": aliceID, "amount": 250},
		idem:   "credit-1",
	}

	rec, first := s.do(credit)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, replay := s.do(credit)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first.Data), string(replay.Data))

	balance, err := s.ledger.Balance(context.Background(), aliceID)
	require.NoError(t, err)
	assert.Equal(t, int64(250), balance)

	credit.idem = ""
	rec, _ = s.do(credit)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferAndInsufficientBalance(t *testing.T) {
	s := newServer(t, nil)
	s.credit(aliceID, 30)

	rec, env := s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/score/transfer",
		userID: aliceID,
		body:   map[string]int64{"to_user_id": bobID, "amount": 50},
		idem:   "t-1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(pkgerrors.ReasonInsufficientBalance), env.Error.Reason)

	rec, env = s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/score/transfer",
		userID: aliceID,
		body:   map[string]int64{"to_user_id": bobID, "amount": 20},
		idem:   "t-2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result ledger.TransferResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, int64(10), result.FromBalance)
	assert.Equal(t, int64(20), result.ToBalance)

	rec, _ = s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/score/transfer",
		userID: aliceID,
		body:   map[string]int64{"to_user_id": bobID, "amount": 0},
		idem:   "t-3",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventCreateAndClaim(t *testing.T) {
	s := newServer(t, nil)
	s.credit(aliceID, 100)

	rec, env := s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/events",
		userID: aliceID,
		body:   map[string]int64{"total_pool": 100, "participant_count": 2},
		idem:   "ev-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Event struct {
			ID string `json:"id"`
		} `json:"event"`
		Remaining int `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.Event.ID)
	assert.Equal(t, 2, created.Remaining)

	claimPath := "/api/v1/events/" + created.Event.ID + "/claim"
	rec, _ = s.do(call{method: http.MethodPost, path: claimPath, userID: bobID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = s.do(call{method: http.MethodPost, path: claimPath, userID: bobID})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(pkgerrors.ReasonAlreadyClaimed), env.Error.Reason)

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/events/not-a-uuid", userID: bobID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetBalanceRequiresConfirmation(t *testing.T) {
	s := newServer(t, nil)
	s.credit(aliceID, 40)

	rec, env := s.do(call{
		method: http.MethodPut,
		path:   "/api/v1/admin/score/balance",
		userID: adminID,
		role:   enums.RoleAdmin,
		body:   map[string]int64{"user_id": aliceID, "amount": 5},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(pkgerrors.ReasonConfirmationNeeded), env.Error.Reason)
	var confirmation struct {
		Token string `json:"token"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.Unmarshal(env.Error.Details, &confirmation))
	assert.Equal(t, string(enums.PendingSetBalance), confirmation.Kind)

	balance, err := s.ledger.Balance(context.Background(), aliceID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance, "nothing changes before confirmation")

	confirmPath := "/api/v1/pending/" + confirmation.Token + "/confirm"
	rec, _ = s.do(call{method: http.MethodPost, path: confirmPath, userID: bobID})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(call{method: http.MethodPost, path: confirmPath, userID: adminID, role: enums.RoleAdmin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	balance, err = s.ledger.Balance(context.Background(), aliceID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	rec, env = s.do(call{method: http.MethodPost, path: confirmPath, userID: adminID, role: enums.RoleAdmin})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(pkgerrors.ReasonAlreadyUsed), env.Error.Reason)
}

func TestIssueAndRedeemInvite(t *testing.T) {
	s := newServer(t, nil)

	rec, env := s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/admin/tokens",
		userID: adminID,
		role:   enums.RoleAdmin,
		body:   map[string]string{"kind": "invite"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var token struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &token))
	require.Len(t, token.Code, 8)

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/account", userID: aliceID})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/tokens/redeem",
		userID: aliceID,
		body:   map[string]string{"code": token.Code, "username": "alice"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var redeemed struct {
		Password string `json:"password"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &redeemed))
	assert.NotEmpty(t, redeemed.Password)

	rec, _ = s.do(call{method: http.MethodGet, path: "/api/v1/account", userID: aliceID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env = s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/tokens/redeem",
		userID: bobID,
		body:   map[string]string{"code": token.Code, "username": "bobby"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, string(pkgerrors.ReasonAlreadyUsed), env.Error.Reason)
}

func TestAccountSelfService(t *testing.T) {
	s := newServer(t, nil)

	rec, env := s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/admin/tokens",
		userID: adminID,
		role:   enums.RoleAdmin,
		body:   map[string]string{"kind": "invite"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var token struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &token))

	rec, _ = s.do(call{
		method: http.MethodPost,
		path:   "/api/v1/tokens/redeem",
		userID: aliceID,
		body:   map[string]string{"code": token.Code, "username": "alice"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = s.do(call{method: http.MethodPatch, path: "/api/v1/account", userID: aliceID, body: map[string]string{"username": "alicia"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var account struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &account))
	assert.Equal(t, "alicia", account.Username)

	rec, env = s.do(call{method: http.MethodPost, path: "/api/v1/account/password", userID: aliceID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reset struct {
		Password string `json:"password"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &reset))
	assert.Len(t, reset.Password, 12)

	rec, _ = s.do(call{method: http.MethodPost, path: "/api/v1/account/password", userID: bobID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
