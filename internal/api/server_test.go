package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"presale/internal/config"
	perrors "presale/internal/errors"
	"presale/internal/validation"
	"presale/pkg/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type jsonBody map[string]string

type fakeState struct {
	snap       models.PresaleSnapshot
	refreshErr error
	refreshes  int
}

func (f *fakeState) Snapshot() models.PresaleSnapshot { return f.snap }
func (f *fakeState) Errors() perrors.ErrorStats       { return perrors.ErrorStats{} }
func (f *fakeState) ForceRefresh(ctx context.Context) error {
	f.refreshes++
	return f.refreshErr
}

type fakeSession struct {
	session    models.WalletSession
	connectErr error
	switchErr  error
}

func (f *fakeSession) Snapshot() models.WalletSession { return f.session }
func (f *fakeSession) LastError() string              { return "" }
func (f *fakeSession) Disconnect()                    { f.session = models.WalletSession{} }
func (f *fakeSession) SwitchToTargetChain(ctx context.Context) error {
	return f.switchErr
}
func (f *fakeSession) Connect(ctx context.Context) (models.WalletSession, error) {
	if f.connectErr != nil {
		return models.WalletSession{}, f.connectErr
	}
	f.session = models.WalletSession{Address: testAddress, ChainID: "0x61", IsTargetChain: true}
	return f.session, nil
}

type fakePresale struct {
	contributed decimal.Decimal
	claimedBy   string
	claimErr    error
	withdrawRec *models.TxRecord
	withdrawErr error
}

func (f *fakePresale) Contribute(ctx context.Context, amount decimal.Decimal) (*models.TxRecord, error) {
	f.contributed = amount
	return &models.TxRecord{ID: "tx-1", Operation: "contribute", Status: models.TxStatusSuccess, Value: amount, TxHash: "0xabc"}, nil
}

func (f *fakePresale) ClaimTokens(ctx context.Context, address string) (*models.TxRecord, error) {
	f.claimedBy = address
	return nil, f.claimErr
}

func (f *fakePresale) WithdrawContribution(ctx context.Context, address string) (*models.TxRecord, error) {
	return f.withdrawRec, f.withdrawErr
}

func (f *fakePresale) Eligibility(ctx context.Context, address string) (*models.Eligibility, error) {
	return &models.Eligibility{Address: address, Contribution: decimal.NewFromInt(1), CanClaim: true}, nil
}

func (f *fakePresale) GetUserTokenAllocation(ctx context.Context, address string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1000), nil
}

type fakeHistory struct{}

func (fakeHistory) RecentTransactions(limit int) ([]*models.TxRecord, error) {
	records := []*models.TxRecord{{ID: "tx-2"}, {ID: "tx-1"}}
	if limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

type fixture struct {
	server  *Server
	state   *fakeState
	session *fakeSession
	presale *fakePresale
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	now := time.Unix(1000, 0)
	f := &fixture{
		state: &fakeState{snap: models.PresaleSnapshot{
			Config: &models.PresaleConfig{
				StartTime:       900,
				EndTime:         1600,
				TokenPrice:      decimal.RequireFromString("0.001"),
				HardCap:         decimal.NewFromInt(10),
				MinContribution: decimal.RequireFromString("0.01"),
				MaxContribution: decimal.NewFromInt(2),
			},
			Counters: &models.PresaleCounters{TokensSold: decimal.NewFromInt(5)},
			Status:   models.StatusActive,
			Sequence: 4,
		}},
		session: &fakeSession{},
		presale: &fakePresale{},
	}
	f.server = NewServer(Deps{
		State:     f.state,
		Session:   f.session,
		Presale:   f.presale,
		Reader:    f.presale,
		Validator: validation.NewValidator(logger, true),
		History:   fakeHistory{},
		Nodes:     func() map[string]interface{} { return map[string]interface{}{"primary": map[string]interface{}{"is_healthy": true}} },
	}, logger, 0, false)
	f.server.now = func() time.Time { return now }
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	// 未匹配路由由gin返回纯文本404，只解析JSON响应
	var out map[string]interface{}
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "presale-api", body["service"])

	f.state.snap.Error = "Failed to fetch presale information. Please try again later."
	_, body = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "degraded", body["status"])

	rec, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, body)
}

func TestServer_GetPresale(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/v1/presale", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50.00", body["progress"])

	countdown := body["countdown"].(map[string]interface{})
	assert.Equal(t, "until_end", countdown["phase"])
	assert.Equal(t, float64(600), countdown["seconds"])

	snap := body["snapshot"].(map[string]interface{})
	assert.Equal(t, "Active", snap["status"])
	assert.Equal(t, float64(4), snap["sequence"])
}

func TestServer_RefreshFailureKeepsSnapshot(t *testing.T) {
	f := newFixture(t)
	f.state.refreshErr = perrors.NewRPCError("poolInfo", errors.New("timeout"))

	rec, body := f.do(t, http.MethodPost, "/api/v1/presale/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "Failed to fetch presale information. Please try again later.", body["error"])
	assert.NotNil(t, body["snapshot"])
	assert.Equal(t, 1, f.state.refreshes)
}

func TestServer_SessionLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/session/connect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	session := body["session"].(map[string]interface{})
	assert.Equal(t, testAddress, session["address"])

	f.session.switchErr = perrors.NewUserRejectedError(errors.New("User rejected the request."))
	rec, body = f.do(t, http.MethodPost, "/api/v1/session/switch-chain", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Request was rejected in the wallet.", body["error"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/session/disconnect", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	session = body["session"].(map[string]interface{})
	assert.Nil(t, session["address"])

	f.session.connectErr = perrors.NewNoProviderError()
	rec, _ = f.do(t, http.MethodPost, "/api/v1/session/connect", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Contribute(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/contribute", jsonBody{"amount": "0.5"})
	require.Equal(t, http.StatusOK, rec.Code, body)
	assert.Equal(t, "0.5", f.presale.contributed.String())
	tx := body["transaction"].(map[string]interface{})
	assert.Equal(t, "0xabc", tx["tx_hash"])

	rec, body = f.do(t, http.MethodPost, "/api/v1/contribute", jsonBody{"amount": "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Maximum contribution is 2", body["error"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/contribute", jsonBody{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ClaimAndWithdraw(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodPost, "/api/v1/claim", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Please connect your wallet first.", body["error"])

	f.session.session = models.WalletSession{Address: testAddress}
	f.presale.claimErr = perrors.NewMethodUnavailableError("claimTokens")
	rec, body = f.do(t, http.MethodPost, "/api/v1/claim", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	assert.Equal(t, "claimTokens function not found in the contract", body["error"])
	assert.Equal(t, testAddress, f.presale.claimedBy)

	f.presale.withdrawRec = &models.TxRecord{ID: "tx-9", Status: models.TxStatusReverted, TxHash: "0xdead"}
	f.presale.withdrawErr = perrors.NewContractRevertError("claimRefund", "Soft cap reached", nil).WithTxHash("0xdead")
	rec, body = f.do(t, http.MethodPost, "/api/v1/withdraw", jsonBody{"address": testAddress})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "Soft cap reached", body["error"])
	assert.Equal(t, "0xdead", body["tx_hash"])
	assert.NotNil(t, body["transaction"])
}

func TestServer_AddressQueries(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/v1/eligibility/"+testAddress, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["can_claim"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/eligibility/0x123", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid address: 0x123", body["error"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/allocation/"+testAddress, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", body["allocation"])
}

func TestServer_TransactionsAndNodes(t *testing.T) {
	f := newFixture(t)

	rec, body := f.do(t, http.MethodGet, "/api/v1/transactions?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
}

func TestServer_Logs(t *testing.T) {
	f := newFixture(t)

	f.server.logger.WithField("component", "presale_store").Info("刷新完成")
	f.server.logger.Warn("节点不健康")

	rec, body := f.do(t, http.MethodGet, "/api/v1/logs?component=presale_store", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])

	_, body = f.do(t, http.MethodGet, "/api/v1/logs?level=warning", nil)
	assert.Equal(t, float64(1), body["total"])

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, body = f.do(t, http.MethodGet, "/api/v1/logs?component=presale_store", nil)
	assert.Equal(t, float64(0), body["total"])
}

type fakeSettings struct {
	updated map[string]string
	nodes   []*config.NodeConfig
}

func (f *fakeSettings) ListSettings() ([]config.Setting, error) {
	return []config.Setting{{Key: "chain_id", Value: "0x61", IsActive: true}}, nil
}
func (f *fakeSettings) UpdateSetting(key, value string) error {
	if key == "native_currency" {
		return errors.New("解析 native_currency 失败")
	}
	f.updated[key] = value
	return nil
}
func (f *fakeSettings) ListRPCNodes() ([]*config.NodeConfig, error) { return f.nodes, nil }
func (f *fakeSettings) AddRPCNode(node *config.NodeConfig) error {
	f.nodes = append(f.nodes, node)
	return nil
}
func (f *fakeSettings) SetRPCNodeActive(name string, active bool) error {
	return errors.New("节点不存在: " + name)
}
func (f *fakeSettings) ListKafkaTopics() (map[string]string, error) {
	return config.DefaultKafkaTopics(), nil
}

func TestConfigManager_Routes(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	settings := &fakeSettings{updated: map[string]string{}}

	f := newFixture(t)
	f.server = NewServer(Deps{
		State:     f.state,
		Session:   f.session,
		Presale:   f.presale,
		Reader:    f.presale,
		Validator: validation.NewValidator(logger, true),
		Settings:  NewConfigManager(settings, logger),
	}, logger, 0, false)

	rec, body := f.do(t, http.MethodGet, "/api/v1/config/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["settings"], 1)

	rec, _ = f.do(t, http.MethodPut, "/api/v1/config/settings", jsonBody{"key": "refresh_interval", "value": "10s"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10s", settings.updated["refresh_interval"])

	rec, _ = f.do(t, http.MethodPut, "/api/v1/config/settings", jsonBody{"key": "native_currency", "value": "{"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/config/nodes", map[string]interface{}{"name": "backup", "url": "https://rpc", "priority": 2})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, settings.nodes, 1)
	assert.Equal(t, 2, settings.nodes[0].Priority)

	rec, _ = f.do(t, http.MethodPut, "/api/v1/config/nodes/missing", map[string]interface{}{"is_active": false})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec, _ = f.do(t, http.MethodPut, "/api/v1/config/nodes/missing", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/config/kafka-topics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["topics"], "snapshots")
}
