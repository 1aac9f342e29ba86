package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"twofa-service/internal/config"
	"twofa-service/internal/encryption"
	"twofa-service/internal/flow"
	"twofa-service/internal/phoneotp"
	"twofa-service/internal/profile"
	"twofa-service/internal/session"
	"twofa-service/internal/totp"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{Environment: "development"}
	cfg.TOTP.Issuer = "twofa-service"
	cfg.TOTP.Digits = 6
	cfg.TOTP.Period = 30 * time.Second
	cfg.TOTP.WindowSteps = 1
	cfg.TOTP.MaxAttempts = 5
	cfg.PhoneOTP.CodeLength = 6
	cfg.PhoneOTP.TTL = 10 * time.Minute
	cfg.PhoneOTP.CountdownSeconds = 300
	cfg.PhoneOTP.ResendCooldown = 30 * time.Second
	cfg.PhoneOTP.MaxAttempts = 3
	cfg.Session.TTL = 24 * time.Hour
	cfg.Session.Issuer = "twofa-service"
	cfg.Flow.SessionTTL = 15 * time.Minute

	issuer, err := session.NewIssuer(cfg, session.NewMemoryCache())
	require.NoError(t, err)

	profiles := profile.NewMemoryStore()
	m := flow.NewManager(
		cfg,
		profiles,
		phoneotp.NewMemoryStore(cfg.PhoneOTP.CodeLength, cfg.PhoneOTP.TTL),
		issuer,
		&discardSender{},
		encryption.NewManager(cfg, nil),
		nil,
		nil,
	)
	t.Cleanup(m.Close)

	authHandler := NewAuthHandler(m, issuer, profiles, cfg, zap.NewNop(), nil)
	srv := httptest.NewServer(NewRouter(authHandler, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

type discardSender struct{}

func (discardSender) SendSMS(_ context.Context, _, _ string) error { return nil }

func postJSON(t *testing.T, url string, body map[string]string) (*http.Response, Response) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func dataString(t *testing.T, envelope Response, key string) string {
	t.Helper()
	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object")
	val, _ := data[key].(string)
	return val
}

func enrollUser(t *testing.T, srv *httptest.Server, username string) (flowID, token string) {
	t.Helper()

	resp, envelope := postJSON(t, srv.URL+"/api/v1/auth/totp/start",
		map[string]string{"username": username})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	flowID = dataString(t, envelope, "flow_id")
	secret := dataString(t, envelope, "secret")
	require.NotEmpty(t, secret)

	code, err := totp.DeriveCode(secret, totp.DefaultParams("twofa-service", username), time.Now())
	require.NoError(t, err)

	resp, envelope = postJSON(t, srv.URL+"/api/v1/auth/totp/verify",
		map[string]string{"flow_id": flowID, "code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "authenticated", dataString(t, envelope, "state"))

	token = dataString(t, envelope, "session_token")
	require.NotEmpty(t, token)
	return flowID, token
}

func TestEnrollmentOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := postJSON(t, srv.URL+"/api/v1/auth/totp/start",
		map[string]string{"username": "ananya"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "totp_signup", dataString(t, envelope, "kind"))
	assert.Equal(t, "enrolling_secret", dataString(t, envelope, "state"))
	assert.Contains(t, dataString(t, envelope, "otpauth_uri"), "otpauth://totp/")

	flowID := dataString(t, envelope, "flow_id")

	qrResp, err := http.Get(srv.URL + "/api/v1/auth/totp/qr/" + flowID)
	require.NoError(t, err)
	defer qrResp.Body.Close()
	assert.Equal(t, http.StatusOK, qrResp.StatusCode)
	assert.Equal(t, "image/png", qrResp.Header.Get("Content-Type"))
}

func TestVerifyIssuesSession(t *testing.T) {
	srv := newTestServer(t)
	enrollUser(t, srv, "ananya")
}

func TestWrongCodeRejected(t *testing.T) {
	srv := newTestServer(t)

	_, envelope := postJSON(t, srv.URL+"/api/v1/auth/totp/start",
		map[string]string{"username": "ananya"})
	flowID := dataString(t, envelope, "flow_id")

	resp, envelope := postJSON(t, srv.URL+"/api/v1/auth/totp/verify",
		map[string]string{"flow_id": flowID, "code": "000000"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, envelope.Success)
}

func TestUnknownFlowReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/api/v1/auth/totp/verify",
		map[string]string{"flow_id": "2f1f0a38-0000-4000-8000-000000000000", "code": "123456"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMalformedBodyReturns400(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/auth/totp/start", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPhoneVerificationOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := postJSON(t, srv.URL+"/api/v1/auth/phone/start",
		map[string]string{"phone": "+1 (555) 123-4567"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	flowID := dataString(t, envelope, "flow_id")
	debugCode := dataString(t, envelope, "debug_code")
	require.NotEmpty(t, debugCode, "development responses carry the code")

	data, _ := envelope.Data.(map[string]interface{})
	assert.InDelta(t, 300, data["countdown_seconds"], 1)

	resp, envelope = postJSON(t, srv.URL+"/api/v1/auth/phone/verify",
		map[string]string{"flow_id": flowID, "code": debugCode})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", dataString(t, envelope, "state"))
}

func TestPhoneResendBlockedInsideCooldown(t *testing.T) {
	srv := newTestServer(t)

	_, envelope := postJSON(t, srv.URL+"/api/v1/auth/phone/start",
		map[string]string{"phone": "+15551234567"})
	flowID := dataString(t, envelope, "flow_id")

	resp, envelope := postJSON(t, srv.URL+"/api/v1/auth/phone/resend",
		map[string]string{"flow_id": flowID})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, envelope.Success)
}

func TestChainedPhoneFlowMarksProfile(t *testing.T) {
	srv := newTestServer(t)

	parentID, _ := enrollUser(t, srv, "ananya")

	resp, envelope := postJSON(t, srv.URL+"/api/v1/auth/phone/start",
		map[string]string{"flow_id": parentID, "phone": "+15557654321"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	flowID := dataString(t, envelope, "flow_id")
	debugCode := dataString(t, envelope, "debug_code")

	resp, envelope = postJSON(t, srv.URL+"/api/v1/auth/phone/verify",
		map[string]string{"flow_id": flowID, "code": debugCode})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", dataString(t, envelope, "state"))
}

func getSession(t *testing.T, srv *httptest.Server, token string) (*http.Response, Response) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/auth/session", nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func TestSessionEndpointReturnsProfile(t *testing.T) {
	srv := newTestServer(t)

	_, token := enrollUser(t, srv, "ananya")

	resp, envelope := getSession(t, srv, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, envelope.Success)

	assert.Equal(t, "ananya", dataString(t, envelope, "username"))
	assert.NotEmpty(t, dataString(t, envelope, "user_id"))
	data, _ := envelope.Data.(map[string]interface{})
	assert.Equal(t, true, data["totp_enabled"])
}

func TestSessionEndpointRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := getSession(t, srv, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, envelope.Success)
}

func TestSessionEndpointRejectsGarbageToken(t *testing.T) {
	srv := newTestServer(t)

	resp, envelope := getSession(t, srv, "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, envelope.Success)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/auth/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
