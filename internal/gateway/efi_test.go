package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"paybridge/internal/config"
	"paybridge/internal/model"
	"paybridge/pkg/payerr"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTxID = "a1b2c3d4e5f6a7b8c9d0e1f2a3b4c5d6"

type efiFake struct {
	srv       *httptest.Server
	calls     int32
	tokenHits int32
	cobStatus string
	cobCode   int
	lastBody  map[string]interface{}
}

func newEfiFake(t *testing.T) *efiFake {
	t.Helper()
	f := &efiFake{cobStatus: "ATIVA", cobCode: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenHits, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client-id", user)
		assert.Equal(t, "client-secret", pass)
		w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v2/cob/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.calls, 1)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		txid := strings.TrimPrefix(r.URL.Path, "/v2/cob/")
		if r.Method == http.MethodPut {
			json.NewDecoder(r.Body).Decode(&f.lastBody)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"txid":"` + txid + `","status":"ATIVA","location":"pix.example.com/qr/v2/9d36","pixCopiaECola":"000201-copy","calendario":{"criacao":"2024-05-01T10:00:00Z","expiracao":3600},"loc":{"id":789},"valor":{"original":"35.00"}}`))
			return
		}
		if f.cobCode != http.StatusOK {
			w.WriteHeader(f.cobCode)
			w.Write([]byte(`{"nome":"cobranca_nao_encontrada","mensagem":"x"}`))
			return
		}
		body := `{"txid":"` + txid + `","status":"` + f.cobStatus + `","valor":{"original":"35.00"}`
		if f.cobStatus == "CONCLUIDA" {
			body += `,"pix":[{"endToEndId":"E1","txid":"` + txid + `","valor":"35.00","horario":"2024-05-01T10:05:00Z"}]`
		}
		w.Write([]byte(body + "}"))
	})
	mux.HandleFunc("/v2/locrec", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.calls, 1)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":55}`))
	})
	mux.HandleFunc("/v2/rec", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.calls, 1)
		json.NewDecoder(r.Body).Decode(&f.lastBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"idRec":"RR1234","status":"CRIADA"}`))
	})
	mux.HandleFunc("/v2/rec/RR1234", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.calls, 1)
		assert.Equal(t, testTxID, r.URL.Query().Get("txid"))
		w.Write([]byte(`{"idRec":"RR1234","dadosQR":{"pixCopiaECola":"000201-rec"}}`))
	})
	mux.HandleFunc("/v2/loc/789/qrcode", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"qrcode":"000201-copy","imagemQrcode":"data:image/png;base64,AAA","linkVisualizacao":"https://pix.example.com/v/789"}`))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testEfiConfig() config.EfiConfig {
	return config.EfiConfig{
		Environment: EnvSandbox,
		Sandbox:     config.EfiCredentialConfig{ClientID: "client-id", ClientSecret: "client-secret"},
		PixKey:      "contato@example.com.br",
	}
}

func newTestEfi(t *testing.T, f *efiFake, cache TokenCache) *Efi {
	t.Helper()
	e, err := NewEfi(testEfiConfig(), 0, cache, zap.NewNop(),
		WithHTTPClient(f.srv.Client()),
		WithBaseURL(f.srv.URL),
		WithTxIDGenerator(func() string { return testTxID }),
	)
	require.NoError(t, err)
	return e
}

func pixRequest(amount string) *ChargeRequest {
	return &ChargeRequest{
		OrderNo:     "PAY1",
		Method:      model.PaymentMethodPix,
		Amount:      decimal.RequireFromString(amount),
		Description: "Plano Mensal",
		Payer:       Payer{Name: "Maria Silva", Email: "maria@example.com", CPF: "12345678909"},
	}
}

func TestEfiEndpointByEnvironment(t *testing.T) {
	cfg := config.EfiConfig{
		Sandbox:    config.EfiCredentialConfig{CertificatePath: "hml.pem"},
		Production: config.EfiCredentialConfig{CertificatePath: "prd.pem"},
	}

	cfg.Environment = EnvSandbox
	host, cred, err := EfiEndpoint(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://pix-h.api.efipay.com.br", host)
	assert.Equal(t, "hml.pem", cred.CertificatePath)

	cfg.Environment = EnvProduction
	host, cred, err = EfiEndpoint(cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://pix.api.efipay.com.br", host)
	assert.Equal(t, "prd.pem", cred.CertificatePath)

	cfg.Environment = "staging"
	_, _, err = EfiEndpoint(cfg)
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestEfiMissingCertificate(t *testing.T) {
	cfg := testEfiConfig()
	cfg.Sandbox.CertificatePath = "/nonexistent/hml.pem"
	_, err := NewEfi(cfg, 0, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestEfiCreateChargeRejectsNonPositiveAmount(t *testing.T) {
	f := newEfiFake(t)
	e := newTestEfi(t, f, nil)

	for _, amount := range []string{"-5", "0"} {
		_, err := e.CreateCharge(context.Background(), pixRequest(amount))
		assert.ErrorIs(t, err, payerr.ErrInvalidAmount)
	}
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.calls))
	assert.EqualValues(t, 0, atomic.LoadInt32(&f.tokenHits))
}

func TestEfiCreateImmediateCharge(t *testing.T) {
	f := newEfiFake(t)
	e := newTestEfi(t, f, nil)

	res, err := e.CreateCharge(context.Background(), pixRequest("35"))
	require.NoError(t, err)

	assert.Equal(t, testTxID, res.CorrelationID)
	assert.Equal(t, "789", res.LocationID)
	assert.Equal(t, "000201-copy", res.QRCode.CopyPaste)
	assert.Equal(t, model.PixChargeStatusActive, res.ChargeStatus)
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, "2024-05-01T11:00:00Z", res.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))

	valor := f.lastBody["valor"].(map[string]interface{})
	assert.Equal(t, "35.00", valor["original"])
	assert.Equal(t, "contato@example.com.br", f.lastBody["chave"])
}

func TestEfiCreateRecurringCharge(t *testing.T) {
	f := newEfiFake(t)
	e := newTestEfi(t, f, nil)

	req := pixRequest("35.00")
	req.Periodicity = model.PeriodicityMonthly
	req.ContractNo = "CT123"
	res, err := e.CreateCharge(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "RR1234", res.RecurrenceID)
	assert.Equal(t, "000201-rec", res.QRCode.CopyPaste)
	assert.Equal(t, "NAO_PERMITE", f.lastBody["politicaRetentativa"])
	cal := f.lastBody["calendario"].(map[string]interface{})
	assert.Equal(t, "MENSAL", cal["periodicidade"])
	assert.EqualValues(t, 4, atomic.LoadInt32(&f.calls))
}

func TestEfiFetchStatus(t *testing.T) {
	tests := []struct {
		cobStatus string
		want      model.TransactionStatus
		charge    model.PixChargeStatus
	}{
		{"ATIVA", model.TransactionStatusPending, model.PixChargeStatusActive},
		{"CONCLUIDA", model.TransactionStatusPaid, model.PixChargeStatusCompleted},
		{"REMOVIDA_PELO_USUARIO_RECEBEDOR", model.TransactionStatusCancelled, model.PixChargeStatusRemovedByPayee},
		{"REMOVIDA_PELO_PSP", model.TransactionStatusCancelled, model.PixChargeStatusRemovedByPSP},
	}
	for _, tt := range tests {
		t.Run(tt.cobStatus, func(t *testing.T) {
			f := newEfiFake(t)
			f.cobStatus = tt.cobStatus
			e := newTestEfi(t, f, nil)

			snap, err := e.FetchStatus(context.Background(), testTxID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, snap.Status)
			assert.Equal(t, tt.charge, snap.ChargeStatus)
			if tt.want == model.TransactionStatusPaid {
				require.True(t, snap.PaidAmount.Valid)
				assert.Equal(t, "35.00", snap.PaidAmount.Decimal.StringFixed(2))
				require.NotNil(t, snap.PaidAt)
			} else {
				assert.False(t, snap.PaidAmount.Valid)
			}
		})
	}
}

func TestEfiErrorMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, payerr.ErrNotFound},
		{http.StatusBadRequest, payerr.ErrGatewayRejected},
		{http.StatusServiceUnavailable, payerr.ErrGatewayUnavailable},
	}
	for _, tt := range tests {
		f := newEfiFake(t)
		f.cobCode = tt.code
		e := newTestEfi(t, f, nil)

		_, err := e.FetchStatus(context.Background(), testTxID)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.code)
	}
}

func TestEfiNetworkFailureIsUnavailable(t *testing.T) {
	f := newEfiFake(t)
	e := newTestEfi(t, f, nil)
	f.srv.Close()

	_, err := e.FetchStatus(context.Background(), testTxID)
	assert.ErrorIs(t, err, payerr.ErrGatewayUnavailable)
}

func TestEfiTokenCachedInRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newEfiFake(t)
	e := newTestEfi(t, f, NewRedisTokenCache(client))

	_, err := e.FetchStatus(context.Background(), testTxID)
	require.NoError(t, err)
	_, err = e.FetchStatus(context.Background(), testTxID)
	require.NoError(t, err)

	assert.EqualValues(t, 1, atomic.LoadInt32(&f.tokenHits))
	got, err := mr.Get("efi:token:sandbox")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got)
	assert.True(t, mr.TTL("efi:token:sandbox") > 0)
}

func TestEfiFetchQRCode(t *testing.T) {
	f := newEfiFake(t)
	e := newTestEfi(t, f, nil)

	qr, err := e.FetchQRCode(context.Background(), "789")
	require.NoError(t, err)
	assert.Equal(t, "000201-copy", qr.CopyPaste)
	assert.Equal(t, "https://pix.example.com/v/789", qr.Link)
}

func TestEfiParseNotification(t *testing.T) {
	e := &Efi{}

	list, err := e.ParseNotification([]byte(`{"pix":[{"endToEndId":"E1","txid":"t1","valor":"35.00","horario":"2024-05-01T10:05:00Z"},{"endToEndId":"E2","txid":"t2","valor":"10.00"}]}`))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t1", list[0].ExternalID)
	assert.Equal(t, NotificationPix, list[0].Type)
	assert.Equal(t, DeclaredApproved, list[0].Declared)
	assert.Equal(t, "35.00", list[0].DeclaredAmount.Decimal.StringFixed(2))

	list, err = e.ParseNotification([]byte(`{"evento":"teste_webhook"}`))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].ExternalID)

	_, err = e.ParseNotification([]byte(`not json`))
	assert.ErrorIs(t, err, payerr.ErrMalformedPayload)
}

func TestNewTxIDFormat(t *testing.T) {
	id := NewTxID()
	assert.Len(t, id, 32)
	for _, r := range id {
		assert.True(t, (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z'))
	}
}
