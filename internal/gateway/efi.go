package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/model"
	"paybridge/pkg/payerr"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ============================================================================
// EFI Pay PIX 接口
// ============================================================================
//
// 认证：双向 TLS（EFI 签发的 .pem 证书）+ OAuth2 client_credentials。
// 证书与主机完全由 environment 决定：
//   sandbox    -> pix-h.api.efipay.com.br + hml 证书
//   production -> pix.api.efipay.com.br   + prd 证书
//
// 即时收款：PUT /v2/cob/{txid}
// 自动扣款：COB -> POST /v2/locrec -> POST /v2/rec -> GET /v2/rec/{id}?txid=
//
// ============================================================================

const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"

	efiSandboxHost    = "https://pix-h.api.efipay.com.br"
	efiProductionHost = "https://pix.api.efipay.com.br"

	// token 提前过期的余量
	tokenSkew = 60 * time.Second
)

var ErrUnknownEnvironment = errors.New("未知的 EFI 环境")

// EfiEndpoint 环境对应的 API 主机与证书配置
func EfiEndpoint(cfg config.EfiConfig) (host string, cred config.EfiCredentialConfig, err error) {
	switch cfg.Environment {
	case EnvSandbox:
		return efiSandboxHost, cfg.Sandbox, nil
	case EnvProduction:
		return efiProductionHost, cfg.Production, nil
	default:
		return "", config.EfiCredentialConfig{}, fmt.Errorf("%w: %q", ErrUnknownEnvironment, cfg.Environment)
	}
}

type Efi struct {
	client  *http.Client
	baseURL string
	env     string
	cred    config.EfiCredentialConfig
	pixKey  string
	expiry  int
	tokens  TokenCache
	log     *zap.Logger
	newTxID func() string
}

type EfiOption func(*Efi)

// WithHTTPClient 替换默认的 mTLS 客户端，测试时指向 httptest 服务
func WithHTTPClient(c *http.Client) EfiOption {
	return func(e *Efi) { e.client = c }
}

func WithBaseURL(u string) EfiOption {
	return func(e *Efi) { e.baseURL = strings.TrimRight(u, "/") }
}

func WithTxIDGenerator(f func() string) EfiOption {
	return func(e *Efi) { e.newTxID = f }
}

func NewEfi(cfg config.EfiConfig, timeout time.Duration, tokens TokenCache, log *zap.Logger, opts ...EfiOption) (*Efi, error) {
	host, cred, err := EfiEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	e := &Efi{
		baseURL: host,
		env:     cfg.Environment,
		cred:    cred,
		pixKey:  cfg.PixKey,
		expiry:  cfg.ChargeExpiry,
		tokens:  tokens,
		log:     log.Named("efi"),
		newTxID: NewTxID,
	}
	if cfg.BaseURL != "" {
		e.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if e.expiry <= 0 {
		e.expiry = 3600
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		cert, err := tls.LoadX509KeyPair(cred.CertificatePath, cred.CertificatePath)
		if err != nil {
			return nil, fmt.Errorf("加载 EFI 证书失败 (%s): %w", cred.CertificatePath, err)
		}
		e.client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				},
			},
		}
	}
	return e, nil
}

// NewTxID 32 位字母数字，满足 EFI 对 txid 26~35 位的要求
func NewTxID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *Efi) Provider() model.Provider {
	return model.ProviderEfi
}

type efiValor struct {
	Original string `json:"original"`
}

type efiPix struct {
	EndToEndID string    `json:"endToEndId"`
	TxID       string    `json:"txid"`
	Valor      string    `json:"valor"`
	Horario    time.Time `json:"horario"`
}

type efiCob struct {
	TxID       string `json:"txid"`
	Status     string `json:"status"`
	Location   string `json:"location"`
	PixCopiaEC string `json:"pixCopiaECola"`
	Calendario struct {
		Criacao   time.Time `json:"criacao"`
		Expiracao int       `json:"expiracao"`
	} `json:"calendario"`
	Loc struct {
		ID int64 `json:"id"`
	} `json:"loc"`
	Valor efiValor `json:"valor"`
	Pix   []efiPix `json:"pix"`
}

type efiRec struct {
	IDRec   string `json:"idRec"`
	Status  string `json:"status"`
	DadosQR struct {
		PixCopiaECola string `json:"pixCopiaECola"`
	} `json:"dadosQR"`
}

func (e *Efi) CreateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error) {
	const op = "efi.CreateCharge"
	if !req.Amount.IsPositive() {
		return nil, payerr.E(payerr.KindInvalidAmount, op, nil)
	}
	if req.Method != model.PaymentMethodPix {
		return nil, payerr.E(payerr.KindUnsupportedMethod, op, fmt.Errorf("method=%s", req.Method))
	}
	if req.Payer.CPF == "" || req.Payer.Name == "" {
		return nil, payerr.E(payerr.KindInvalidRequest, op, errors.New("缺少付款人 CPF 或姓名"))
	}

	txid := e.newTxID()
	amount := req.Amount.StringFixed(2)
	body := map[string]interface{}{
		"calendario": map[string]interface{}{"expiracao": e.expiry},
		"devedor": map[string]string{
			"cpf":  req.Payer.CPF,
			"nome": req.Payer.Name,
		},
		"valor":              map[string]string{"original": amount},
		"chave":              e.pixKey,
		"solicitacaoPagador": req.Description,
	}

	var cob efiCob
	raw, err := e.do(ctx, http.MethodPut, "/v2/cob/"+txid, body, &cob)
	if err != nil {
		return nil, err
	}

	expires := cob.Calendario.Criacao.Add(time.Duration(cob.Calendario.Expiracao) * time.Second)
	result := &ChargeResult{
		Provider:      model.ProviderEfi,
		CorrelationID: txid,
		LocationID:    strconv.FormatInt(cob.Loc.ID, 10),
		ChargeStatus:  mapEfiChargeStatus(cob.Status),
		QRCode:        &QRCode{CopyPaste: cob.PixCopiaEC, Link: cob.Location},
		Raw:           raw,
	}
	if !cob.Calendario.Criacao.IsZero() {
		result.ExpiresAt = &expires
	}

	if req.Periodicity != "" {
		if err := e.createRecurrence(ctx, req, txid, amount, result); err != nil {
			return nil, err
		}
	}

	e.log.Info("PIX 收款创建成功",
		zap.String("order_no", req.OrderNo),
		zap.String("txid", txid),
		zap.Bool("recurring", req.Periodicity != ""),
	)
	return result, nil
}

// createRecurrence 在即时收款之上建立自动扣款，二维码改为 REC 返回的组合码
func (e *Efi) createRecurrence(ctx context.Context, req *ChargeRequest, txid, amount string, result *ChargeResult) error {
	var loc struct {
		ID int64 `json:"id"`
	}
	if _, err := e.do(ctx, http.MethodPost, "/v2/locrec", nil, &loc); err != nil {
		return err
	}

	start := req.StartDate
	if start.IsZero() {
		start = time.Now()
	}
	recBody := map[string]interface{}{
		"vinculo": map[string]interface{}{
			"contrato": req.ContractNo,
			"devedor": map[string]string{
				"cpf":  req.Payer.CPF,
				"nome": req.Payer.Name,
			},
			"objeto": req.Description,
		},
		"calendario": map[string]string{
			"dataInicial":   start.Format("2006-01-02"),
			"periodicidade": string(req.Periodicity),
		},
		"valor":               map[string]string{"valorRec": amount},
		"politicaRetentativa": "NAO_PERMITE",
		"loc":                 loc.ID,
		"ativacao": map[string]interface{}{
			"dadosJornada": map[string]string{"txid": txid},
		},
	}

	var rec efiRec
	if _, err := e.do(ctx, http.MethodPost, "/v2/rec", recBody, &rec); err != nil {
		return err
	}

	var withQR efiRec
	path := fmt.Sprintf("/v2/rec/%s?txid=%s", url.PathEscape(rec.IDRec), url.QueryEscape(txid))
	if _, err := e.do(ctx, http.MethodGet, path, nil, &withQR); err != nil {
		return err
	}

	result.RecurrenceID = rec.IDRec
	if withQR.DadosQR.PixCopiaECola != "" {
		result.QRCode.CopyPaste = withQR.DadosQR.PixCopiaECola
	}
	return nil
}

func (e *Efi) FetchStatus(ctx context.Context, txid string) (*StatusSnapshot, error) {
	var cob efiCob
	raw, err := e.do(ctx, http.MethodGet, "/v2/cob/"+url.PathEscape(txid), nil, &cob)
	if err != nil {
		return nil, err
	}

	chargeStatus := mapEfiChargeStatus(cob.Status)
	snap := &StatusSnapshot{
		CorrelationID: txid,
		Status:        efiTransactionStatus(chargeStatus),
		ChargeStatus:  chargeStatus,
		MethodDetail:  "pix",
		Raw:           raw,
	}
	if snap.Status == model.TransactionStatusPaid {
		paid := cob.Valor.Original
		if len(cob.Pix) > 0 {
			paid = cob.Pix[0].Valor
			if !cob.Pix[0].Horario.IsZero() {
				at := cob.Pix[0].Horario
				snap.PaidAt = &at
			}
		}
		if d, err := decimal.NewFromString(paid); err == nil {
			snap.PaidAmount = nullDecimal(d)
		}
	}
	return snap, nil
}

func (e *Efi) FetchQRCode(ctx context.Context, locationID string) (*QRCode, error) {
	var resp struct {
		QRCode           string `json:"qrcode"`
		ImagemQRCode     string `json:"imagemQrcode"`
		LinkVisualizacao string `json:"linkVisualizacao"`
	}
	if _, err := e.do(ctx, http.MethodGet, "/v2/loc/"+url.PathEscape(locationID)+"/qrcode", nil, &resp); err != nil {
		return nil, err
	}
	return &QRCode{
		CopyPaste:   resp.QRCode,
		ImageBase64: resp.ImagemQRCode,
		Link:        resp.LinkVisualizacao,
	}, nil
}

type efiNotification struct {
	Pix []struct {
		EndToEndID string `json:"endToEndId"`
		TxID       string `json:"txid"`
		Valor      string `json:"valor"`
	} `json:"pix"`
}

// ParseNotification EFI 每次推送可包含多笔 pix，每笔都声明已到账
func (e *Efi) ParseNotification(raw []byte) ([]Notification, error) {
	var n efiNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, payerr.E(payerr.KindMalformedPayload, "efi.ParseNotification", err)
	}
	if len(n.Pix) == 0 {
		return []Notification{{Provider: model.ProviderEfi, Raw: json.RawMessage(raw)}}, nil
	}

	out := make([]Notification, 0, len(n.Pix))
	for _, p := range n.Pix {
		entry, _ := json.Marshal(p)
		notif := Notification{
			Provider:   model.ProviderEfi,
			Type:       NotificationPix,
			ExternalID: p.TxID,
			Declared:   DeclaredApproved,
			Raw:        entry,
		}
		if d, err := decimal.NewFromString(p.Valor); err == nil {
			notif.DeclaredAmount = nullDecimal(d)
		}
		out = append(out, notif)
	}
	return out, nil
}

func mapEfiChargeStatus(status string) model.PixChargeStatus {
	switch status {
	case "CONCLUIDA":
		return model.PixChargeStatusCompleted
	case "APROVADA":
		return model.PixChargeStatusApproved
	case "REMOVIDA_PELO_USUARIO_RECEBEDOR":
		return model.PixChargeStatusRemovedByPayee
	case "REMOVIDA_PELO_PSP":
		return model.PixChargeStatusRemovedByPSP
	default:
		return model.PixChargeStatusActive
	}
}

func efiTransactionStatus(s model.PixChargeStatus) model.TransactionStatus {
	switch s {
	case model.PixChargeStatusCompleted:
		return model.TransactionStatusPaid
	case model.PixChargeStatusRemovedByPayee, model.PixChargeStatusRemovedByPSP:
		return model.TransactionStatusCancelled
	default:
		return model.TransactionStatusPending
	}
}

// efiError EFI 的错误正文
type efiError struct {
	Nome     string `json:"nome"`
	Mensagem string `json:"mensagem"`
}

func (e *Efi) token(ctx context.Context) (string, error) {
	const op = "efi.token"
	key := efiTokenKey(e.env)
	if tok, ok := e.tokens.Get(ctx, key); ok {
		return tok, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/oauth/token",
		strings.NewReader(`{"grant_type":"client_credentials"}`))
	if err != nil {
		return "", payerr.E(payerr.KindGatewayUnavailable, op, err)
	}
	req.SetBasicAuth(e.cred.ClientID, e.cred.ClientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", payerr.E(payerr.KindGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", payerr.E(payerr.KindGatewayUnavailable, op, err)
	}
	if resp.StatusCode != http.StatusOK {
		e.log.Error("EFI 认证失败", zap.Int("status_code", resp.StatusCode), zap.ByteString("response", body))
		if resp.StatusCode >= 500 {
			return "", payerr.E(payerr.KindGatewayUnavailable, op, fmt.Errorf("status=%d", resp.StatusCode))
		}
		return "", payerr.E(payerr.KindGatewayRejected, op, fmt.Errorf("status=%d", resp.StatusCode))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", payerr.E(payerr.KindGatewayRejected, op, fmt.Errorf("token 响应无法解析: %v", err))
	}

	ttl := time.Duration(tok.ExpiresIn)*time.Second - tokenSkew
	if ttl > 0 {
		e.tokens.Set(ctx, key, tok.AccessToken, ttl)
	}
	return tok.AccessToken, nil
}

// do 发送带 token 的 JSON 请求并映射错误
//
// 网络错误与 5xx 为 GatewayUnavailable，404 为 NotFound，其余非 2xx 为 GatewayRejected。
func (e *Efi) do(ctx context.Context, method, path string, in, out interface{}) (json.RawMessage, error) {
	op := "efi " + method + " " + strings.SplitN(path, "?", 2)[0]

	tok, err := e.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, payerr.E(payerr.KindInvalidRequest, op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return nil, payerr.E(payerr.KindGatewayUnavailable, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn("EFI 请求失败", zap.String("op", op), zap.Error(err))
		return nil, payerr.E(payerr.KindGatewayUnavailable, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, payerr.E(payerr.KindGatewayUnavailable, op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr efiError
		_ = json.Unmarshal(body, &apiErr)
		e.log.Error("EFI 返回错误",
			zap.String("op", op),
			zap.Int("status_code", resp.StatusCode),
			zap.String("nome", apiErr.Nome),
			zap.String("mensagem", apiErr.Mensagem),
		)
		cause := fmt.Errorf("status=%d nome=%s", resp.StatusCode, apiErr.Nome)
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			e.tokens.Delete(ctx, efiTokenKey(e.env))
			return nil, payerr.E(payerr.KindGatewayUnavailable, op, cause)
		case resp.StatusCode == http.StatusNotFound:
			return nil, payerr.E(payerr.KindNotFound, op, cause)
		case resp.StatusCode >= 500:
			return nil, payerr.E(payerr.KindGatewayUnavailable, op, cause)
		default:
			return nil, payerr.E(payerr.KindGatewayRejected, op, cause)
		}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return nil, payerr.E(payerr.KindGatewayRejected, op, fmt.Errorf("响应无法解析: %w", err))
		}
	}
	return body, nil
}
