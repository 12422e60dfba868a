package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"paybridge/internal/model"
	"paybridge/pkg/payerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	provider model.Provider
}

func (s stubGateway) Provider() model.Provider { return s.provider }
func (s stubGateway) CreateCharge(context.Context, *ChargeRequest) (*ChargeResult, error) {
	return nil, nil
}
func (s stubGateway) FetchStatus(context.Context, string) (*StatusSnapshot, error) { return nil, nil }
func (s stubGateway) FetchQRCode(context.Context, string) (*QRCode, error)         { return nil, nil }
func (s stubGateway) ParseNotification([]byte) ([]Notification, error)            { return nil, nil }

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry(map[model.PaymentMethod]model.Provider{
		model.PaymentMethodPix:  model.ProviderEfi,
		model.PaymentMethodCard: model.ProviderMercadoPago,
	}, stubGateway{model.ProviderEfi}, stubGateway{model.ProviderMercadoPago})

	g, err := r.ForMethod(model.PaymentMethodPix)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderEfi, g.Provider())

	g, err = r.ForMethod(model.PaymentMethodCard)
	require.NoError(t, err)
	assert.Equal(t, model.ProviderMercadoPago, g.Provider())

	_, err = r.ForMethod("BOLETO")
	assert.ErrorIs(t, err, payerr.ErrUnsupportedMethod)

	empty := NewRegistry(map[model.PaymentMethod]model.Provider{model.PaymentMethodPix: model.ProviderEfi})
	_, err = empty.ForMethod(model.PaymentMethodPix)
	assert.ErrorIs(t, err, payerr.ErrUnsupportedMethod)
}

func TestDetectProvider(t *testing.T) {
	p, ok := DetectProvider([]byte(`{"pix":[]}`))
	assert.True(t, ok)
	assert.Equal(t, model.ProviderEfi, p)

	p, ok = DetectProvider([]byte(`{"type":"payment","data":{"id":"1"}}`))
	assert.True(t, ok)
	assert.Equal(t, model.ProviderMercadoPago, p)

	_, ok = DetectProvider([]byte(`{"foo":1}`))
	assert.False(t, ok)
	_, ok = DetectProvider([]byte(`garbage`))
	assert.False(t, ok)
}

func TestFlexID(t *testing.T) {
	var v struct {
		A flexID `json:"a"`
		B flexID `json:"b"`
		C flexID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":123,"b":" x1 ","c":null}`), &v))
	assert.Equal(t, flexID("123"), v.A)
	assert.Equal(t, flexID("x1"), v.B)
	assert.Equal(t, flexID(""), v.C)
}

func TestRecognized(t *testing.T) {
	assert.True(t, Recognized(NotificationPayment))
	assert.True(t, Recognized(NotificationPix))
	assert.False(t, Recognized("merchant_order"))
	assert.False(t, Recognized(""))
}
