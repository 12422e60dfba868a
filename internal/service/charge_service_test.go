package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"paybridge/internal/model"
	"paybridge/internal/testutil"
	"paybridge/pkg/payerr"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCardChargeReturnsRedirect(t *testing.T) {
	f := newFixture(t)

	view, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodCard,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://mp.example/checkout", view.RedirectURL)
	assert.Equal(t, model.ProviderMercadoPago, view.Provider)
	assert.Equal(t, "2c93808489", view.CorrelationID)
	assert.Equal(t, 1, f.mp.createCalls)
	assert.Zero(t, f.efi.createCalls)

	assert.EqualValues(t, 0, f.count(t, &model.PixCharge{}))
	assert.EqualValues(t, 0, f.count(t, &model.OutboxMessage{}))
}

func TestCreatePixChargeStoresQRCode(t *testing.T) {
	f := newFixture(t)

	view, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodPix,
	})
	require.NoError(t, err)
	require.NotNil(t, view.QRCode)
	assert.Equal(t, "000201-copy", view.QRCode.CopyPaste)
	assert.Equal(t, "789", view.LocationID)

	var charge model.PixCharge
	require.NoError(t, f.db.Where("txid = ?", "txid35").First(&charge).Error)
	assert.Equal(t, "12345678909", charge.PayerCPF)
	assert.Equal(t, model.PixPaymentPending, charge.PaymentStatus)
	assert.Equal(t, "000201-copy", charge.CopyPaste)
}

func TestCreateAppliesCoupon(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&model.Coupon{
		Code:            "BEMVINDO10",
		DiscountPercent: decimal.NewFromInt(10),
		Active:          true,
	}).Error)

	view, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodPix,
		Coupon: "BEMVINDO10",
	})
	require.NoError(t, err)
	assert.Equal(t, "31.50", view.Amount)

	tr := f.reloadTransaction(t, "txid35")
	require.NotNil(t, tr.Coupon)
	assert.Equal(t, "BEMVINDO10", *tr.Coupon)
}

func TestCreateRejectsBeforeCallingGateway(t *testing.T) {
	expired := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) *CreateChargeRequest
		want  error
	}{
		{
			name: "unknown plan",
			setup: func(t *testing.T, f *fixture) *CreateChargeRequest {
				return &CreateChargeRequest{UserID: f.user.ID, PlanID: 999, Method: model.PaymentMethodPix}
			},
			want: payerr.ErrPlanNotFound,
		},
		{
			name: "unknown coupon",
			setup: func(t *testing.T, f *fixture) *CreateChargeRequest {
				return &CreateChargeRequest{UserID: f.user.ID, PlanID: f.plan.ID, Method: model.PaymentMethodPix, Coupon: "NOPE"}
			},
			want: payerr.ErrCouponInvalid,
		},
		{
			name: "expired coupon",
			setup: func(t *testing.T, f *fixture) *CreateChargeRequest {
				require.NoError(t, f.db.Create(&model.Coupon{
					Code:            "VELHO",
					DiscountPercent: decimal.NewFromInt(5),
					ExpiresAt:       &expired,
					Active:          true,
				}).Error)
				return &CreateChargeRequest{UserID: f.user.ID, PlanID: f.plan.ID, Method: model.PaymentMethodPix, Coupon: "VELHO"}
			},
			want: payerr.ErrCouponInvalid,
		},
		{
			name: "negative price",
			setup: func(t *testing.T, f *fixture) *CreateChargeRequest {
				plan := testutil.SeedPlan(t, f.db, "-5.00")
				return &CreateChargeRequest{UserID: f.user.ID, PlanID: plan.ID, Method: model.PaymentMethodPix}
			},
			want: payerr.ErrInvalidAmount,
		},
		{
			name: "full discount",
			setup: func(t *testing.T, f *fixture) *CreateChargeRequest {
				require.NoError(t, f.db.Create(&model.Coupon{
					Code:            "GRATIS",
					DiscountPercent: decimal.NewFromInt(100),
					Active:          true,
				}).Error)
				return &CreateChargeRequest{UserID: f.user.ID, PlanID: f.plan.ID, Method: model.PaymentMethodPix, Coupon: "GRATIS"}
			},
			want: payerr.ErrInvalidAmount,
		},
		{
			name: "unsupported method",
			setup: func(t *testing.T, f *fixture) *CreateChargeRequest {
				return &CreateChargeRequest{UserID: f.user.ID, PlanID: f.plan.ID, Method: "BOLETO"}
			},
			want: payerr.ErrUnsupportedMethod,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.charges.Create(context.Background(), tt.setup(t, f))
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.efi.createCalls)
			assert.Zero(t, f.mp.createCalls)
			assert.EqualValues(t, 0, f.count(t, &model.Transaction{}))
		})
	}
}

func TestCreateGatewayFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.efi.createErr = payerr.E(payerr.KindGatewayRejected, "efi PUT /v2/cob", errors.New("400"))

	_, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodPix,
	})
	assert.ErrorIs(t, err, payerr.ErrGatewayRejected)
	assert.EqualValues(t, 0, f.count(t, &model.Transaction{}))
	assert.EqualValues(t, 0, f.count(t, &model.PixCharge{}))
}

func TestCreatePersistenceFailureAfterGateway(t *testing.T) {
	f := newFixture(t)
	// 关联号已被占用，唯一索引冲突
	testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid35", "35.00")

	_, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodPix,
	})
	assert.ErrorIs(t, err, payerr.ErrPersistence)
	assert.Equal(t, 1, f.efi.createCalls)
	assert.EqualValues(t, 1, f.count(t, &model.Transaction{}))
	assert.EqualValues(t, 0, f.count(t, &model.OutboxMessage{}))
}

func TestGetOnlyOwnCharges(t *testing.T) {
	f := newFixture(t)
	view, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodPix,
	})
	require.NoError(t, err)

	got, err := f.charges.Get(context.Background(), f.user.ID, view.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, view.OrderNo, got.OrderNo)
	require.NotNil(t, got.QRCode)
	assert.Equal(t, "000201-copy", got.QRCode.CopyPaste)

	_, err = f.charges.Get(context.Background(), f.user.ID+1, view.OrderNo)
	assert.ErrorIs(t, err, payerr.ErrNotFound)

	_, err = f.charges.Get(context.Background(), f.user.ID, "PAY0")
	assert.ErrorIs(t, err, payerr.ErrNotFound)
}

func TestListPaginates(t *testing.T) {
	f := newFixture(t)
	for _, cid := range []string{"a1", "a2", "a3"} {
		testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodCard, model.ProviderMercadoPago, cid, "35.00")
	}

	views, total, err := f.charges.List(context.Background(), f.user.ID, 1, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, views, 2)

	views, _, err = f.charges.List(context.Background(), f.user.ID, 2, 2)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	views, total, err = f.charges.List(context.Background(), f.user.ID+1, 1, 20)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, views)
}

func TestQRCodeOnlyForOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.charges.Create(context.Background(), &CreateChargeRequest{
		UserID: f.user.ID,
		PlanID: f.plan.ID,
		Method: model.PaymentMethodPix,
	})
	require.NoError(t, err)

	qr, err := f.charges.QRCode(context.Background(), f.user.ID, "789")
	require.NoError(t, err)
	assert.Equal(t, "000201-qr", qr.CopyPaste)

	_, err = f.charges.QRCode(context.Background(), f.user.ID+1, "789")
	assert.ErrorIs(t, err, payerr.ErrNotFound)

	_, err = f.charges.QRCode(context.Background(), f.user.ID, "999")
	assert.ErrorIs(t, err, payerr.ErrNotFound)
}
