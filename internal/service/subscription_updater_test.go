package service

import (
	"context"
	"testing"
	"time"

	"paybridge/internal/gateway"
	"paybridge/internal/model"
	"paybridge/internal/testutil"
	"paybridge/pkg/payerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPaymentOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodCard, model.ProviderMercadoPago, "2c93808489", "35.00")
	snap := paidSnapshot("35.00")

	applied, err := f.updater.ApplyPayment(ctx, tr, &snap)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.updater.ApplyPayment(ctx, tr, &snap)
	require.NoError(t, err)
	assert.False(t, applied)

	user := f.reloadUser(t)
	require.NotNil(t, user.LastPaymentAt)
	assert.True(t, paidAt.Equal(*user.LastPaymentAt))
	assert.Equal(t, model.PaymentMethodCard, user.PaymentMethod)
	assert.EqualValues(t, 1, f.count(t, &model.OutboxMessage{}, "topic = ?", testTopics.PaymentConfirmed))
}

func TestApplyPaymentWithoutPaidAtUsesClock(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	f.updater.now = func() time.Time { return now }
	tr := testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodCard, model.ProviderMercadoPago, "abc", "35.00")

	applied, err := f.updater.ApplyPayment(context.Background(), tr, &gateway.StatusSnapshot{Status: model.TransactionStatusPaid})
	require.NoError(t, err)
	assert.True(t, applied)

	user := f.reloadUser(t)
	require.NotNil(t, user.PurchaseDeadline)
	assert.True(t, now.AddDate(0, 0, 30).Equal(*user.PurchaseDeadline))

	stored := f.reloadTransaction(t, "abc")
	require.True(t, stored.PaidAmount.Valid)
	assert.Equal(t, "35.00", stored.PaidAmount.Decimal.StringFixed(2))
}

func TestApplyRejectsWrongSnapshotStatus(t *testing.T) {
	f := newFixture(t)
	tr := testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid35", "35.00")

	_, err := f.updater.ApplyPayment(context.Background(), tr, &gateway.StatusSnapshot{Status: model.TransactionStatusPending})
	assert.ErrorIs(t, err, payerr.ErrStatusMismatch)

	_, err = f.updater.ApplyCancellation(context.Background(), tr, &gateway.StatusSnapshot{Status: model.TransactionStatusPaid})
	assert.ErrorIs(t, err, payerr.ErrStatusMismatch)

	assert.Equal(t, model.TransactionStatusPending, f.reloadTransaction(t, "txid35").Status)
}

func TestCancellationAfterPaymentIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid35", "35.00")
	require.NoError(t, f.db.Create(&model.PixCharge{
		UserID:        f.user.ID,
		TransactionID: tr.ID,
		TxID:          "txid35",
		Amount:        tr.Amount,
		Status:        model.PixChargeStatusActive,
		PaymentStatus: model.PixPaymentPending,
	}).Error)

	snap := paidSnapshot("35.00")
	applied, err := f.updater.ApplyPayment(ctx, tr, &snap)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = f.updater.ApplyCancellation(ctx, tr, &gateway.StatusSnapshot{Status: model.TransactionStatusCancelled})
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, model.TransactionStatusPaid, f.reloadTransaction(t, "txid35").Status)
	var charge model.PixCharge
	require.NoError(t, f.db.Where("txid = ?", "txid35").First(&charge).Error)
	assert.Equal(t, model.PixPaymentPaid, charge.PaymentStatus)
}

func TestCancelledPixChargeIsRemovedByPSP(t *testing.T) {
	f := newFixture(t)
	tr := testutil.SeedTransaction(t, f.db, f.user.ID, f.plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid35", "35.00")
	require.NoError(t, f.db.Create(&model.PixCharge{
		UserID:        f.user.ID,
		TransactionID: tr.ID,
		TxID:          "txid35",
		Amount:        tr.Amount,
		Status:        model.PixChargeStatusActive,
		PaymentStatus: model.PixPaymentPending,
	}).Error)

	applied, err := f.updater.ApplyCancellation(context.Background(), tr, &gateway.StatusSnapshot{
		Status:       model.TransactionStatusCancelled,
		ChargeStatus: model.PixChargeStatusActive,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	var charge model.PixCharge
	require.NoError(t, f.db.Where("txid = ?", "txid35").First(&charge).Error)
	assert.Equal(t, model.PixPaymentCancelled, charge.PaymentStatus)
	assert.Equal(t, model.PixChargeStatusRemovedByPSP, charge.Status)
}
