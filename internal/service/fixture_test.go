package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/gateway"
	"paybridge/internal/infrastructure/lock"
	"paybridge/internal/model"
	"paybridge/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var paidAt = time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)

type fakeGateway struct {
	provider model.Provider

	mu           sync.Mutex
	createCalls  int
	fetchCalls   int
	createResult *gateway.ChargeResult
	createErr    error
	snapshot     gateway.StatusSnapshot
	fetchErr     error
}

func (f *fakeGateway) Provider() model.Provider { return f.provider }

func (f *fakeGateway) CreateCharge(_ context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	res := *f.createResult
	res.Provider = f.provider
	return &res, nil
}

func (f *fakeGateway) FetchStatus(_ context.Context, id string) (*gateway.StatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	snap := f.snapshot
	snap.CorrelationID = id
	return &snap, nil
}

func (f *fakeGateway) FetchQRCode(context.Context, string) (*gateway.QRCode, error) {
	return &gateway.QRCode{CopyPaste: "000201-qr"}, nil
}

func (f *fakeGateway) ParseNotification(raw []byte) ([]gateway.Notification, error) {
	if f.provider == model.ProviderEfi {
		return (&gateway.Efi{}).ParseNotification(raw)
	}
	mp := gateway.NewMercadoPagoWithClients(nil, nil, config.MercadoPagoConfig{}, 0, zap.NewNop())
	return mp.ParseNotification(raw)
}

func (f *fakeGateway) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

func paidSnapshot(amount string) gateway.StatusSnapshot {
	at := paidAt
	return gateway.StatusSnapshot{
		Status:       model.TransactionStatusPaid,
		ChargeStatus: model.PixChargeStatusCompleted,
		PaidAmount:   decimal.NullDecimal{Decimal: decimal.RequireFromString(amount), Valid: true},
		PaidAt:       &at,
		MethodDetail: "pix",
	}
}

type fixture struct {
	db         *gorm.DB
	efi        *fakeGateway
	mp         *fakeGateway
	registry   *gateway.Registry
	updater    *SubscriptionUpdater
	correlator *Correlator
	charges    *ChargeService
	user       *model.User
	plan       *model.Plan
}

var testTopics = config.KafkaTopicConfig{
	PaymentConfirmed: "payment_confirmed",
	PixChargeCreated: "pix_charge_created",
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		db: db,
		efi: &fakeGateway{
			provider: model.ProviderEfi,
			createResult: &gateway.ChargeResult{
				CorrelationID: "txid35",
				LocationID:    "789",
				ChargeStatus:  model.PixChargeStatusActive,
				QRCode:        &gateway.QRCode{CopyPaste: "000201-copy"},
			},
			snapshot: paidSnapshot("35.00"),
		},
		mp: &fakeGateway{
			provider: model.ProviderMercadoPago,
			createResult: &gateway.ChargeResult{
				CorrelationID: "2c93808489",
				RedirectURL:   "https://mp.example/checkout",
			},
			snapshot: gateway.StatusSnapshot{Status: model.TransactionStatusPending},
		},
	}
	f.registry = gateway.NewRegistry(map[model.PaymentMethod]model.Provider{
		model.PaymentMethodPix:  model.ProviderEfi,
		model.PaymentMethodCard: model.ProviderMercadoPago,
	}, f.efi, f.mp)

	sub := config.SubscriptionConfig{RenewalPeriodDays: 30, GracePeriodDays: 7}
	f.updater = NewSubscriptionUpdater(db, sub, testTopics.PaymentConfirmed, zap.NewNop())
	f.correlator = NewCorrelator(db, f.registry, lock.NewLocalLocker(), f.updater, zap.NewNop())
	f.charges = NewChargeService(db, f.registry, testTopics, zap.NewNop())
	f.user = testutil.SeedUser(t, db)
	f.plan = testutil.SeedPlan(t, db, "35.00")
	return f
}

func (f *fixture) reloadUser(t *testing.T) *model.User {
	t.Helper()
	var u model.User
	require.NoError(t, f.db.First(&u, f.user.ID).Error)
	return &u
}

func (f *fixture) reloadTransaction(t *testing.T, correlationID string) *model.Transaction {
	t.Helper()
	var tr model.Transaction
	require.NoError(t, f.db.Where("correlation_id = ?", correlationID).First(&tr).Error)
	return &tr
}

func (f *fixture) count(t *testing.T, m interface{}, where ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(m)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func efiPayload(txid, valor string) []byte {
	return []byte(`{"pix":[{"endToEndId":"E18236120202405011005","txid":"` + txid + `","valor":"` + valor + `","horario":"2024-05-01T10:05:00Z"}]}`)
}
