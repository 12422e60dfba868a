package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paybridge/internal/config"
	"paybridge/internal/gateway"
	"paybridge/internal/infrastructure/mq"
	"paybridge/internal/model"
	"paybridge/internal/repository"
	"paybridge/internal/service"
	"paybridge/internal/testutil"
	"paybridge/pkg/payerr"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var business = config.BusinessConfig{MaxRetryCount: 2, ReconcileAfterMinutes: 30, OutboxIntervalMillis: 100}

func TestOutboxSenderRelaysAndMarksSent(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	require.NoError(t, repo.Enqueue(context.Background(), nil, "payment_confirmed", "PAY1", model.PaymentConfirmedEvent{OrderNo: "PAY1"}))
	require.NoError(t, repo.Enqueue(context.Background(), nil, "pix_charge_created", "PAY2", model.PixChargeCreatedEvent{TxID: "t2"}))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if !assert.Contains(t, string(val), `"order_no":"PAY1"`) {
			return errors.New("unexpected payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	sender := NewOutboxSender(db, mq.NewProducer(producer), business, zap.NewNop())
	sender.processPendingMessages(context.Background())
	require.NoError(t, producer.Close())

	pending, err := repo.GetPendingMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestOutboxSenderMarksFailedAfterMaxRetry(t *testing.T) {
	db := testutil.NewDB(t)
	repo := repository.NewOutboxRepository(db)
	require.NoError(t, repo.Enqueue(context.Background(), nil, "payment_confirmed", "PAY1", model.PaymentConfirmedEvent{OrderNo: "PAY1"}))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewOutboxSender(db, mq.NewProducer(producer), business, zap.NewNop())
	sender.processPendingMessages(context.Background())

	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)

	sender.processPendingMessages(context.Background())
	require.NoError(t, producer.Close())

	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)

	// FAILED 之后不再投递
	sender.processPendingMessages(context.Background())
}

func TestOutboxSenderStops(t *testing.T) {
	db := testutil.NewDB(t)
	sender := NewOutboxSender(db, mq.NewProducer(mocks.NewSyncProducer(t, nil)), business, zap.NewNop())

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sender did not stop")
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	seen  []gateway.Notification
	fail  map[string]error
	apply bool
}

func (h *recordingHandler) HandleNotification(_ context.Context, n gateway.Notification) (service.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, n)
	if err := h.fail[n.ExternalID]; err != nil {
		return service.Outcome{}, err
	}
	if h.apply {
		return service.Outcome{Applied: true, Reason: service.ReasonApplied, Status: model.TransactionStatusPaid}, nil
	}
	return service.Outcome{Reason: service.ReasonPending}, nil
}

func TestReconcileFeedsStalePendingToCorrelator(t *testing.T) {
	db := testutil.NewDB(t)
	user := testutil.SeedUser(t, db)
	plan := testutil.SeedPlan(t, db, "35.00")
	testutil.SeedTransaction(t, db, user.ID, plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid-a", "35.00")
	testutil.SeedTransaction(t, db, user.ID, plan.ID, model.PaymentMethodCard, model.ProviderMercadoPago, "2c9380", "35.00")
	paid := testutil.SeedTransaction(t, db, user.ID, plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid-paid", "35.00")
	require.NoError(t, db.Model(paid).Update("status", model.TransactionStatusPaid).Error)

	h := &recordingHandler{
		apply: true,
		fail:  map[string]error{"2c9380": payerr.E(payerr.KindGatewayUnavailable, "mercadopago", errors.New("503"))},
	}
	j := NewReconcileJob(db, h, business.ReconcileAfter(), zap.NewNop())
	j.now = func() time.Time { return time.Now().Add(time.Hour) }

	applied := j.reconcile(context.Background())
	assert.Equal(t, 1, applied)

	require.Len(t, h.seen, 2)
	ids := []string{h.seen[0].ExternalID, h.seen[1].ExternalID}
	assert.ElementsMatch(t, []string{"txid-a", "2c9380"}, ids)
	for _, n := range h.seen {
		assert.Equal(t, gateway.NotificationReconcile, n.Type)
		assert.Equal(t, gateway.DeclaredUnknown, n.Declared)
		assert.NotEmpty(t, n.Provider)
	}
}

func TestReconcileSkipsRecentTransactions(t *testing.T) {
	db := testutil.NewDB(t)
	user := testutil.SeedUser(t, db)
	plan := testutil.SeedPlan(t, db, "35.00")
	testutil.SeedTransaction(t, db, user.ID, plan.ID, model.PaymentMethodPix, model.ProviderEfi, "txid-a", "35.00")

	h := &recordingHandler{}
	j := NewReconcileJob(db, h, business.ReconcileAfter(), zap.NewNop())

	assert.Zero(t, j.reconcile(context.Background()))
	assert.Empty(t, h.seen)
}

func TestDeadlineBlockAfterGracePeriod(t *testing.T) {
	db := testutil.NewDB(t)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	seed := func(name string, deadline *time.Time) *model.User {
		u := &model.User{Name: name, Email: name + "@example.com", PurchaseDeadline: deadline}
		require.NoError(t, db.Create(u).Error)
		return u
	}
	longAgo := now.AddDate(0, 0, -10)
	withinGrace := now.AddDate(0, 0, -3)
	future := now.AddDate(0, 0, 20)

	overdue := seed("overdue", &longAgo)
	grace := seed("grace", &withinGrace)
	active := seed("active", &future)
	never := seed("never", nil)

	j := NewDeadlineBlockJob(db, config.SubscriptionConfig{RenewalPeriodDays: 30, GracePeriodDays: 7}, zap.NewNop())
	j.now = func() time.Time { return now }

	assert.Equal(t, 1, j.blockOverdueUsers(context.Background()))
	assert.Zero(t, j.blockOverdueUsers(context.Background()))

	for _, tc := range []struct {
		user    *model.User
		blocked bool
	}{
		{overdue, true},
		{grace, false},
		{active, false},
		{never, false},
	} {
		var u model.User
		require.NoError(t, db.First(&u, tc.user.ID).Error)
		assert.Equal(t, tc.blocked, u.Blocked, u.Name)
	}
}
