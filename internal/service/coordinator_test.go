package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alpredoben/flash-sale-sub001/internal/auth"
	"github.com/alpredoben/flash-sale-sub001/internal/cache"
	"github.com/alpredoben/flash-sale-sub001/internal/domain"
	"github.com/alpredoben/flash-sale-sub001/internal/event"
	"github.com/alpredoben/flash-sale-sub001/internal/ledger"
	"github.com/alpredoben/flash-sale-sub001/internal/repository"
	"github.com/alpredoben/flash-sale-sub001/pkg/database"
	apperrors "github.com/alpredoben/flash-sale-sub001/pkg/errors"
)

// --- Mock ItemRepository ---

type mockItemRepository struct {
	mock.Mock
}

func (m *mockItemRepository) GetByID(ctx context.Context, id string) (*domain.Item, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Item), args.Error(1)
}

func (m *mockItemRepository) GetForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Item, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Item), args.Error(1)
}

func (m *mockItemRepository) UpdateLedger(ctx context.Context, q repository.Querier, item *domain.Item) error {
	args := m.Called(ctx, item)
	return args.Error(0)
}

func (m *mockItemRepository) RecordMovement(ctx context.Context, q repository.Querier, mv *domain.StockMovement) error {
	args := m.Called(ctx, mv)
	return args.Error(0)
}

func (m *mockItemRepository) ListInconsistent(ctx context.Context) ([]domain.ConsistencyViolation, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.ConsistencyViolation), args.Error(1)
}

func (m *mockItemRepository) FixInconsistent(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockItemRepository) ListLowStock(ctx context.Context, threshold, page, limit int) ([]domain.Item, int, error) {
	args := m.Called(ctx, threshold, page, limit)
	return args.Get(0).([]domain.Item), args.Int(1), args.Error(2)
}

// --- Mock ReservationRepository ---

type mockReservationRepository struct {
	mock.Mock
}

func (m *mockReservationRepository) Create(ctx context.Context, q repository.Querier, res *domain.Reservation) error {
	args := m.Called(ctx, res)
	return args.Error(0)
}

func (m *mockReservationRepository) GetByID(ctx context.Context, id string) (*domain.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *mockReservationRepository) GetForUpdate(ctx context.Context, q repository.Querier, id string) (*domain.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Reservation), args.Error(1)
}

func (m *mockReservationRepository) ListByUser(ctx context.Context, userID, status string, page, limit int) ([]domain.Reservation, int, error) {
	args := m.Called(ctx, userID, status, page, limit)
	return args.Get(0).([]domain.Reservation), args.Int(1), args.Error(2)
}

func (m *mockReservationRepository) FindExpired(ctx context.Context, limit int) ([]domain.Reservation, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]domain.Reservation), args.Error(1)
}

func (m *mockReservationRepository) TransitionStatus(ctx context.Context, q repository.Querier, id, to string, reason *string) (bool, error) {
	args := m.Called(ctx, id, to, reason)
	return args.Bool(0), args.Error(1)
}

func (m *mockReservationRepository) CountCommittedQuantity(ctx context.Context, q repository.Querier, userID, itemID string) (int, error) {
	args := m.Called(ctx, userID, itemID)
	return args.Int(0), args.Error(1)
}

// --- Mock Publisher ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) ReservationCreated(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient) error {
	args := m.Called(ctx, res, item, rcpt)
	return args.Error(0)
}

func (m *mockPublisher) ReservationConfirmed(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient) error {
	args := m.Called(ctx, res, item, rcpt)
	return args.Error(0)
}

func (m *mockPublisher) ReservationCancelled(ctx context.Context, res *domain.Reservation, item *domain.Item, rcpt event.Recipient, reason string) error {
	args := m.Called(ctx, res, item, rcpt, reason)
	return args.Error(0)
}

// --- Mock PrincipalSource ---

type mockPrincipalSource struct {
	mock.Mock
}

func (m *mockPrincipalSource) GetPrincipal(ctx context.Context, userID string) (*auth.Principal, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*auth.Principal), args.Error(1)
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	coordinator  *Coordinator
	pool         pgxmock.PgxPoolIface
	items        *mockItemRepository
	reservations *mockReservationRepository
	publisher    *mockPublisher
	principals   *mockPrincipalSource
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := newTestLogger()
	items := new(mockItemRepository)
	reservations := new(mockReservationRepository)
	publisher := new(mockPublisher)
	principals := new(mockPrincipalSource)

	stockLedger := ledger.New(pool, items, logger)
	c := NewCoordinator(pool, stockLedger, items, reservations, publisher, principals, 10*time.Minute, logger)

	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	return &fixture{
		coordinator:  c,
		pool:         pool,
		items:        items,
		reservations: reservations,
		publisher:    publisher,
		principals:   principals,
		now:          now,
	}
}

func saleItem() *domain.Item {
	return &domain.Item{
		ID:             "item-1",
		SKU:            "FLASH-001",
		Name:           "Limited Edition Sneaker",
		Price:          decimal.NewFromInt(100),
		Stock:          50,
		ReservedStock:  5,
		AvailableStock: 45,
		Status:         domain.ItemStatusActive,
		MaxPerUser:     2,
		Version:        1,
	}
}

func pendingReservation(userID string, expiresAt time.Time) *domain.Reservation {
	return &domain.Reservation{
		ID:              "res-1",
		ReservationCode: "RSV-20260615-ABCDEF",
		UserID:          userID,
		ItemID:          "item-1",
		Quantity:        2,
		UnitPrice:       decimal.NewFromInt(100),
		TotalPrice:      decimal.NewFromInt(200),
		Status:          domain.ReservationStatusPending,
		ExpiresAt:       expiresAt,
	}
}

// --- Create ---

func TestCoordinator_Create_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := saleItem()

	f.pool.ExpectBegin()
	f.pool.ExpectCommit()

	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.reservations.On("CountCommittedQuantity", ctx, "user-1", "item-1").Return(0, nil)
	f.items.On("UpdateLedger", ctx, mock.Anything).Return(nil)
	f.items.On("RecordMovement", ctx, mock.Anything).Return(nil)
	f.reservations.On("Create", ctx, mock.Anything).Return(nil)
	f.principals.On("GetPrincipal", ctx, "user-1").Return(&auth.Principal{
		UserID: "user-1", Email: "u1@example.com", Name: "User One",
	}, nil)
	f.publisher.On("ReservationCreated", ctx, mock.Anything, mock.Anything,
		event.Recipient{Email: "u1@example.com", Name: "User One"}).Return(nil)

	res, err := f.coordinator.Create(ctx, CreateInput{UserID: "user-1", ItemID: "item-1", Quantity: 2})
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationStatusPending, res.Status)
	assert.Equal(t, "user-1", res.UserID)
	assert.Equal(t, 2, res.Quantity)
	assert.True(t, decimal.NewFromInt(200).Equal(res.TotalPrice))
	assert.Equal(t, f.now.Add(10*time.Minute), res.ExpiresAt)
	assert.NotEmpty(t, res.ID)
	assert.Contains(t, res.ReservationCode, "RSV-20260615-")

	// The ledger hold was taken inside the same transaction.
	assert.Equal(t, 7, item.ReservedStock)
	assert.Equal(t, 43, item.AvailableStock)

	f.publisher.AssertExpectations(t)
	assert.NoError(t, f.pool.ExpectationsWereMet())
}

func TestCoordinator_Create_QuotaExceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := saleItem() // MaxPerUser: 2

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.reservations.On("CountCommittedQuantity", ctx, "user-1", "item-1").Return(1, nil)

	_, err := f.coordinator.Create(ctx, CreateInput{UserID: "user-1", ItemID: "item-1", Quantity: 2})
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// Nothing was reserved and nothing was published.
	f.items.AssertNotCalled(t, "UpdateLedger", mock.Anything, mock.Anything)
	f.publisher.AssertNotCalled(t, "ReservationCreated", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Create_SaleWindowClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := saleItem()
	end := f.now.Add(-time.Hour)
	item.SaleEndDate = &end

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)

	_, err := f.coordinator.Create(ctx, CreateInput{UserID: "user-1", ItemID: "item-1", Quantity: 1})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCoordinator_Create_InsufficientStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := saleItem()
	item.AvailableStock = 1
	item.ReservedStock = 49
	item.MaxPerUser = 0 // no per-user cap

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)

	_, err := f.coordinator.Create(ctx, CreateInput{UserID: "user-1", ItemID: "item-1", Quantity: 2})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientStock)

	f.reservations.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestCoordinator_Create_RejectsZeroQuantity(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.Create(context.Background(), CreateInput{UserID: "user-1", ItemID: "item-1", Quantity: 0})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

// --- Checkout ---

func TestCoordinator_Checkout_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))
	item := saleItem()

	f.pool.ExpectBegin()
	f.pool.ExpectCommit()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)
	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.items.On("UpdateLedger", ctx, mock.Anything).Return(nil)
	f.items.On("RecordMovement", ctx, mock.Anything).Return(nil)
	f.reservations.On("TransitionStatus", ctx, "res-1", domain.ReservationStatusConfirmed, (*string)(nil)).Return(true, nil)
	f.principals.On("GetPrincipal", ctx, "user-1").Return(nil, cache.ErrMiss)
	f.publisher.On("ReservationConfirmed", ctx, mock.Anything, mock.Anything, event.Recipient{}).Return(nil)

	confirmed, err := f.coordinator.Checkout(ctx, "res-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusConfirmed, confirmed.Status)

	// Confirm decrements both stock and reserved.
	assert.Equal(t, 48, item.Stock)
	assert.Equal(t, 3, item.ReservedStock)
	f.publisher.AssertExpectations(t)
}

func TestCoordinator_Checkout_NotOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-2", f.now.Add(5*time.Minute))

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)

	_, err := f.coordinator.Checkout(ctx, "res-1", "user-1")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestCoordinator_Checkout_AlreadyTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))
	res.Status = domain.ReservationStatusCancelled

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)

	_, err := f.coordinator.Checkout(ctx, "res-1", "user-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCoordinator_Checkout_ExpiredHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Hold lapsed but the sweeper has not visited yet; checkout must refuse
	// and leave the release to the sweeper.
	res := pendingReservation("user-1", f.now.Add(-time.Second))

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)

	_, err := f.coordinator.Checkout(ctx, "res-1", "user-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	f.items.AssertNotCalled(t, "UpdateLedger", mock.Anything, mock.Anything)
}

func TestCoordinator_Checkout_AtDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// The deadline belongs to the sweeper: a checkout landing exactly at
	// expires_at is refused like any other lapsed hold.
	res := pendingReservation("user-1", f.now)

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)

	_, err := f.coordinator.Checkout(ctx, "res-1", "user-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	f.items.AssertNotCalled(t, "UpdateLedger", mock.Anything, mock.Anything)
}

func TestCoordinator_Checkout_LosesTransitionRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))
	item := saleItem()

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)
	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.items.On("UpdateLedger", ctx, mock.Anything).Return(nil)
	f.items.On("RecordMovement", ctx, mock.Anything).Return(nil)
	f.reservations.On("TransitionStatus", ctx, "res-1", domain.ReservationStatusConfirmed, (*string)(nil)).Return(false, nil)

	_, err := f.coordinator.Checkout(ctx, "res-1", "user-1")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	f.publisher.AssertNotCalled(t, "ReservationConfirmed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// --- Cancel ---

func TestCoordinator_Cancel_ByOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))
	item := saleItem()

	f.pool.ExpectBegin()
	f.pool.ExpectCommit()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)
	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.items.On("UpdateLedger", ctx, mock.Anything).Return(nil)
	f.items.On("RecordMovement", ctx, mock.Anything).Return(nil)
	f.reservations.On("TransitionStatus", ctx, "res-1", domain.ReservationStatusCancelled, mock.Anything).Return(true, nil)
	f.principals.On("GetPrincipal", ctx, "user-1").Return(nil, cache.ErrMiss)
	f.publisher.On("ReservationCancelled", ctx, mock.Anything, mock.Anything, event.Recipient{}, "changed my mind").Return(nil)

	cancelled, err := f.coordinator.Cancel(ctx, "res-1", "user-1", auth.RoleCustomer, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)
	assert.Equal(t, "changed my mind", *cancelled.CancellationReason)

	// Release returns the hold to available.
	assert.Equal(t, 3, item.ReservedStock)
	assert.Equal(t, 47, item.AvailableStock)
}

func TestCoordinator_Cancel_AdminBypassesOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))
	item := saleItem()

	f.pool.ExpectBegin()
	f.pool.ExpectCommit()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)
	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.items.On("UpdateLedger", ctx, mock.Anything).Return(nil)
	f.items.On("RecordMovement", ctx, mock.Anything).Return(nil)
	f.reservations.On("TransitionStatus", ctx, "res-1", domain.ReservationStatusCancelled, mock.Anything).Return(true, nil)
	f.principals.On("GetPrincipal", ctx, "user-1").Return(nil, cache.ErrMiss)
	f.publisher.On("ReservationCancelled", ctx, mock.Anything, mock.Anything, event.Recipient{}, "fraud review").Return(nil)

	_, err := f.coordinator.Cancel(ctx, "res-1", "admin-1", auth.RoleAdmin, "fraud review")
	require.NoError(t, err)
}

func TestCoordinator_Cancel_StrangerForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))

	f.pool.ExpectBegin()
	f.pool.ExpectRollback()

	f.reservations.On("GetForUpdate", ctx, "res-1").Return(res, nil)

	_, err := f.coordinator.Cancel(ctx, "res-1", "user-2", auth.RoleCustomer, "")
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

// --- Publish retry ---

func TestCoordinator_Create_PublishFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := saleItem()

	f.pool.ExpectBegin()
	f.pool.ExpectCommit()

	f.items.On("GetForUpdate", ctx, "item-1").Return(item, nil)
	f.reservations.On("CountCommittedQuantity", ctx, "user-1", "item-1").Return(0, nil)
	f.items.On("UpdateLedger", ctx, mock.Anything).Return(nil)
	f.items.On("RecordMovement", ctx, mock.Anything).Return(nil)
	f.reservations.On("Create", ctx, mock.Anything).Return(nil)
	f.principals.On("GetPrincipal", ctx, "user-1").Return(nil, cache.ErrMiss)
	f.publisher.On("ReservationCreated", ctx, mock.Anything, mock.Anything, event.Recipient{}).
		Return(assert.AnError).Twice()

	res, err := f.coordinator.Create(ctx, CreateInput{UserID: "user-1", ItemID: "item-1", Quantity: 1})
	require.NoError(t, err)
	assert.NotNil(t, res)

	// One initial attempt plus exactly one retry.
	f.publisher.AssertNumberOfCalls(t, "ReservationCreated", 2)
}

// --- Get / ListMine ---

func TestCoordinator_Get_OwnerAndAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := pendingReservation("user-1", f.now.Add(5*time.Minute))

	f.reservations.On("GetByID", ctx, "res-1").Return(res, nil)

	got, err := f.coordinator.Get(ctx, "res-1", "user-1", auth.RoleCustomer)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)

	_, err = f.coordinator.Get(ctx, "res-1", "admin-1", auth.RoleAdmin)
	require.NoError(t, err)

	_, err = f.coordinator.Get(ctx, "res-1", "user-2", auth.RoleCustomer)
	assert.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestCoordinator_ListMine_RejectsBogusStatus(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.coordinator.ListMine(context.Background(), "user-1", "REFUNDED", 1, 20)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCoordinator_ListMine_PassesFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.reservations.On("ListByUser", ctx, "user-1", domain.ReservationStatusConfirmed, 1, 20).
		Return([]domain.Reservation{}, 0, nil)

	_, _, err := f.coordinator.ListMine(ctx, "user-1", domain.ReservationStatusConfirmed, 1, 20)
	require.NoError(t, err)
	f.reservations.AssertExpectations(t)
}
