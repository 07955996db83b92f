package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/relokate/masterflow/pkg/models"
	"github.com/relokate/masterflow/pkg/persistence"
)

// MockMasterFlowRepository is a mock implementation of the
// persistence.MasterFlowRepository interface.
type MockMasterFlowRepository struct {
	mock.Mock
}

func (m *MockMasterFlowRepository) Create(ctx context.Context, flow *models.MasterFlow) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockMasterFlowRepository) GetByBusinessID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.MasterFlow, error) {
	args := m.Called(ctx, tenant, flowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.MasterFlow), args.Error(1)
}

func (m *MockMasterFlowRepository) GetByInternalID(ctx context.Context, tenant models.TenantContext, id models.InternalFlowID) (*models.MasterFlow, error) {
	args := m.Called(ctx, tenant, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.MasterFlow), args.Error(1)
}

func (m *MockMasterFlowRepository) List(ctx context.Context, tenant models.TenantContext, opts persistence.ListFlowsOptions) ([]*models.MasterFlow, error) {
	args := m.Called(ctx, tenant, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.MasterFlow), args.Error(1)
}

func (m *MockMasterFlowRepository) Update(ctx context.Context, flow *models.MasterFlow) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockMasterFlowRepository) SoftDelete(ctx context.Context, id models.InternalFlowID) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockMasterFlowRepository) HardDelete(ctx context.Context, id models.InternalFlowID) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockMasterFlowRepository) ListStale(ctx context.Context, updatedBefore time.Time) ([]*models.MasterFlow, error) {
	args := m.Called(ctx, updatedBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.MasterFlow), args.Error(1)
}

func (m *MockMasterFlowRepository) PurgeDeleted(ctx context.Context, deletedBefore time.Time) (int, error) {
	args := m.Called(ctx, deletedBefore)

	return args.Int(0), args.Error(1)
}

// MockChildFlowRepository is a mock implementation of the
// persistence.ChildFlowRepository interface.
type MockChildFlowRepository struct {
	mock.Mock
}

func (m *MockChildFlowRepository) Create(ctx context.Context, child *models.ChildFlow) error {
	args := m.Called(ctx, child)

	return args.Error(0)
}

func (m *MockChildFlowRepository) GetByMaster(ctx context.Context, masterID models.InternalFlowID, flowType models.FlowType) (*models.ChildFlow, error) {
	args := m.Called(ctx, masterID, flowType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ChildFlow), args.Error(1)
}

func (m *MockChildFlowRepository) GetByBusinessID(ctx context.Context, tenant models.TenantContext, flowID models.BusinessFlowID) (*models.ChildFlow, error) {
	args := m.Called(ctx, tenant, flowID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ChildFlow), args.Error(1)
}

func (m *MockChildFlowRepository) Update(ctx context.Context, child *models.ChildFlow) error {
	args := m.Called(ctx, child)

	return args.Error(0)
}

func (m *MockChildFlowRepository) SoftDeleteByMaster(ctx context.Context, masterID models.InternalFlowID) error {
	args := m.Called(ctx, masterID)

	return args.Error(0)
}

func (m *MockChildFlowRepository) HardDeleteByMaster(ctx context.Context, masterID models.InternalFlowID) error {
	args := m.Called(ctx, masterID)

	return args.Error(0)
}
