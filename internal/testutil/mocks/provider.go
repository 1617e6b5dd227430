// Package mocks holds gomock doubles for the harvester's outbound interfaces.
package mocks

import (
	"context"
	"reflect"

	"go.uber.org/mock/gomock"

	"github.com/jonesrussell/north-cloud/harvester/internal/gateway"
)

// MockProvider is a mock of the gateway.Provider interface.
type MockProvider struct {
	ctrl     *gomock.Controller
	recorder *MockProviderMockRecorder
}

// MockProviderMockRecorder is the mock recorder for MockProvider.
type MockProviderMockRecorder struct {
	mock *MockProvider
}

// NewMockProvider creates a new mock instance.
func NewMockProvider(ctrl *gomock.Controller) *MockProvider {
	mock := &MockProvider{ctrl: ctrl}
	mock.recorder = &MockProviderMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockProvider) EXPECT() *MockProviderMockRecorder {
	return m.recorder
}

// Generate mocks base method.
func (m *MockProvider) Generate(
	ctx context.Context, modelID string, req gateway.GenerateRequest,
) (*gateway.Generation, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Generate", ctx, modelID, req)
	ret0, _ := ret[0].(*gateway.Generation)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Generate indicates an expected call of Generate.
func (mr *MockProviderMockRecorder) Generate(ctx, modelID, req any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(
		mr.mock, "Generate", reflect.TypeOf((*MockProvider)(nil).Generate), ctx, modelID, req,
	)
}
