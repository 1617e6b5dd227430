package mocks

import (
	"context"
	"reflect"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/jonesrussell/north-cloud/harvester/internal/domain"
)

// MockScraper is a mock of the harvester.Scraper interface.
type MockScraper struct {
	ctrl     *gomock.Controller
	recorder *MockScraperMockRecorder
}

// MockScraperMockRecorder is the mock recorder for MockScraper.
type MockScraperMockRecorder struct {
	mock *MockScraper
}

// NewMockScraper creates a new mock instance.
func NewMockScraper(ctrl *gomock.Controller) *MockScraper {
	mock := &MockScraper{ctrl: ctrl}
	mock.recorder = &MockScraperMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockScraper) EXPECT() *MockScraperMockRecorder {
	return m.recorder
}

// FetchPosts mocks base method.
func (m *MockScraper) FetchPosts(
	ctx context.Context, handle string, since time.Time, limit int,
) ([]domain.RawPost, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "FetchPosts", ctx, handle, since, limit)
	ret0, _ := ret[0].([]domain.RawPost)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// FetchPosts indicates an expected call of FetchPosts.
func (mr *MockScraperMockRecorder) FetchPosts(ctx, handle, since, limit any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(
		mr.mock, "FetchPosts", reflect.TypeOf((*MockScraper)(nil).FetchPosts), ctx, handle, since, limit,
	)
}
