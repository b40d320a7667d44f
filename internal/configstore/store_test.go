package configstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/fleet-orchestrator/pkg/model"
)

func TestMemoryStoreSaveAndLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveService(ctx, &model.Service{ID: "svc-1", Name: "payments", Version: "v1"}))
	require.NoError(t, s.SaveService(ctx, &model.Service{ID: "svc-2", Name: "orders", Version: "v1"}))

	services, err := s.LoadServices(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 2)

	// 覆盖保存
	require.NoError(t, s.SaveService(ctx, &model.Service{ID: "svc-1", Name: "payments", Version: "v2"}))
	services, err = s.LoadServices(ctx)
	require.NoError(t, err)
	require.Len(t, services, 2)
	for _, svc := range services {
		if svc.ID == "svc-1" {
			assert.Equal(t, "v2", svc.Version)
		}
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.SaveService(ctx, &model.Service{ID: "svc-1", Name: "payments"}))
	require.NoError(t, s.DeleteService(ctx, "svc-1"))
	// 重复删除为no-op
	require.NoError(t, s.DeleteService(ctx, "svc-1"))

	services, err := s.LoadServices(ctx)
	require.NoError(t, err)
	assert.Empty(t, services)
}

func TestMemoryStoreRejectsInvalidService(t *testing.T) {
	s := NewMemoryStore()
	err := s.SaveService(context.Background(), &model.Service{Name: "no-id"})
	assert.Equal(t, model.ErrInvalidArgument, model.ErrorCode(err))
}
