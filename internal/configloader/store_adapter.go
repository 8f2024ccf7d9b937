package configloader

import (
	"context"

	"github.com/wudi/karateway/internal/model"
	"github.com/wudi/karateway/internal/store"
)

// AdaptStore wraps the concrete Config Store Adapter so it satisfies
// configStore/notifyStore without those interfaces depending on the pgx
// wire types directly.
func AdaptStore(s *store.Store) notifyStore {
	return storeAdapter{s}
}

type storeAdapter struct {
	s *store.Store
}

func (a storeAdapter) LoadAll(ctx context.Context) ([]model.BackendService, []model.ApiRoute, []model.RateLimit, []model.WhitelistRule, error) {
	return a.s.LoadAll(ctx)
}

func (a storeAdapter) Notify(ctx context.Context, channel string) (notifyConn, error) {
	return a.s.Notify(ctx, channel)
}
