package inmemory

import (
	"context"
	"sync"

	"github.com/vulpemventures/connector/internal/core/domain"
)

type tipRepository struct {
	tip  *domain.BlockTip
	lock *sync.RWMutex
}

// NewTipRepository returns a volatile tip store, the last announced tip is
// lost at every restart.
func NewTipRepository() domain.TipRepository {
	return &tipRepository{lock: &sync.RWMutex{}}
}

func (r *tipRepository) GetTip(_ context.Context) (*domain.BlockTip, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if r.tip == nil {
		return nil, nil
	}
	tip := *r.tip
	return &tip, nil
}

func (r *tipRepository) UpdateTip(_ context.Context, tip domain.BlockTip) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.tip = &tip
	return nil
}

func (r *tipRepository) Close() {}
