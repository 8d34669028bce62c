// inventory.go — чтение складского учёта с LRU-кэшем.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dealerdesk/internal/domain/model"
	"github.com/bigkaa/dealerdesk/internal/repository"
)

// Prometheus-метрики кэша автомобилей.
var (
	vehicleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dd_vehicle_cache_hits_total",
		Help: "Попадания в кэш складского учёта.",
	})
	vehicleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dd_vehicle_cache_misses_total",
		Help: "Промахи кэша складского учёта.",
	})
)

// VehicleCatalog — поиск автомобиля по ID для предзаполнения регистрации.
// Таблицей владеет складской учёт, поэтому устаревание ограничено TTL.
type VehicleCatalog struct {
	store repository.Store
	cache *expirable.LRU[string, *model.Vehicle]
}

// NewVehicleCatalog создаёт каталог с кэшем на maxSize записей и TTL.
func NewVehicleCatalog(store repository.Store, maxSize int, ttl time.Duration) *VehicleCatalog {
	return &VehicleCatalog{
		store: store,
		cache: expirable.NewLRU[string, *model.Vehicle](maxSize, nil, ttl),
	}
}

// Get возвращает копию записи автомобиля. ErrNotFound — нет на складе.
func (c *VehicleCatalog) Get(ctx context.Context, id string) (*model.Vehicle, error) {
	if v, ok := c.cache.Get(id); ok {
		vehicleCacheHits.Inc()
		vv := *v
		return &vv, nil
	}
	vehicleCacheMisses.Inc()

	if !validID(id) {
		return nil, ErrNotFound
	}

	v, err := c.store.Repos().Vehicles.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("получение автомобиля", err)
	}
	c.cache.Add(id, v)

	vv := *v
	return &vv, nil
}
