// Package catalog resolves movie listings. Reads go through a Redis
// cache-aside layer with singleflight collapse; the cache is advisory, so
// anything that prices an order reads the store directly instead.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"purchase-service/internal/models"
	"purchase-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// MovieStore is the authoritative source of listings.
type MovieStore interface {
	GetMovieByID(ctx context.Context, id int64) (*models.Movie, error)
}

// MovieCache holds serialized movies with a TTL. A nil payload means miss.
type MovieCache interface {
	GetCachedMovie(ctx context.Context, movieID int64) ([]byte, error)
	CacheMovie(ctx context.Context, movieID int64, payload []byte, ttl time.Duration) error
	InvalidateMovie(ctx context.Context, movieID int64) error
}

// Resolver answers movie lookups, absorbing lookup stampedes for hot titles
// behind a single store read.
type Resolver struct {
	store  MovieStore
	cache  MovieCache
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

func NewResolver(store MovieStore, cache MovieCache, ttl time.Duration) *Resolver {
	return &Resolver{
		store:  store,
		cache:  cache,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// Resolve returns the movie with the given id, from cache when warm.
// Missing movies surface the store's not-found error.
func (r *Resolver) Resolve(ctx context.Context, movieID int64) (*models.Movie, error) {
	v, err, _ := r.group.Do(strconv.FormatInt(movieID, 10), func() (interface{}, error) {
		return r.lookup(ctx, movieID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Movie), nil
}

func (r *Resolver) lookup(ctx context.Context, movieID int64) (*models.Movie, error) {
	if r.cache != nil {
		data, err := r.cache.GetCachedMovie(ctx, movieID)
		if err != nil {
			r.logger.Warn("Movie cache read failed",
				zap.Int64("movie_id", movieID),
				zap.Error(err))
		} else if data != nil {
			var movie models.Movie
			if err := json.Unmarshal(data, &movie); err == nil {
				return &movie, nil
			}
			// Corrupt entry, fall through to the store.
			_ = r.cache.InvalidateMovie(ctx, movieID)
		}
	}

	movie, err := r.store.GetMovieByID(ctx, movieID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if payload, err := json.Marshal(movie); err == nil {
			go func() {
				cacheCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := r.cache.CacheMovie(cacheCtx, movieID, payload, r.ttl); err != nil {
					r.logger.Warn("Movie cache write failed",
						zap.Int64("movie_id", movieID),
						zap.Error(err))
				}
			}()
		}
	}
	return movie, nil
}

// Price returns the current list price.
func (r *Resolver) Price(ctx context.Context, movieID int64) (decimal.Decimal, error) {
	movie, err := r.Resolve(ctx, movieID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("price movie %d: %w", movieID, err)
	}
	return movie.Price, nil
}

// Available reports whether the movie can be purchased right now. Unknown
// movies count as unavailable.
func (r *Resolver) Available(ctx context.Context, movieID int64) (bool, error) {
	movie, err := r.Resolve(ctx, movieID)
	if err != nil {
		return false, err
	}
	return movie.Available, nil
}

// Invalidate drops the cached entry so the next read hits the store.
func (r *Resolver) Invalidate(ctx context.Context, movieID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.InvalidateMovie(ctx, movieID)
}
