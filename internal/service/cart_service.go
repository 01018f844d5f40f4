package service

import (
	"context"
	"errors"
	"fmt"

	"purchase-service/internal/models"
	"purchase-service/internal/store"
	"purchase-service/internal/util"

	"go.uber.org/zap"
)

// CartService owns the user's pending selection. All mutation runs under the
// per-user lock so adds, removes and checkout never interleave.
type CartService struct {
	store   CartStore
	catalog Catalog
	locker  Locker
	logger  *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(store CartStore, catalog Catalog, locker Locker) *CartService {
	return &CartService{
		store:   store,
		catalog: catalog,
		locker:  locker,
		logger:  util.GetLogger(),
	}
}

// Add puts a movie in the user's cart. Movies the user already owns or
// already selected are rejected; quantity is always one.
func (cs *CartService) Add(ctx context.Context, userID, movieID int64) (*models.CartItem, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Add")
	defer span.End()

	movie, err := cs.catalog.Resolve(ctx, movieID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("movie %d: %w", movieID, ErrMovieUnavailable)
		}
		return nil, fmt.Errorf("resolve movie %d: %w", movieID, err)
	}
	if !movie.Available {
		return nil, fmt.Errorf("movie %d: %w", movieID, ErrMovieUnavailable)
	}

	item := &models.CartItem{UserID: userID, MovieID: movieID}
	err = cs.locker.WithLock(ctx, UserLockKey(userID), func(ctx context.Context) error {
		owned, err := cs.store.HasPurchase(ctx, userID, movieID)
		if err != nil {
			return fmt.Errorf("check purchases: %w", err)
		}
		if owned {
			return fmt.Errorf("movie %d: %w", movieID, ErrAlreadyOwned)
		}

		if err := cs.store.AddCartItem(ctx, item); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("movie %d: %w", movieID, ErrAlreadyInCart)
			}
			return fmt.Errorf("add cart item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.CartItemsAddedTotal.Inc()
	cs.logger.Info("Movie added to cart",
		zap.Int64("user_id", userID),
		zap.Int64("movie_id", movieID))

	return item, nil
}

// Remove takes a movie out of the cart. Removing an absent movie is a no-op.
func (cs *CartService) Remove(ctx context.Context, userID, movieID int64) error {
	return cs.locker.WithLock(ctx, UserLockKey(userID), func(ctx context.Context) error {
		removed, err := cs.store.RemoveCartItem(ctx, userID, movieID)
		if err != nil {
			return fmt.Errorf("remove cart item: %w", err)
		}
		if removed {
			cs.logger.Info("Movie removed from cart",
				zap.Int64("user_id", userID),
				zap.Int64("movie_id", movieID))
		}
		return nil
	})
}

// List returns the cart joined with movie data, in insertion order.
func (cs *CartService) List(ctx context.Context, userID int64) ([]models.CartEntry, error) {
	entries, err := cs.store.GetCartEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	if entries == nil {
		entries = []models.CartEntry{}
	}
	return entries, nil
}
