package store

import (
	"context"
	"fmt"

	"purchase-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// AddCartItem inserts a cart item. Returns ErrDuplicate if the movie is
// already in the user's cart; the unique constraint is the backstop for
// concurrent adds that slip past the service-level check.
func (s *Store) AddCartItem(ctx context.Context, item *models.CartItem) error {
	query := `
		INSERT INTO cart_items (user_id, movie_id)
		VALUES ($1, $2)
		RETURNING id, added_at`

	err := s.db.GetContext(ctx, item, query, item.UserID, item.MovieID)
	if isUniqueViolation(err, "cart_items_user_id_movie_id_key") {
		return fmt.Errorf("cart item user=%d movie=%d: %w", item.UserID, item.MovieID, ErrDuplicate)
	}
	return err
}

// RemoveCartItem deletes a cart item. Reports whether a row was removed;
// removing an absent item is not an error.
func (s *Store) RemoveCartItem(ctx context.Context, userID, movieID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE user_id = $1 AND movie_id = $2", userID, movieID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetCartItems retrieves a user's cart items in insertion order.
func (s *Store) GetCartItems(ctx context.Context, userID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE user_id = $1 ORDER BY added_at, id", userID)
	return items, err
}

// GetCartEntries retrieves a user's cart joined with movie data, in
// insertion order.
func (s *Store) GetCartEntries(ctx context.Context, userID int64) ([]models.CartEntry, error) {
	query := `
		SELECT c.movie_id, m.title, m.price, m.available, c.added_at
		FROM cart_items c
		JOIN movies m ON m.id = c.movie_id
		WHERE c.user_id = $1
		ORDER BY c.added_at, c.id`

	var entries []models.CartEntry
	err := s.db.SelectContext(ctx, &entries, query, userID)
	return entries, err
}

// HasPurchase reports whether the user already owns the movie.
func (s *Store) HasPurchase(ctx context.Context, userID, movieID int64) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM purchases WHERE user_id = $1 AND movie_id = $2)",
		userID, movieID)
	return exists, err
}

// GetPurchasedMovieIDs returns the subset of ids the user already owns.
func (s *Store) GetPurchasedMovieIDs(ctx context.Context, userID int64, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(
		"SELECT movie_id FROM purchases WHERE user_id = ? AND movie_id IN (?)", userID, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var owned []int64
	err = s.db.SelectContext(ctx, &owned, query, args...)
	return owned, err
}
