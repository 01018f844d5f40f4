package service

import "errors"

// Pipeline errors callers are expected to branch on. The API layer maps
// these onto HTTP statuses; anything not listed here is treated as an
// internal failure.
var (
	ErrEmptyCart            = errors.New("cart is empty")
	ErrAlreadyInCart        = errors.New("movie already in cart")
	ErrAlreadyOwned         = errors.New("movie already purchased")
	ErrMovieUnavailable     = errors.New("movie not available for purchase")
	ErrOrderNotPending      = errors.New("order is not pending")
	ErrOrderNotPaid         = errors.New("order is not paid")
	ErrPaymentAlreadyActive = errors.New("order already has an active payment")
	ErrNoActivePayment      = errors.New("order has no active payment")
	ErrRefundAlreadyFiled   = errors.New("refund already requested for order")
	ErrUntrustedEvent       = errors.New("webhook event failed verification")
	ErrUnknownPayment       = errors.New("event references an unknown payment")
)
