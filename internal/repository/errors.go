// Package repository defines error types that are reused across multiple
// repositories. These sentinel values allow higher layers such as
// handlers to distinguish between different failure scenarios without
// string matching. Absence of a row is reported as sql.ErrNoRows, the
// same way the underlying driver reports it.
package repository

import "errors"

// ErrForbidden is returned when the caller attempts an operation on a
// resource they do not own or administer. Handlers should translate
// this into an HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

// ErrConflict is returned when an operation cannot proceed because of
// conflicting state, such as editing a promotion that already started
// or deleting a published event. Handlers should translate this into
// an HTTP 409 response.
var ErrConflict = errors.New("conflict")

// ErrUTORidExists is returned when creating an account with a handle
// that is already taken.
var ErrUTORidExists = errors.New("utorid already exists")

// ErrEmailExists is returned when creating an account with an email
// that is already registered.
var ErrEmailExists = errors.New("email already exists")

// ErrInsufficientBalance is returned when a transfer or redemption
// request exceeds the sender's available balance. The available
// balance is the stored balance minus points reserved by pending
// redemptions, so the same points can never be promised twice.
var ErrInsufficientBalance = errors.New("insufficient balance")

// ErrInsufficientEventBudget is returned when an award would drive an
// event's remaining point budget negative. The whole award fails; no
// guest receives a partial award.
var ErrInsufficientEventBudget = errors.New("insufficient event budget")

// ErrAlreadyProcessed is returned when a cashier attempts to process a
// redemption that has already been processed. The first processing
// deducted the points; the guard ensures the deduction happens once.
var ErrAlreadyProcessed = errors.New("redemption already processed")

// ErrInvalidPromotion is returned when a requested one-time promotion
// does not exist, is outside its window, does not meet its minimum
// spending, or was already consumed by the purchasing account. Any
// invalid id fails the whole purchase.
var ErrInvalidPromotion = errors.New("invalid promotion")

// ErrCapacityExceeded is returned when adding a guest to an event that
// is already at capacity.
var ErrCapacityExceeded = errors.New("event capacity exceeded")

// ErrSuspiciousAccount is returned when promoting a suspicious account
// to cashier; the flag must be cleared first.
var ErrSuspiciousAccount = errors.New("account is flagged suspicious")
