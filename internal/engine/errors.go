package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for callers deciding how to react.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindPrecondition Kind = "precondition"
	KindFunds        Kind = "funds"
	KindConflict     Kind = "conflict"
	KindInternal     Kind = "internal"
)

// Error is a structured engine failure with a stable code.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Is matches errors by code, so a detailed error matches its sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Validation and lookup errors: rejected before any mutation.
var (
	ErrInvalidInput      = newError(KindValidation, "E_INVALID_INPUT", "missing or malformed field")
	ErrUnknownBuilding   = newError(KindValidation, "E_UNKNOWN_BUILDING", "unknown building")
	ErrNotConstructible  = newError(KindValidation, "E_NOT_CONSTRUCTIBLE", "building cannot be constructed directly")
	ErrSizeMismatch      = newError(KindValidation, "E_SIZE_MISMATCH", "building does not fit this island size")
	ErrUnknownItem       = newError(KindValidation, "E_UNKNOWN_ITEM", "unknown item")
	ErrWrongCategory     = newError(KindValidation, "E_WRONG_CATEGORY", "shop does not trade this item category")
	ErrInvalidPricing    = newError(KindValidation, "E_INVALID_PRICING", "invalid shop pricing")
	ErrIslandNotFound    = newError(KindNotFound, "E_ISLAND_NOT_FOUND", "island not found")
	ErrSelfTransfer      = newError(KindValidation, "E_SELF_TRANSFER", "island already belongs to this player")
)

// Precondition errors: rejected after a read, before any write.
var (
	ErrNotOwner               = newError(KindPrecondition, "E_NOT_OWNER", "actor does not own this island")
	ErrProtectedIsland        = newError(KindPrecondition, "E_PROTECTED_ISLAND", "capital and sacred islands cannot be altered")
	ErrAlreadyBuilt           = newError(KindPrecondition, "E_ALREADY_BUILT", "island already has a building")
	ErrNotConstructing        = newError(KindPrecondition, "E_NOT_CONSTRUCTING", "no construction in progress")
	ErrSelfHelp               = newError(KindPrecondition, "E_SELF_HELP", "owners cannot help their own construction")
	ErrNothingToDemolish      = newError(KindPrecondition, "E_NOTHING_TO_DEMOLISH", "no building to demolish")
	ErrNotDemolished          = newError(KindPrecondition, "E_NOT_DEMOLISHED", "island has no demolished building")
	ErrRebuildCooldown        = newError(KindPrecondition, "E_REBUILD_COOLDOWN", "demolition cooldown has not elapsed")
	ErrMaxLevel               = newError(KindPrecondition, "E_MAX_LEVEL", "island is at maximum level")
	ErrNationMismatch         = newError(KindPrecondition, "E_NATION_MISMATCH", "actor's nation does not match the island")
	ErrConstructionInProgress = newError(KindPrecondition, "E_CONSTRUCTION_IN_PROGRESS", "construction in progress")
	ErrIslandNotHarvestable   = newError(KindPrecondition, "E_ISLAND_NOT_HARVESTABLE", "island biome yields no resource")
	ErrNoCapacity             = newError(KindPrecondition, "E_NO_CAPACITY", "no active transport with cargo capacity")
	ErrNothingToCollect       = newError(KindPrecondition, "E_NOTHING_TO_COLLECT", "nothing to collect")
	ErrNoShop                 = newError(KindPrecondition, "E_NO_SHOP", "island has no open shop")
	ErrOutOfStock             = newError(KindPrecondition, "E_OUT_OF_STOCK", "item out of stock")
	ErrNoHotSpring            = newError(KindPrecondition, "E_NO_HOT_SPRING", "island has no hot spring")
)

// Funds, conflict and internal errors.
var (
	ErrInsufficientFunds     = newError(KindFunds, "E_INSUFFICIENT_FUNDS", "insufficient funds")
	ErrInsufficientItems     = newError(KindFunds, "E_INSUFFICIENT_ITEMS", "insufficient items")
	ErrShopInsufficientFunds = newError(KindFunds, "E_SHOP_INSUFFICIENT_FUNDS", "shop owner cannot pay for this item")
	ErrConflict              = newError(KindConflict, "E_CONFLICT", "concurrent update, try again")
	ErrInternal              = newError(KindInternal, "E_INTERNAL", "internal error")
)

// ErrStale is returned by stores when a compare-and-swap write finds a
// newer version than the one read. The engine retries on it.
var ErrStale = errors.New("stale version")

// failf returns a copy of base carrying a specific message.
func failf(base *Error, format string, args ...any) *Error {
	return &Error{Kind: base.Kind, Code: base.Code, Message: fmt.Sprintf(format, args...)}
}

// internal wraps an unexpected collaborator failure.
func internal(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

// AsError extracts the structured error from err. Unstructured errors map to
// ErrInternal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}
