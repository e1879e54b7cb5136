package route

import (
	"github.com/vango-dev/routeloader/internal/errors"
)

// Error is the structured error type returned by the route, pipeline and
// router packages.
type Error = errors.Error

// Category aliases.
const (
	CategoryValidation = errors.CategoryValidation
	CategoryGuard      = errors.CategoryGuard
	CategoryLoader     = errors.CategoryLoader
	CategoryNavigation = errors.CategoryNavigation
	CategoryDeferred   = errors.CategoryDeferred
	CategoryConfig     = errors.CategoryConfig
)

// Error codes.
const (
	CodeDuplicateID       = "E100"
	CodeInvalidPath       = "E101"
	CodeDuplicateIndex    = "E102"
	CodeAmbiguousSiblings = "E103"
	CodeUnknownRoute      = "E104"

	CodeBadPathname    = "E110"
	CodeParamsRejected = "E111"
	CodeSearchRejected = "E112"
	CodeSearchParse    = "E113"

	CodeGuardFailed   = "E120"
	CodeGuardPanicked = "E121"

	CodeLoaderFailed     = "E130"
	CodeLoaderPanicked   = "E131"
	CodeDepsFingerprint  = "E132"
	CodeComponentPreload = "E133"

	CodeTooManyRedirects = "E140"
	CodeSuperseded       = "E141"
	CodeClosed           = "E142"
	CodePreloadDropped   = "E143"
)

// New returns a registered error.
func New(code string) *Error { return errors.New(code) }

// Newf returns an uncoded error of the given category.
func Newf(c errors.Category, format string, args ...any) *Error {
	return errors.Newf(c, format, args...)
}

// IsValidation reports whether err is a params or search validation failure.
func IsValidation(err error) bool { return errors.HasCategory(err, CategoryValidation) }

// IsGuard reports whether err came from a beforeLoad hook.
func IsGuard(err error) bool { return errors.HasCategory(err, CategoryGuard) }

// IsLoader reports whether err came from a loader.
func IsLoader(err error) bool { return errors.HasCategory(err, CategoryLoader) }
