package errors

import "sort"

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Route tree errors (E100-E109)
	// ============================================

	"E100": {
		Category: CategoryConfig,
		Message:  "Duplicate route id",
		Detail:   "Route ids must be unique across the whole tree. Two routes resolved to the same id.",
	},
	"E101": {
		Category: CategoryConfig,
		Message:  "Invalid route path",
		Detail:   "A route path contains an empty parameter name, an unsupported character, or a splat that is not the final segment.",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Duplicate index route",
		Detail:   "A parent may declare at most one index route.",
	},
	"E103": {
		Category: CategoryConfig,
		Message:  "Ambiguous sibling routes",
		Detail:   "Two siblings declare the same pattern; the later one could never match.",
	},
	"E104": {
		Category: CategoryConfig,
		Message:  "Unknown route",
		Detail:   "No route with the given id exists in the tree.",
	},

	// ============================================
	// Validation errors (E110-E119)
	// ============================================

	"E110": {
		Category: CategoryValidation,
		Message:  "Invalid path",
		Detail:   "The pathname could not be normalized (backslash, NUL byte, bad percent escape, or '..' escaping root).",
	},
	"E111": {
		Category: CategoryValidation,
		Message:  "Path params rejected",
		Detail:   "A route's parseParams hook rejected the captured path params. No guard or loader ran.",
	},
	"E112": {
		Category: CategoryValidation,
		Message:  "Search params rejected",
		Detail:   "A route's validateSearch hook rejected the search params. No guard or loader ran.",
	},
	"E113": {
		Category: CategoryValidation,
		Message:  "Search string could not be parsed",
		Detail:   "The search codec failed to parse the raw query string.",
	},

	// ============================================
	// Guard errors (E120-E129)
	// ============================================

	"E120": {
		Category: CategoryGuard,
		Message:  "beforeLoad failed",
		Detail:   "A beforeLoad hook returned an error. No guard or loader below this route ran.",
	},
	"E121": {
		Category: CategoryGuard,
		Message:  "beforeLoad panicked",
		Detail:   "A beforeLoad hook panicked. The panic was recovered and treated as a guard failure.",
	},

	// ============================================
	// Loader errors (E130-E139)
	// ============================================

	"E130": {
		Category: CategoryLoader,
		Message:  "Loader failed",
		Detail:   "A loader returned an error. Sibling loaders were not cancelled.",
	},
	"E131": {
		Category: CategoryLoader,
		Message:  "Loader panicked",
		Detail:   "A loader panicked. The panic was recovered and treated as a loader failure.",
	},
	"E132": {
		Category: CategoryLoader,
		Message:  "Loader deps could not be fingerprinted",
		Detail:   "The value returned by loaderDeps could not be encoded for cache key comparison.",
	},
	"E133": {
		Category: CategoryLoader,
		Message:  "Component preload failed",
		Detail:   "The component preload hook returned an error.",
	},

	// ============================================
	// Navigation errors (E140-E149)
	// ============================================

	"E140": {
		Category: CategoryNavigation,
		Message:  "Too many redirects",
		Detail:   "Following redirects exceeded the configured limit. Check for a redirect loop between guards.",
	},
	"E141": {
		Category: CategoryNavigation,
		Message:  "Navigation superseded",
		Detail:   "A newer navigation started before this one finished. Its results were discarded.",
	},
	"E142": {
		Category: CategoryNavigation,
		Message:  "Router closed",
		Detail:   "The router was closed while the operation was pending.",
	},
	"E143": {
		Category: CategoryNavigation,
		Message:  "Preload dropped",
		Detail:   "The preload rate or concurrency limit was reached. Preloads are best effort and are not queued.",
	},

	// ============================================
	// Deferred errors (E150-E159)
	// ============================================

	"E150": {
		Category: CategoryDeferred,
		Message:  "Deferred value already settled",
		Detail:   "A deferred handle settles exactly once. A second settlement message was ignored.",
	},
	"E151": {
		Category: CategoryDeferred,
		Message:  "Unknown deferred handle",
		Detail:   "A settlement referenced a handle id the registry does not know.",
	},
	"E152": {
		Category: CategoryDeferred,
		Message:  "Deferred value rejected",
		Detail:   "The deferred computation returned an error.",
	},
	"E153": {
		Category: CategoryDeferred,
		Message:  "Deferred value discarded",
		Detail:   "The owning match was evicted before the deferred value settled.",
	},

	// ============================================
	// Configuration errors (E160-E169)
	// ============================================

	"E160": {
		Category: CategoryConfig,
		Message:  "Invalid configuration",
		Detail:   "The configuration file contains an invalid value.",
	},
	"E161": {
		Category: CategoryConfig,
		Message:  "Configuration file not readable",
		Detail:   "The configuration file could not be read or parsed.",
	},
	"E162": {
		Category: CategoryConfig,
		Message:  "Invalid route file",
		Detail:   "The route fixture file could not be parsed into a route tree.",
	},
}

// Register adds or replaces an error template.
func Register(code string, template ErrorTemplate) {
	registry[code] = template
}

// GetTemplate returns the template for a code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}

// GetAllCodes returns every registered code in ascending order.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
