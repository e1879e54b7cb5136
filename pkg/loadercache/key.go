package loadercache

import (
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies one cached loader result.
type Key struct {
	RouteID string

	// Pathname is the path consumed up to and including the route, so
	// "/posts/1" and "/posts/2" cache separately for "/posts/$postId".
	Pathname string

	// Deps is the fingerprint of the route's loader deps.
	Deps uint64
}

func (k Key) String() string {
	return k.RouteID + "|" + k.Pathname + "|" + strconv.FormatUint(k.Deps, 16)
}

// emptyDeps is the fingerprint of nil deps.
var emptyDeps = xxhash.Sum64String("{}")

// Fingerprint hashes deps by value. Deep-equal values, including maps built
// in a different order, produce the same fingerprint. nil hashes like an
// empty object.
func Fingerprint(deps any) (uint64, error) {
	if deps == nil {
		return emptyDeps, nil
	}
	// encoding/json writes map keys in sorted order.
	b, err := json.Marshal(deps)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(b), nil
}

// MustFingerprint is Fingerprint for deps known to be encodable.
func MustFingerprint(deps any) uint64 {
	fp, err := Fingerprint(deps)
	if err != nil {
		panic(err)
	}
	return fp
}
