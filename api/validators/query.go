package validators

import (
	"net/http"
	"strconv"
	"strings"

	pkgerrors "github.com/streamclub/allocator/pkg/errors"
)

// IntRange bounds an integer query parameter. Default is returned when the
// parameter is absent and is not checked against Min and Max.
type IntRange struct {
	Default int
	Min     int
	Max     int
}

var (
	// PageLimit leaves the default to the service's own page size.
	PageLimit    = IntRange{Default: 0, Min: 0, Max: 100}
	HistoryLimit = IntRange{Default: 10, Min: 0, Max: 100}
)

const maxCursorLen = 512

func QueryInt(r *http.Request, key string, rng IntRange) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return rng.Default, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, queryError(key, "query parameter must be numeric", nil)
	}
	if value < rng.Min || value > rng.Max {
		return 0, queryError(key, "query parameter out of range", map[string]any{"min": rng.Min, "max": rng.Max})
	}
	return value, nil
}

// QueryCursor returns the opaque page cursor, rejecting oversized values
// before they reach the decoder.
func QueryCursor(r *http.Request) (string, error) {
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if len(cursor) > maxCursorLen {
		return "", queryError("cursor", "cursor is too long", map[string]any{"max": maxCursorLen})
	}
	return cursor, nil
}

func queryError(key, msg string, extra map[string]any) error {
	details := map[string]any{"field": key}
	for k, v := range extra {
		details[k] = v
	}
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(details)
}
