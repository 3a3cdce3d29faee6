package poller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"playback-edge/work/types"
)

// fetchBodyLimit caps how much of a resolution response a poller will
// decode.
const fetchBodyLimit = 1 << 20

// Doer is the HTTP surface pollers fetch through.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPFetch builds a FetchFunc that GETs a resolution endpoint and
// decodes its JSON envelope. Transport errors and decode failures both
// surface as fetch errors; the poller's leniency rules take it from
// there.
func NewHTTPFetch(doer Doer, endpoint string) FetchFunc {
	return func(ctx context.Context) (*types.ResolutionResult, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, 0, err
		}
		resp, err := doer.Do(req)
		if err != nil {
			return nil, 0, err
		}
		defer resp.Body.Close()

		var result types.ResolutionResult
		if err := json.NewDecoder(io.LimitReader(resp.Body, fetchBodyLimit)).Decode(&result); err != nil {
			return nil, resp.StatusCode, err
		}
		return &result, resp.StatusCode, nil
	}
}
