package jobs

import "net/http"

// httpDoer abstracts *http.Client so tests can substitute a fake transport
// for worker probes instead of binding a real listener.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
