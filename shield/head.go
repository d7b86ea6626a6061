package shield

import "net/http"

// HeadToGet converts HEAD requests to GET so that load balancers probing
// HEAD /v1/health reach the handler registered with r.Get() instead of a
// 405. net/http strips the response body for HEAD automatically.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}
