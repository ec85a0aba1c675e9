package throttleproxy

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// ProxyPath is the route the proxy is served on.
const ProxyPath = "/proxy"

// Router returns the HTTP handler exposing the proxy on `GET /proxy?url=<target>`.
// Every request gets a request id and is written to the access log.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(p.log),
		hlog.RequestIDHandler("requestId", "X-Request-Id"),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("url", r.URL.String()).
				Str("sourceIp", getRequestSourceIp(r)).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request handled")
		}),
	)
	r.Method(http.MethodGet, ProxyPath, p)
	return r
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
