// Package httproute adapts plain HTTP traffic into pipeline routes. It lets
// the proxy run standalone as a local forward proxy for http:// URLs when no
// browser automation layer is attached: the incoming request becomes a
// Route, outbound fetches go through an instrumented HTTP client, and
// Fulfill writes straight back to the connection.
package httproute

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/lokah1945/CDN-EDGEProxy/proxy"
	"github.com/lokah1945/CDN-EDGEProxy/telemetry"
)

// Handler serves forward-proxy requests through the cache pipeline.
type Handler struct {
	proxy  *proxy.Proxy
	client *http.Client
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithClient overrides the outbound HTTP client.
func WithClient(client *http.Client) Option {
	return func(h *Handler) {
		h.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// New creates a Handler over the pipeline. The default outbound client uses
// the instrumented transport so origin fetches show up in metrics.
func New(p *proxy.Proxy, opts ...Option) *Handler {
	h := &Handler{
		proxy:  p,
		client: &http.Client{Transport: telemetry.NewInstrumentedTransport(nil)},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler for absolute-form proxy requests.
// CONNECT (https tunneling) is refused: the pipeline needs request bodies in
// the clear, which a tunnel never exposes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		http.Error(w, "CONNECT tunneling not supported", http.StatusMethodNotAllowed)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "absolute-form request URL required", http.StatusBadRequest)
		return
	}

	route := &httpRoute{handler: h, w: w, r: r}
	if err := h.proxy.Handle(r.Context(), route); err != nil {
		h.logger.Warn("pipeline error", "url", r.URL.String(), "error", err)
		if !route.responded {
			http.Error(w, fmt.Sprintf("upstream fetch failed: %v", err), http.StatusBadGateway)
		}
	}
}

// resourceTypeFor approximates the browser's resource type from what a plain
// HTTP request exposes: the Accept header first, the path extension second.
func resourceTypeFor(r *http.Request) string {
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/html"):
		return "document"
	case strings.Contains(accept, "text/css"):
		return "stylesheet"
	case strings.HasPrefix(accept, "image/"):
		return "image"
	}

	switch strings.ToLower(path.Ext(r.URL.Path)) {
	case ".js", ".mjs":
		return "script"
	case ".css":
		return "stylesheet"
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif", ".svg", ".ico":
		return "image"
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return "font"
	case ".mp4", ".webm", ".mp3", ".ogg":
		return "media"
	default:
		return "fetch"
	}
}

// httpRoute implements proxy.Route over one in-flight HTTP exchange.
type httpRoute struct {
	handler   *Handler
	w         http.ResponseWriter
	r         *http.Request
	responded bool
}

func (rt *httpRoute) Request() proxy.Request {
	headers := make(map[string]string, len(rt.r.Header))
	for name := range rt.r.Header {
		headers[strings.ToLower(name)] = rt.r.Header.Get(name)
	}
	return proxy.Request{
		Method:       rt.r.Method,
		URL:          rt.r.URL.String(),
		ResourceType: resourceTypeFor(rt.r),
		Headers:      headers,
	}
}

// Continue round-trips the original request unchanged and streams the
// origin's answer back, the closest a proxy gets to "don't intercept".
func (rt *httpRoute) Continue(ctx context.Context) error {
	resp, err := rt.fetch(ctx, rt.r.Header.Clone())
	if err != nil {
		rt.responded = true
		http.Error(rt.w, fmt.Sprintf("upstream fetch failed: %v", err), http.StatusBadGateway)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	for name, values := range resp.Header {
		for _, v := range values {
			rt.w.Header().Add(name, v)
		}
	}
	rt.responded = true
	rt.w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rt.w, resp.Body)
	return nil
}

func (rt *httpRoute) Fetch(ctx context.Context, headers map[string]string) (proxy.Response, error) {
	outHeaders := make(http.Header, len(headers))
	for name, value := range headers {
		outHeaders.Set(name, value)
	}
	resp, err := rt.fetch(ctx, outHeaders)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading origin response: %w", err)
	}

	flat := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		flat[strings.ToLower(name)] = resp.Header.Get(name)
	}
	return &httpResponse{status: resp.StatusCode, headers: flat, body: body}, nil
}

func (rt *httpRoute) fetch(ctx context.Context, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, rt.r.Method, rt.r.URL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building origin request: %w", err)
	}
	req.Header = headers
	// Let the transport negotiate and transparently decode compression so
	// the pipeline always sees decompressed bodies.
	req.Header.Del("Accept-Encoding")

	return rt.handler.client.Do(req)
}

func (rt *httpRoute) Fulfill(ctx context.Context, status int, headers map[string]string, body []byte) error {
	for name, value := range headers {
		rt.w.Header().Set(name, value)
	}
	rt.responded = true
	rt.w.WriteHeader(status)
	if _, err := rt.w.Write(body); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// httpResponse materializes an origin response for the pipeline.
type httpResponse struct {
	status  int
	headers map[string]string
	body    []byte
}

func (r *httpResponse) Status() int                { return r.status }
func (r *httpResponse) Headers() map[string]string { return r.headers }
func (r *httpResponse) Body() ([]byte, error)      { return r.body, nil }

var _ proxy.Route = (*httpRoute)(nil)
var _ http.Handler = (*Handler)(nil)
