package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
)

// sessionIDPattern matches Stripe Checkout session ids.
var sessionIDPattern = regexp.MustCompile(`^cs_[A-Za-z0-9_]+$`)

// RedirectHandler sends the browser back to the application after Stripe
// Checkout. It never renders an error: anything unexpected lands on the
// default page.
type RedirectHandler struct {
	origin     *url.URL
	defaultURL string
	logger     *slog.Logger
}

// NewRedirectHandler creates a RedirectHandler. baseURL is this service's
// public origin; defaultURL is the fallback landing page.
func NewRedirectHandler(baseURL, defaultURL string, logger *slog.Logger) (*RedirectHandler, error) {
	origin, err := url.Parse(baseURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	if defaultURL == "" {
		defaultURL = strings.TrimRight(baseURL, "/") + "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedirectHandler{origin: origin, defaultURL: defaultURL, logger: logger}, nil
}

// RegisterRoutes mounts the success and cancel landing routes.
func (h *RedirectHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stripe/success", h.Success)
	r.Get("/stripe/cancel", h.Cancel)
}

// Success handles GET /stripe/success. A malformed session id is dropped.
func (h *RedirectHandler) Success(w http.ResponseWriter, r *http.Request) {
	defer h.recoverTo(w, r)

	params := url.Values{"checkout": {"success"}}
	if sid := r.URL.Query().Get("session_id"); sessionIDPattern.MatchString(sid) {
		params.Set("session_id", sid)
	} else if sid != "" {
		h.logger.WarnContext(r.Context(), "dropping malformed checkout session id")
	}
	h.redirect(w, r, params)
}

// Cancel handles GET /stripe/cancel.
func (h *RedirectHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	defer h.recoverTo(w, r)
	h.redirect(w, r, url.Values{"checkout": {"canceled"}})
}

func (h *RedirectHandler) redirect(w http.ResponseWriter, r *http.Request, params url.Values) {
	base := h.defaultURL
	if returnTo := r.URL.Query().Get("return_to"); returnTo != "" {
		if h.sameOrigin(returnTo) {
			base = returnTo
		} else {
			h.logger.WarnContext(r.Context(), "ignoring cross-origin return_to", "return_to", returnTo)
		}
	}

	target, err := url.Parse(base)
	if err != nil {
		http.Redirect(w, r, h.defaultURL, http.StatusSeeOther)
		return
	}
	q := target.Query()
	for k, vs := range params {
		q[k] = vs
	}
	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

// sameOrigin reports whether raw is an absolute URL on this service's scheme
// and host.
func (h *RedirectHandler) sameOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, h.origin.Scheme) && strings.EqualFold(u.Host, h.origin.Host)
}

func (h *RedirectHandler) recoverTo(w http.ResponseWriter, r *http.Request) {
	if rv := recover(); rv != nil {
		h.logger.ErrorContext(r.Context(), "redirect handler panicked", "panic", fmt.Sprintf("%v", rv))
		http.Redirect(w, r, h.defaultURL, http.StatusSeeOther)
	}
}
