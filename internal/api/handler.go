package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anastasis-provider/anastasis/internal/authplugin"
	"github.com/anastasis-provider/anastasis/internal/config"
	"github.com/anastasis-provider/anastasis/internal/merchant"
	"github.com/anastasis-provider/anastasis/internal/scheduler"
	"github.com/anastasis-provider/anastasis/internal/store"
	"github.com/anastasis-provider/anastasis/internal/svcerrors"
	"github.com/anastasis-provider/anastasis/pkg/logger"
)

// Handler bundles the collaborators every endpoint needs, following the
// teacher's applications/httpapi.handler shape: one struct built via
// functional options, exposing Routes() as the final http.Handler.
type Handler struct {
	cfg      *config.Config
	store    store.Store
	merchant *merchant.Client
	auth     *authplugin.Registry
	sched    *scheduler.Scheduler
	log      *logger.Logger

	host        string
	insecurePay bool
}

// Option customizes Handler construction.
type Option func(*Handler)

// WithHost overrides the host advertised in Taler pay URIs (default:
// the configured server host).
func WithHost(host string) Option {
	return func(h *Handler) {
		if strings.TrimSpace(host) != "" {
			h.host = host
		}
	}
}

// WithInsecurePay selects the `taler+http://` scheme for pay URIs,
// for local/test deployments without TLS.
func WithInsecurePay(insecure bool) Option {
	return func(h *Handler) { h.insecurePay = insecure }
}

// New builds the Handler. st, mc, auth, sched and log must be non-nil;
// cfg is copied by reference and treated as read-only after init (spec
// §5: "the process-wide config [is] read-only after init").
func New(cfg *config.Config, st store.Store, mc *merchant.Client, auth *authplugin.Registry, sched *scheduler.Scheduler, log *logger.Logger, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg,
		store:    st,
		merchant: mc,
		auth:     auth,
		sched:    sched,
		log:      log,
		host:     cfg.Server.Host,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes assembles the full provider mux (spec.md §6's HTTP surface),
// wrapped in CORS handling for the `OPTIONS *` preflight.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mountRoutes(mux,
		route{pattern: "/", method: http.MethodGet, handler: h.banner},
		route{pattern: "/agpl", method: http.MethodGet, handler: h.agpl},
		route{pattern: "/config", method: http.MethodGet, handler: h.getConfig},
		route{pattern: "/terms", method: http.MethodGet, handler: h.terms},
		route{pattern: "/privacy", method: http.MethodGet, handler: h.privacy},
	)
	mux.HandleFunc("/policy/", h.policyResource)
	mux.HandleFunc("/truth/", h.truthResource)
	return corsMiddleware(mux)
}

// banner implements `GET /` (spec §6: "plain-text banner"), matching the
// original's anastasis-httpd.c top-level dispatch (SPEC_FULL.md §C.3).
func (h *Handler) banner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s (Anastasis key-escrow provider)\n", h.cfg.Anastasis.BusinessName)
}

// agpl implements `GET /agpl` (spec §6) as a fixed 302 redirect to the
// AGPL-3.0 license text at gnu.org; it does not link to this provider's
// own source code, and no configuration setting changes the target.
func (h *Handler) agpl(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://www.gnu.org/licenses/agpl-3.0.txt", http.StatusFound)
}

func policyAccountFromPath(path string) string {
	return strings.TrimPrefix(path, "/policy/")
}

func truthUUIDFromPath(path string) string {
	return strings.TrimPrefix(path, "/truth/")
}

func (h *Handler) policyResource(w http.ResponseWriter, r *http.Request) {
	pubHex := policyAccountFromPath(r.URL.Path)
	if pubHex == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handlePolicyGet(w, r, pubHex)
	case http.MethodPost:
		h.handlePolicyPost(w, r, pubHex)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) truthResource(w http.ResponseWriter, r *http.Request) {
	uuidHex := truthUUIDFromPath(r.URL.Path)
	if uuidHex == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleTruthGet(w, r, uuidHex)
	case http.MethodPost:
		h.handleTruthPost(w, r, uuidHex)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeSvcError renders a *svcerrors.ServiceError as the response body
// and status, attaching the `Taler:` header on payment-required replies
// (spec §6: "402 ... with Taler: header").
func (h *Handler) writeSvcError(w http.ResponseWriter, err error) {
	se := svcerrors.As(err)
	if se == nil {
		se = svcerrors.Internal("internal error", err)
	}
	if se.Code == svcerrors.CodePaymentRequired {
		if payto, ok := se.Details["payto"].(string); ok {
			w.Header().Set(HeaderTaler, payto)
		}
	}
	if h.log != nil && se.HTTPStatus >= http.StatusInternalServerError {
		h.log.WithField("code", se.Code).WithField("status", se.HTTPStatus).Error(se.Error())
	}
	writeJSON(w, se.HTTPStatus, se)
}
