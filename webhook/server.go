// Package webhook accepts WhatsApp Cloud API webhook traffic. POSTs are
// acknowledged with a 200 as soon as the signature and tenant check out and
// everything else happens on a worker pool, the provider retries anything
// slower and the pipeline is idempotent so retries are harmless.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/schema"
	cache "github.com/patrickmn/go-cache"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
	"github.com/tucanchat/tucan/core/store"
	"github.com/tucanchat/tucan/flows"
	"github.com/tucanchat/tucan/realtime"
	"github.com/tucanchat/tucan/runtime"
)

const (
	signatureHeader = "X-Hub-Signature-256"

	// provider envelopes are small, anything larger is not for us
	maxRequestBytes = 1024 * 1024

	// how long a resolved org stays cached against its phone number id
	orgCacheTTL = time.Minute
)

var queryDecoder = schema.NewDecoder()

func init() {
	queryDecoder.IgnoreUnknownKeys(true)
}

// Interpreter is the piece of the flow engine the ingester drives for each
// accepted message.
type Interpreter interface {
	HandleInbound(ctx context.Context, org *models.Org, contact *models.Contact, conv *models.Conversation, input *flows.Input) error
}

// Server verifies and ingests provider webhooks for all tenants.
type Server struct {
	rt     *runtime.Runtime
	db     store.Store
	pub    realtime.Publisher
	interp Interpreter

	foreman *Foreman
	orgs    *cache.Cache
}

// NewServer creates a webhook server, Start must be called before it can
// accept POSTs.
func NewServer(rt *runtime.Runtime, db store.Store, pub realtime.Publisher, interp Interpreter) *Server {
	s := &Server{
		rt:     rt,
		db:     db,
		pub:    pub,
		interp: interp,
		orgs:   cache.New(orgCacheTTL, 5*time.Minute),
	}
	s.foreman = NewForeman(s, rt.Config.MaxWorkers)
	return s
}

// Start spins up the worker pool.
func (s *Server) Start() { s.foreman.Start() }

// Stop drains queued envelopes and stops the workers.
func (s *Server) Stop() { s.foreman.Stop() }

// Routes mounts the verification and delivery endpoints on the passed in
// router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/webhook", s.handleVerify)
	r.Post("/webhook", s.handleReceive)
	r.Get("/webhook/{orgID}", s.handleVerify)
	r.Post("/webhook/{orgID}", s.handleReceive)
}

type verifyRequest struct {
	Mode        string `schema:"hub.mode"`
	VerifyToken string `schema:"hub.verify_token"`
	Challenge   string `schema:"hub.challenge"`
}

// handleVerify answers the provider's subscription handshake, echoing the
// challenge when the token matches the tenant's verify secret, or the global
// default on the legacy route.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	request := &verifyRequest{}
	if err := queryDecoder.Decode(request, r.URL.Query()); err != nil {
		respond(w, http.StatusBadRequest, "unable to decode query")
		return
	}

	// this isn't a subscribe verification, that's an error
	if request.Mode != "subscribe" {
		respond(w, http.StatusBadRequest, "unknown request")
		return
	}

	secret := s.rt.Config.DefaultVerifyToken
	if orgID := chi.URLParam(r, "orgID"); orgID != "" {
		org := s.orgFromPath(r.Context(), orgID)
		if org == nil {
			respond(w, http.StatusForbidden, "token does not match secret")
			return
		}
		if org.VerifyToken != "" {
			secret = org.VerifyToken
		}
	}

	if secret == "" || !secretEqual(request.VerifyToken, secret) {
		respond(w, http.StatusForbidden, "token does not match secret")
		return
	}

	fmt.Fprint(w, request.Challenge)
}

// handleReceive checks the signature and tenant of a delivery and queues it
// for processing. Anything accepted is always acknowledged with a 200, the
// provider must not retry envelopes we have taken responsibility for.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		respond(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	if object, _ := jsonparser.GetString(body, "object"); object != "whatsapp_business_account" {
		respond(w, http.StatusBadRequest, "unknown object type")
		return
	}

	org := s.resolveOrg(r.Context(), r, body)
	if org == nil {
		// an envelope we can't place is dropped, a non 200 would only make
		// the provider hammer us with it again
		slog.Info("webhook for unknown tenant dropped", "url", r.URL.Path)
		respond(w, http.StatusOK, "ignored")
		return
	}
	if !org.IsActive() {
		slog.Info("webhook for inactive tenant dropped", "org_id", org.ID)
		respond(w, http.StatusOK, "ignored")
		return
	}

	if err := s.validateSignature(r, org, body); err != nil {
		slog.Info("webhook signature rejected", "org_id", org.ID, "error", err)
		respond(w, http.StatusForbidden, "invalid signature")
		return
	}

	s.foreman.Queue(&task{org: org, body: body})
	respond(w, http.StatusOK, "queued")
}

// resolveOrg finds the tenant an envelope belongs to, preferring the explicit
// org in the URL and falling back to the phone number id in the envelope's
// metadata.
func (s *Server) resolveOrg(ctx context.Context, r *http.Request, body []byte) *models.Org {
	if orgID := chi.URLParam(r, "orgID"); orgID != "" {
		return s.orgFromPath(ctx, orgID)
	}

	phoneNumberID, _ := jsonparser.GetString(body, "entry", "[0]", "changes", "[0]", "value", "metadata", "phone_number_id")
	if phoneNumberID == "" {
		return nil
	}

	if cached, found := s.orgs.Get(phoneNumberID); found {
		return cached.(*models.Org)
	}

	org, err := s.db.GetOrgByPhoneNumberID(ctx, phoneNumberID)
	if err != nil {
		if errs.KindOf(err) != errs.NotFound {
			slog.Error("error looking up org by phone number id", "error", err, "phone_number_id", phoneNumberID)
		}
		return nil
	}
	if org != nil {
		s.orgs.Set(phoneNumberID, org, cache.DefaultExpiration)
	}
	return org
}

func (s *Server) orgFromPath(ctx context.Context, param string) *models.Org {
	id, err := strconv.ParseInt(param, 10, 64)
	if err != nil {
		return nil
	}
	org, err := s.db.GetOrg(ctx, models.OrgID(id))
	if err != nil {
		if errs.KindOf(err) != errs.NotFound {
			slog.Error("error looking up org", "error", err, "org_id", id)
		}
		return nil
	}
	return org
}

// validateSignature checks the HMAC-SHA256 the provider computes over the
// raw body with the tenant's access token. Development mode accepts
// everything so local tunnels work without real credentials.
func (s *Server) validateSignature(r *http.Request, org *models.Org, body []byte) error {
	if s.rt.Config.DevelopmentMode {
		return nil
	}

	headerSignature := r.Header.Get(signatureHeader)
	if headerSignature == "" {
		return fmt.Errorf("missing request signature")
	}

	token := org.AccessToken
	if token == "" {
		token = s.rt.Config.DefaultAccessToken
	}

	signature := ""
	if len(headerSignature) == 71 && strings.HasPrefix(headerSignature, "sha256=") {
		signature = strings.TrimPrefix(headerSignature, "sha256=")
	}

	// compare in a way that isn't sensitive to a timing attack
	if !hmac.Equal([]byte(calculateSignature(token, body)), []byte(signature)) {
		return fmt.Errorf("invalid request signature")
	}
	return nil
}

func calculateSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func secretEqual(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

func respond(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"message": %q}`, message)
}
