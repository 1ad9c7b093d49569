package web

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tucanchat/tucan/core/errs"
	"github.com/tucanchat/tucan/core/models"
)

type contextKey int

const (
	ctxOrg contextKey = iota
	ctxUser
)

// orgFromCtx returns the org the request authenticated as. Only call under
// requireOrg or requireAPIKey.
func orgFromCtx(ctx context.Context) *models.Org {
	return ctx.Value(ctxOrg).(*models.Org)
}

// userFromCtx returns the dashboard user on the request, nil id for api key
// callers.
func userFromCtx(ctx context.Context) models.UserID {
	id, _ := ctx.Value(ctxUser).(models.UserID)
	return id
}

// requireOrg authenticates a dashboard request, either a bearer token or an
// org api key, and stashes the org and user on the context.
func (s *Server) requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, userID, err := s.authenticate(r)
		if err != nil {
			s.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxOrg, org)
		ctx = context.WithValue(ctx, ctxUser, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAPIKey authenticates an integration request with the org api key
// alone, bearer tokens are not accepted on these routes.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := s.orgForAPIKey(r.Context(), r.Header.Get("X-API-Key"))
		if err != nil {
			s.writeError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxOrg, org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (*models.Org, models.UserID, error) {
	ctx := r.Context()

	if key := r.Header.Get("X-API-Key"); key != "" {
		org, err := s.orgForAPIKey(ctx, key)
		return org, models.NilUserID, err
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, models.NilUserID, errs.New(errs.Auth, "missing credentials")
	}

	orgID, userID, err := s.parseToken(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return nil, models.NilUserID, err
	}

	org, err := s.db.GetOrg(ctx, orgID)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return nil, models.NilUserID, errs.New(errs.Auth, "invalid credentials")
		}
		return nil, models.NilUserID, err
	}
	if !org.IsActive() {
		return nil, models.NilUserID, errs.New(errs.TenantClosed, "org is not active")
	}
	return org, userID, nil
}

func (s *Server) orgForAPIKey(ctx context.Context, key string) (*models.Org, error) {
	if key == "" {
		return nil, errs.New(errs.Auth, "missing api key")
	}

	org, err := s.db.GetOrgByAPIKey(ctx, key)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			return nil, errs.New(errs.Auth, "invalid api key")
		}
		return nil, err
	}
	if !org.IsActive() {
		return nil, errs.New(errs.TenantClosed, "org is not active")
	}
	return org, nil
}

// parseToken validates a dashboard JWT and returns its org and user claims.
func (s *Server) parseToken(tokenString string) (models.OrgID, models.UserID, error) {
	if s.rt.Config.JWTSecret == "" {
		return models.NilOrgID, models.NilUserID, errs.New(errs.Auth, "bearer auth is not configured")
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.rt.Config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return models.NilOrgID, models.NilUserID, errs.Wrap(errs.Auth, "invalid token", err)
	}

	orgID, ok := claims["org_id"].(float64)
	if !ok {
		return models.NilOrgID, models.NilUserID, errs.New(errs.Auth, "token has no org claim")
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return models.NilOrgID, models.NilUserID, errs.New(errs.Auth, "token has no user claim")
	}
	return models.OrgID(orgID), models.UserID(userID), nil
}

// handleSocket authenticates a websocket handshake from the token query
// parameter and hands the connection to the hub.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	orgID, userID, err := s.parseToken(r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	org, err := s.db.GetOrg(r.Context(), orgID)
	if err != nil {
		s.writeError(w, errs.New(errs.Auth, "invalid credentials"))
		return
	}
	if !org.IsActive() {
		s.writeError(w, errs.New(errs.TenantClosed, "org is not active"))
		return
	}

	if err := s.hub.Connect(w, r, org.ID, userID); err != nil {
		slog.Error("error upgrading socket", "error", err, "org_id", org.ID, "user_id", userID)
	}
}
