package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"wayleave/internal/app"
	"wayleave/internal/blob"
	"wayleave/internal/domain"
	"wayleave/internal/engine"
	"wayleave/internal/engine/auth"
	"wayleave/internal/events"
	"wayleave/internal/identity"
	"wayleave/internal/obs"
)

// Config for the HTTP API handler.
type Config struct {
	Service        app.Service
	Identity       *identity.Provider
	Profiles       auth.ProfileStore
	Blobs          *blob.Store
	Feed           events.Poller
	BootstrapEmail string
	BasePath       string
	// LoginRate is the per-client login attempts per second; 0 disables limiting.
	LoginRate    float64
	SignedURLTTL time.Duration
	// FeedRecheck is how often an idle feed revalidates its session; 0 means 5s.
	FeedRecheck time.Duration
	Logger      *log.Logger
}

// FromApp builds a handler config over the components of a.
func FromApp(a *app.App) Config {
	return Config{
		Service:        a.Service,
		Identity:       a.Identity,
		Profiles:       a.Repo,
		Blobs:          a.Blobs,
		Feed:           a.Feed,
		BootstrapEmail: a.Config.Auth.BootstrapEmail,
		BasePath:       a.Config.Server.BasePath,
		LoginRate:      a.Config.Server.LoginRate,
		SignedURLTTL:   a.Config.Storage.SignedURLTTL,
		FeedRecheck:    a.Config.Feed.RecheckInterval,
		Logger:         a.Logger,
	}
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"role TSS cannot move a record from WaitingForAction to Completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"WaitingForAction\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the wayleave API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Identity == nil || cfg.Profiles == nil || cfg.Blobs == nil {
		return nil, errors.New("server: identity, profiles and blobs are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	errLog = cfg.logger()
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	obs.Init()
	router := chi.NewRouter()
	router.Use(obs.Instrument)
	router.Use(newLoginLimiter(path.Join(basePath, "auth/login"), cfg.LoginRate))
	router.Use(newAuthMiddleware(basePath, cfg.Identity, cfg.Profiles))
	hcfg := huma.DefaultConfig("Wayleave API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", obs.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerSessions(group, cfg)
	registerMe(group)
	registerRecords(group, cfg.Service)
	registerAttachments(group, router, basePath, cfg)
	registerProfiles(group, cfg.Service)
	registerOverview(group, cfg.Service)
	registerFeed(router, basePath, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// errLog receives infrastructure failures surfaced through handleError.
var errLog = log.Default()

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve *domain.ValidationError
		te *domain.TransitionError
		ae *domain.AuthError
		se *domain.StoreError
	)
	switch {
	case errors.As(err, &ve):
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"actor": te.Actor, "from": te.From, "to": te.To,
		})
	case errors.As(err, &ae):
		return authStatusError(ae)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &se) && errors.Is(se.Kind, domain.ErrSchemaMismatch):
		errLog.Printf("server: %v", err)
		return newAPIError(http.StatusServiceUnavailable, "schema_mismatch", "workspace schema is out of date", nil)
	case errors.As(err, &se):
		errLog.Printf("server: %v", err)
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "storage is temporarily unavailable", nil)
	}
	errLog.Printf("server: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

// authStatusError maps a missing session to 401 and every profile or role
// refusal to 403 with the reason as code.
func authStatusError(ae *domain.AuthError) huma.StatusError {
	switch ae.Reason {
	case domain.ReasonNoSession, domain.ReasonBadCredentials, "":
		code := string(ae.Reason)
		if code == "" || code == string(domain.ReasonNoSession) {
			code = "unauthorized"
		}
		return newAPIError(http.StatusUnauthorized, code, ae.Error(), nil)
	default:
		return newAPIError(http.StatusForbidden, string(ae.Reason), ae.Error(), nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		public := isPublicPath(basePath, route)
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Wayleave API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Sign in with POST auth/login and authenticate with Authorization: Bearer &lt;access_token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Sign in with email and password",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if err := cfg.Identity.CheckDomain(input.Body.Email); err != nil {
			return nil, handleError(err)
		}
		sess, err := cfg.Identity.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		profile, err := auth.Admit(ctx, cfg.Profiles, cfg.BootstrapEmail, sess, cfg.logger())
		if err != nil {
			if endErr := cfg.Identity.EndSession(ctx, sess.ID); endErr != nil {
				cfg.logger().Printf("server: end rejected session %s: %v", sess.ID, endErr)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: mapSession(sess, profile.Role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/auth/signup",
		Summary:       "Register an account pending administrator activation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body SignUpRequest `json:"body"`
	}) (*struct {
		Body SignUpResponse `json:"body"`
	}, error) {
		id, err := cfg.Identity.SignUp(ctx, input.Body.Email, input.Body.Password, input.Body.PasswordConfirm)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignUpResponse `json:"body"`
		}{Body: SignUpResponse{UserID: id, Status: string(domain.ActivationPending)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh",
		Method:      http.MethodPost,
		Path:        "/auth/refresh",
		Summary:     "Rotate a refresh token",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body RefreshRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, err := cfg.Identity.Refresh(ctx, input.Body.RefreshToken)
		if err != nil {
			return nil, handleError(err)
		}
		profile, err := auth.Authorize(ctx, cfg.Profiles, sess.UserID)
		if err != nil {
			if endErr := cfg.Identity.EndSession(ctx, sess.ID); endErr != nil {
				cfg.logger().Printf("server: end rejected session %s: %v", sess.ID, endErr)
			}
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: mapSession(sess, profile.Role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "logout",
		Method:        http.MethodPost,
		Path:          "/auth/logout",
		Summary:       "End the calling session",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Identity.EndSession(ctx, p.SessionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{UserID: p.Actor.UserID, Email: p.Actor.Email, Role: p.Actor.Role}}, nil
	})
}

type recordPath struct {
	ID int64 `path:"id" minimum:"1"`
}

func registerRecords(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List wayleave records, newest first",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Query string `query:"query" doc:"Case-insensitive match on the wayleave number"`
	}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := svc.SearchRecords(ctx, p.Actor, input.Query)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: RecordListResponse{Items: mapRecords(items, p.Actor.Role)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-records",
		Method:      http.MethodGet,
		Path:        "/records/pending",
		Summary:     "Records awaiting the caller's role",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RecordListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := svc.PendingActions(ctx, p.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordListResponse `json:"body"`
		}{Body: RecordListResponse{Items: mapRecords(items, p.Actor.Role)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-record",
		Method:        http.MethodPost,
		Path:          "/records",
		Summary:       "Create a wayleave record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRecordRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := svc.CreateRecord(ctx, p.Actor, input.Body.WayleaveNumber, input.Body.Attachment.upload())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: mapRecord(rec, p.Actor.Role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{id}",
		Summary:     "Get a wayleave record",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *recordPath) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := svc.Record(ctx, p.Actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: mapRecord(rec, p.Actor.Role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-record",
		Method:      http.MethodPost,
		Path:        "/records/{id}/transitions",
		Summary:     "Move a record to a new status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id" minimum:"1"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target, err := domain.ParseStatus(input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		rec, err := svc.ApplyTransition(ctx, p.Actor, input.ID, target, input.Body.Evidence.upload())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: mapRecord(rec, p.Actor.Role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-record",
		Method:      http.MethodPatch,
		Path:        "/records/{id}",
		Summary:     "Rename a record (Admin)",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id" minimum:"1"`
		Body PatchRecordRequest `json:"body"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := svc.UpdateRecordNumber(ctx, p.Actor, input.ID, input.Body.WayleaveNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: mapRecord(rec, p.Actor.Role)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-record",
		Method:        http.MethodDelete,
		Path:          "/records/{id}",
		Summary:       "Delete a record and its attachments (Admin)",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *recordPath) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.DeleteRecord(ctx, p.Actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAttachments(api huma.API, r chi.Router, basePath string, cfg Config) {
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = engine.DefaultSignedURLTTL
	}
	huma.Register(api, huma.Operation{
		OperationID: "attachment-url",
		Method:      http.MethodGet,
		Path:        "/records/{id}/attachments/{kind}/url",
		Summary:     "Short-lived download URL for a record attachment",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64  `path:"id" minimum:"1"`
		Kind string `path:"kind" enum:"initial,approved"`
	}) (*struct {
		Body URLResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind, err := engine.ParseAttachmentKind(input.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		url, err := cfg.Service.AttachmentURL(ctx, p.Actor, input.ID, kind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body URLResponse `json:"body"`
		}{Body: URLResponse{URL: url, ExpiresIn: int(ttl / time.Second)}}, nil
	})

	// Signed downloads stream raw bytes and stay outside the JSON API.
	r.Get(path.Join(basePath, "attachments/{token}"), func(w http.ResponseWriter, req *http.Request) {
		p, err := cfg.Blobs.Verify(chi.URLParam(req, "token"))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusForbidden, "invalid_token", "download link is invalid or expired", nil))
			return
		}
		f, err := cfg.Blobs.Open(p)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "attachment not found", nil))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(p)))
		http.ServeContent(w, req, path.Base(p), info.ModTime(), f)
	})
}

func registerOverview(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "get-overview",
		Method:      http.MethodGet,
		Path:        "/overview",
		Summary:     "User and record counts (Admin)",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Overview `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := svc.Overview(ctx, p.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Overview `json:"body"`
		}{Body: o}, nil
	})
}

func registerProfiles(api huma.API, svc app.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List user profiles (Admin)",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Search string `query:"search" doc:"Case-insensitive match on the email"`
	}) (*struct {
		Body ProfileListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := svc.SearchProfiles(ctx, p.Actor, input.Search)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProfileListResponse `json:"body"`
		}{Body: ProfileListResponse{Items: nonNilProfiles(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPatch,
		Path:        "/profiles/{id}",
		Summary:     "Assign a role or change activation of another user (Admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body PatchProfileRequest `json:"body"`
	}) (*struct {
		Body domain.UserProfile `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch, err := input.Body.patch()
		if err != nil {
			return nil, handleError(err)
		}
		profile, err := svc.UpdateProfile(ctx, p.Actor, input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.UserProfile `json:"body"`
		}{Body: profile}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-profile",
		Method:        http.MethodDelete,
		Path:          "/profiles/{id}",
		Summary:       "Remove a user's profile and end their sessions (Admin)",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.DeleteProfile(ctx, p.Actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
