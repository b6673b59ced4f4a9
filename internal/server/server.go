package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"prodline/internal/domain"
	"prodline/internal/engine"
	"prodline/internal/engine/auth"
	"prodline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"workflow_conflict"`
	Message string         `json:"message" example:"workflow version mismatch: submitted 2, stored 3"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope shared by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Prodline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the shared envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Prodline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrganizations(group, cfg.Engine)
	registerOperations(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerCommands(group, cfg.Engine)
	registerPlannings(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerHeatmap(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

func requirePermission(ctx context.Context, e engine.Engine, orgID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, orgID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

// orgFromPathOrHeader prefers the path value, then X-Org-Id, then the
// configured default.
func orgFromPathOrHeader(ctx context.Context, pathOrg, cfgOrg string) string {
	if pathOrg != "" {
		return pathOrg
	}
	if r, ok := ctx.Value(requestKey{}).(*http.Request); ok {
		if hdr := strings.TrimSpace(r.Header.Get("X-Org-Id")); hdr != "" {
			return hdr
		}
	}
	return cfgOrg
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func defaultOrg(e engine.Engine) string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Organization.ID
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Prodline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerOrganizations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-organization",
		Method:        http.MethodPost,
		Path:          "/organizations",
		Summary:       "Create organization",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateOrganizationRequest `json:"body"`
	}) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.InitOrganization(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-organizations",
		Method:      http.MethodGet,
		Path:        "/organizations",
		Summary:     "List organizations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OrganizationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListOrganizations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OrganizationResponse, 0, len(items))
		for _, o := range items {
			out = append(out, organizationResponse(o))
		}
		return &struct {
			Body []OrganizationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-organization",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}",
		Summary:     "Get organization",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrganizationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		o, err := e.Repo.GetOrganization(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrganizationResponse `json:"body"`
		}{Body: organizationResponse(o)}, nil
	})
}

func registerOperations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-operation",
		Method:        http.MethodPost,
		Path:          "/organizations/{org_id}/operations",
		Summary:       "Create catalog operation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID string                 `path:"org_id"`
		Body  CreateOperationRequest `json:"body"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "operation.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OperationCreateOptions{
			OrgID:   orgID,
			Name:    input.Body.Name,
			Code:    input.Body.Code,
			IsFinal: input.Body.IsFinal,
			ActorID: actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		op, err := e.CreateOperation(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operations",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/operations",
		Summary:     "List catalog operations",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Operation `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOperations(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Operation `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-operation",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/operations/{operation_id}",
		Summary:     "Get catalog operation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID       string `path:"org_id"`
		OperationID string `path:"operation_id"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		op, err := e.Repo.GetOperation(ctx, input.OperationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-operation",
		Method:      http.MethodPatch,
		Path:        "/organizations/{org_id}/operations/{operation_id}",
		Summary:     "Update catalog operation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OrgID       string                 `path:"org_id"`
		OperationID string                 `path:"operation_id"`
		Body        UpdateOperationRequest `json:"body"`
	}) (*struct {
		Body domain.Operation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "operation.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := e.UpdateOperation(ctx, input.OperationID, engine.OperationUpdateOptions{
			Name:        input.Body.Name,
			Code:        input.Body.Code,
			Description: input.Body.Description,
			IsFinal:     input.Body.IsFinal,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operation `json:"body"`
		}{Body: op}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-operation",
		Method:      http.MethodDelete,
		Path:        "/organizations/{org_id}/operations/{operation_id}",
		Summary:     "Delete catalog operation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrgID       string `path:"org_id"`
		OperationID string `path:"operation_id"`
	}) (*struct{}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "operation.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteOperation(ctx, input.OperationID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-post",
		Method:        http.MethodPost,
		Path:          "/organizations/{org_id}/posts",
		Summary:       "Create work post",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  CreateNamedRequest `json:"body"`
	}) (*struct {
		Body domain.Post `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "operation.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePost(ctx, orgID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Post `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-posts",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/posts",
		Summary:     "List work posts",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Post `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListPosts(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Post `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-operator",
		Method:        http.MethodPost,
		Path:          "/organizations/{org_id}/operators",
		Summary:       "Create operator",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  CreateNamedRequest `json:"body"`
	}) (*struct {
		Body domain.Operator `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "operation.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOperator(ctx, orgID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Operator `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operators",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/operators",
		Summary:     "List operators",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Operator `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListOperators(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Operator `json:"body"`
		}{Body: items}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/organizations/{org_id}/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OrgID string             `path:"org_id"`
		Body  CreateNamedRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "workflow.save"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, orgID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListProjects(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.OrgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "save-workflow",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Save workflow graph",
		Description: "Replaces the stored graph with the submitted snapshot. The submitted version must match the stored one; 0 on first save.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      SaveWorkflowRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.OrgID, "workflow.save"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.SaveWorkflow(ctx, saveOptions(input.ProjectID, actorID, input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/workflow",
		Summary:     "Get workflow graph",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.OrgID, "workflow.read"); err != nil {
			return nil, handleError(err)
		}
		g, err := e.GetWorkflow(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: workflowResponse(g)}, nil
	})
}

func registerCommands(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-command",
		Method:        http.MethodPost,
		Path:          "/organizations/{org_id}/commands",
		Summary:       "Create command",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OrgID string               `path:"org_id"`
		Body  CreateCommandRequest `json:"body"`
	}) (*struct {
		Body domain.Command `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "command.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCommand(ctx, orgID, input.Body.Reference, input.Body.Customer, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Command `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-commands",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/commands",
		Summary:     "List commands",
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body []domain.Command `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "progress.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCommands(ctx, orgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Command `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-command-project",
		Method:        http.MethodPost,
		Path:          "/commands/{command_id}/projects",
		Summary:       "Create order line",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CommandID string                      `path:"command_id"`
		Body      CreateCommandProjectRequest `json:"body"`
	}) (*struct {
		Body domain.CommandProject `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cmd, err := e.Repo.GetCommand(ctx, input.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, cmd.OrgID, "command.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cp, err := e.CreateCommandProject(ctx, engine.CommandProjectCreateOptions{
			CommandID: input.CommandID,
			ProjectID: input.Body.ProjectID,
			Target:    input.Body.Target,
			StartDate: input.Body.StartDate,
			EndDate:   input.Body.EndDate,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CommandProject `json:"body"`
		}{Body: cp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-command-projects",
		Method:      http.MethodGet,
		Path:        "/commands/{command_id}/projects",
		Summary:     "List order lines",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommandID string `path:"command_id"`
	}) (*struct {
		Body []domain.CommandProject `json:"body"`
	}, error) {
		cmd, err := e.Repo.GetCommand(ctx, input.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, cmd.OrgID, "progress.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListCommandProjects(ctx, input.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.CommandProject `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-command-project-status",
		Method:      http.MethodPatch,
		Path:        "/command-projects/{command_project_id}/status",
		Summary:     "Update order line status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommandProjectID string                            `path:"command_project_id"`
		Body             UpdateCommandProjectStatusRequest `json:"body"`
	}) (*struct {
		Body domain.CommandProject `json:"body"`
	}, error) {
		cp, err := e.Repo.GetCommandProject(ctx, input.CommandProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cmd, err := e.Repo.GetCommand(ctx, cp.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, cmd.OrgID, "command.manage"); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.UpdateCommandProjectStatus(ctx, cp.ID, input.Body.Status); err != nil {
			return nil, handleError(err)
		}
		cp.Status = input.Body.Status
		return &struct {
			Body domain.CommandProject `json:"body"`
		}{Body: cp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-sprint",
		Method:      http.MethodPut,
		Path:        "/command-projects/{command_project_id}/sprint",
		Summary:     "Set order line sprint",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CommandProjectID string           `path:"command_project_id"`
		Body             SetSprintRequest `json:"body"`
	}) (*struct {
		Body domain.Sprint `json:"body"`
	}, error) {
		cp, err := e.Repo.GetCommandProject(ctx, input.CommandProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cmd, err := e.Repo.GetCommand(ctx, cp.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, cmd.OrgID, "command.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetSprint(ctx, cp.ID, input.Body.Target, input.Body.Days, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Sprint `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/command-projects/{command_project_id}/progress",
		Summary:     "Get order line progress",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CommandProjectID string `path:"command_project_id"`
	}) (*struct {
		Body engine.Progress `json:"body"`
	}, error) {
		cp, err := e.Repo.GetCommandProject(ctx, input.CommandProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		cmd, err := e.Repo.GetCommand(ctx, cp.CommandID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, cmd.OrgID, "progress.read"); err != nil {
			return nil, handleError(err)
		}
		p, err := e.OrderLineProgress(ctx, cp.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Progress `json:"body"`
		}{Body: p}, nil
	})
}

func registerPlannings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-planning",
		Method:        http.MethodPost,
		Path:          "/plannings",
		Summary:       "Create planning",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body PlanningRequest `json:"body"`
	}) (*struct {
		Body domain.Planning `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		post, err := e.Repo.GetPost(ctx, input.Body.PostID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, post.OrgID, "planning.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePlanning(ctx, engine.PlanningOptions{
			PostID:           input.Body.PostID,
			OperatorID:       input.Body.OperatorID,
			OperationID:      input.Body.OperationID,
			CommandProjectID: input.Body.CommandProjectID,
			StartDate:        input.Body.StartDate,
			EndDate:          input.Body.EndDate,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Planning `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-planning",
		Method:      http.MethodPut,
		Path:        "/plannings/{planning_id}",
		Summary:     "Update planning",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		PlanningID string          `path:"planning_id"`
		Body       PlanningRequest `json:"body"`
	}) (*struct {
		Body domain.Planning `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		post, err := e.Repo.GetPost(ctx, input.Body.PostID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, post.OrgID, "planning.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdatePlanning(ctx, engine.PlanningOptions{
			ID:               input.PlanningID,
			PostID:           input.Body.PostID,
			OperatorID:       input.Body.OperatorID,
			OperationID:      input.Body.OperationID,
			CommandProjectID: input.Body.CommandProjectID,
			StartDate:        input.Body.StartDate,
			EndDate:          input.Body.EndDate,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Planning `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-planning",
		Method:      http.MethodDelete,
		Path:        "/plannings/{planning_id}",
		Summary:     "Delete planning",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanningID string `path:"planning_id"`
	}) (*struct{}, error) {
		p, err := e.Repo.GetPlanning(ctx, input.PlanningID)
		if err != nil {
			return nil, handleError(err)
		}
		post, err := e.Repo.GetPost(ctx, p.PostID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, post.OrgID, "planning.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePlanning(ctx, input.PlanningID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plannings",
		Method:      http.MethodGet,
		Path:        "/plannings",
		Summary:     "List plannings",
		Description: "Filter by exactly one of post_id, operator_id or command_project_id.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		PostID           string `query:"post_id"`
		OperatorID       string `query:"operator_id"`
		CommandProjectID string `query:"command_project_id"`
	}) (*struct {
		Body []domain.Planning `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			items []domain.Planning
			err   error
		)
		switch {
		case input.PostID != "":
			items, err = e.Repo.ListPlanningsForPost(ctx, input.PostID)
		case input.OperatorID != "":
			items, err = e.Repo.ListPlanningsForOperator(ctx, input.OperatorID)
		case input.CommandProjectID != "":
			items, err = e.Repo.ListPlanningsForCommandProject(ctx, input.CommandProjectID)
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "post_id, operator_id or command_project_id is required", nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Planning `json:"body"`
		}{Body: items}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-history",
		Method:        http.MethodPost,
		Path:          "/history",
		Summary:       "Append production report",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body AppendHistoryRequest `json:"body"`
	}) (*struct {
		Body domain.OperationHistory `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		post, err := e.Repo.GetPost(ctx, input.Body.PostID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, post.OrgID, "history.append"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		h, err := e.AppendHistory(ctx, engine.HistoryAppendOptions{
			PlanningID:       input.Body.PlanningID,
			CommandProjectID: input.Body.CommandProjectID,
			PostID:           input.Body.PostID,
			OperationID:      input.Body.OperationID,
			OperatorID:       input.Body.OperatorID,
			Count:            input.Body.Count,
			ActorID:          actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OperationHistory `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "List ledger entries",
		Description: "Newest first. Pass cursor (last seen id) to page backwards.",
	}, func(ctx context.Context, input *struct {
		CommandProjectID string `query:"command_project_id"`
		OperatorID       string `query:"operator_id"`
		OperationID      string `query:"operation_id"`
		PostID           string `query:"post_id"`
		Limit            int    `query:"limit"`
		Cursor           int64  `query:"cursor"`
	}) (*struct {
		Body []domain.OperationHistory `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.ListHistory(ctx, repo.HistoryFilters{
			CommandProjectID: input.CommandProjectID,
			OperatorID:       input.OperatorID,
			OperationID:      input.OperationID,
			PostID:           input.PostID,
			Limit:            limit,
			CursorID:         input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OperationHistory `json:"body"`
		}{Body: items}, nil
	})
}

func registerHeatmap(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "operator-heatmap",
		Method:      http.MethodGet,
		Path:        "/operators/{operator_id}/heatmap",
		Summary:     "Operator activity heatmap",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OperatorID string `path:"operator_id"`
	}) (*struct {
		Body HeatmapResponse `json:"body"`
	}, error) {
		operator, err := e.Repo.GetOperator(ctx, input.OperatorID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, operator.OrgID, "heatmap.read"); err != nil {
			return nil, handleError(err)
		}
		hm, err := e.OperatorHeatmap(ctx, input.OperatorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HeatmapResponse `json:"body"`
		}{Body: HeatmapResponse{OperatorID: operator.ID, Days: hm.Days}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/organizations/{org_id}/events",
		Summary:     "List events",
		Description: "Newest first. Pass cursor (last seen id) to page backwards.",
	}, func(ctx context.Context, input *struct {
		OrgID      string `path:"org_id"`
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if err := requirePermission(ctx, e, orgID, "event.read"); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		var (
			items []domain.Event
			err   error
		)
		if input.Cursor > 0 {
			items, err = e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, orgID, input.Type, input.EntityKind, input.EntityID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, orgID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, input *struct {
		OrgID string `query:"org_id"`
	}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp := MeResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       principal.Roles,
			Permissions: principal.Permissions,
		}
		orgID := orgFromPathOrHeader(ctx, input.OrgID, defaultOrg(e))
		if orgID != "" {
			tx, err := e.DB.BeginTx(ctx, nil)
			if err != nil {
				return nil, handleError(err)
			}
			defer tx.Rollback()
			if roles, err := e.Auth.ActorRoles(ctx, tx, orgID, principal.ActorID); err == nil && len(roles) > 0 {
				resp.Roles = roles
			}
			if perms, err := e.Auth.ActorPermissions(ctx, tx, orgID, principal.ActorID); err == nil && len(perms) > 0 {
				resp.Permissions = perms
			}
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: resp}, nil
	})
}
