// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/tombee/actiond/internal/httputil"
	"github.com/tombee/actiond/internal/store"
)

// handleOpenAPI handles GET /openapi.json. The document reflects the
// currently enabled actions, so it is rebuilt per request.
func (r *Router) handleOpenAPI(w http.ResponseWriter, req *http.Request) {
	doc, err := r.buildOpenAPI(req.Context())
	if err != nil {
		httputil.WriteErrorFrom(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

func (r *Router) buildOpenAPI(ctx context.Context) (*openapi3.T, error) {
	name := r.cfg.ServerName
	if name == "" {
		name = "Action Server"
	}
	version := r.cfg.Version
	if version == "" {
		version = "0.0.0"
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info:    &openapi3.Info{Title: name, Version: version},
		Paths:   openapi3.NewPaths(),
	}
	if r.cfg.APIKey != "" {
		doc.Components = &openapi3.Components{
			SecuritySchemes: openapi3.SecuritySchemes{
				"bearerAuth": &openapi3.SecuritySchemeRef{
					Value: openapi3.NewSecurityScheme().WithType("http").WithScheme("bearer"),
				},
			},
		}
		doc.Security = *openapi3.NewSecurityRequirements().
			With(openapi3.NewSecurityRequirement().Authenticate("bearerAuth"))
	}

	pkgs, err := r.deps.Store.ListActionPackages(ctx)
	if err != nil {
		return nil, err
	}
	for _, pkg := range pkgs {
		actions, err := r.deps.Store.ListActions(ctx, pkg.ID, true)
		if err != nil {
			return nil, err
		}
		for _, action := range actions {
			item, err := actionPathItem(pkg, action)
			if err != nil {
				return nil, err
			}
			doc.Paths.Set(fmt.Sprintf("/api/actions/%s/%s/run", pkg.Name, action.Name), item)
		}
	}
	return doc, nil
}

// actionPathItem builds the POST operation for one action run endpoint.
func actionPathItem(pkg *store.ActionPackage, action *store.Action) (*openapi3.PathItem, error) {
	input, err := parseSchema(action.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("action %s/%s: bad input schema: %w", pkg.Name, action.Name, err)
	}
	output, err := parseSchema(action.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("action %s/%s: bad output schema: %w", pkg.Name, action.Name, err)
	}

	op := openapi3.NewOperation()
	op.OperationID = fmt.Sprintf("%s_%s", pkg.Name, action.Name)
	op.Summary = action.Name
	op.Description = action.Docs
	op.Tags = []string{pkg.Name}
	op.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchema(input),
	}
	op.AddResponse(http.StatusOK,
		openapi3.NewResponse().WithDescription("Action return value").WithJSONSchema(output))
	op.AddResponse(http.StatusUnprocessableEntity,
		openapi3.NewResponse().WithDescription("Input schema violation"))

	return &openapi3.PathItem{Post: op}, nil
}

func parseSchema(raw string) (*openapi3.Schema, error) {
	if raw == "" {
		raw = "{}"
	}
	var schema openapi3.Schema
	if err := json.Unmarshal([]byte(raw), &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
