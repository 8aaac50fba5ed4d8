package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type openAPIOperation struct {
	Responses map[string]any `yaml:"responses"`
}

type openAPIDoc struct {
	Paths map[string]map[string]openAPIOperation `yaml:"paths"`
}

func documentedRoutes(t *testing.T) map[string]openAPIOperation {
	t.Helper()
	var doc openAPIDoc
	require.NoError(t, yaml.Unmarshal(openapiSpec, &doc), "parse openapi.yaml")

	routes := make(map[string]openAPIOperation)
	for path, ops := range doc.Paths {
		for method, op := range ops {
			if strings.HasPrefix(method, "x-") || method == "parameters" {
				continue
			}
			routes[strings.ToUpper(method)+" "+path] = op
		}
	}
	return routes
}

// registeredRoutes walks the router. Router only registers handlers, so a
// nil session is enough.
func registeredRoutes(t *testing.T) []string {
	t.Helper()
	var routes []string
	err := chi.Walk(New(nil).Router(), func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		route = strings.TrimRight(route, "/")
		if route == "/openapi.yaml" || strings.HasPrefix(route, "/docs") || strings.HasPrefix(route, "/redoc") {
			return nil
		}
		routes = append(routes, method+" "+route)
		return nil
	})
	require.NoError(t, err)
	return routes
}

func TestOpenAPIDrift(t *testing.T) {
	documented := documentedRoutes(t)
	var want []string
	for route := range documented {
		want = append(want, route)
	}
	assert.ElementsMatch(t, want, registeredRoutes(t),
		"routes registered in Router() and documented in openapi.yaml differ")
}

func TestOpenAPIDocumentsCSRFRejections(t *testing.T) {
	for route, op := range documentedRoutes(t) {
		method, _, _ := strings.Cut(route, " ")
		if method == http.MethodGet {
			continue
		}
		assert.Contains(t, op.Responses, "403", "%s is CSRF-protected but documents no 403", route)
	}
}
