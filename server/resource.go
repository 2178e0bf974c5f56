package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/localrivet/wilduri"

	"github.com/renaiss-ai/httpmcp/events"
	"github.com/renaiss-ai/httpmcp/mcp"
)

// ResourceListFunc produces the descriptor entries a resource contributes
// to resources/list.
type ResourceListFunc func(ctx *Context) ([]mcp.Resource, error)

// ResourceReadFunc produces the contents for a resources/read of the given
// URI. For templated resources, params carries the values extracted from
// the URI template.
type ResourceReadFunc func(ctx *Context, uri string, params map[string]string) ([]mcp.ResourceContents, error)

// Resource represents a resource registered with the server. Every
// resource carries a list handler and a read handler as a pair: listing
// without reading (or the reverse) is rejected at registration.
type Resource struct {
	// URI is the exact URI or URI template this resource is registered under
	URI string

	// Description explains what the resource provides
	Description string

	// MimeType is the default content type advertised for this resource
	MimeType string

	// ListHandler contributes entries to resources/list
	ListHandler ResourceListFunc

	// ReadHandler produces contents for resources/read
	ReadHandler ResourceReadFunc

	// IsTemplate indicates the URI contains {parameter} segments
	IsTemplate bool

	// Template is the parsed URI template used for matching
	Template *wilduri.Template
}

// Resource registers a resource with the server under an exact URI or a
// URI template with {parameter} segments. Both handlers are required;
// registering with either one nil is rejected. Registration failures are
// logged and leave the registry unchanged.
func (s *serverImpl) Resource(uri, description string, listHandler ResourceListFunc, readHandler ResourceReadFunc) Server {
	if err := s.registerResource(uri, description, "", listHandler, readHandler); err != nil {
		s.logger.Error("failed to register resource", "uri", uri, "error", err)
	}
	return s
}

// ResourceWithMimeType is Resource with an explicit default MIME type
// advertised in resources/list and resources/templates/list entries.
func (s *serverImpl) ResourceWithMimeType(uri, description, mimeType string, listHandler ResourceListFunc, readHandler ResourceReadFunc) Server {
	if err := s.registerResource(uri, description, mimeType, listHandler, readHandler); err != nil {
		s.logger.Error("failed to register resource", "uri", uri, "error", err)
	}
	return s
}

func (s *serverImpl) registerResource(uri, description, mimeType string, listHandler ResourceListFunc, readHandler ResourceReadFunc) error {
	if uri == "" {
		return ErrEmptyName
	}
	if listHandler == nil || readHandler == nil {
		return fmt.Errorf("%w: %s", ErrIncompleteResource, uri)
	}

	template, err := wilduri.New(uri)
	if err != nil {
		return fmt.Errorf("failed to parse uri template: %w", err)
	}
	isTemplate := strings.Contains(uri, "{")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.resources[uri]; exists {
		return fmt.Errorf("%w: resource %q", ErrDuplicateCapability, uri)
	}

	s.resources[uri] = &Resource{
		URI:         uri,
		Description: description,
		MimeType:    mimeType,
		ListHandler: listHandler,
		ReadHandler: readHandler,
		IsTemplate:  isTemplate,
		Template:    template,
	}
	s.resourceOrder = append(s.resourceOrder, uri)

	go func() {
		events.Publish[events.ResourceRegisteredEvent](s.events, events.TopicResourceRegistered, events.ResourceRegisteredEvent{
			URI:          uri,
			Description:  description,
			Templated:    isTemplate,
			RegisteredAt: time.Now(),
		})
	}()

	s.notifyListChanged("resources")

	s.logger.Debug("resource registered", "uri", uri, "templated", isTemplate)
	return nil
}

// ProcessResourceList processes a resources/list request. Each non-template
// resource contributes the entries its list handler returns, in
// registration order. Template resources are excluded; they appear in
// resources/templates/list instead.
func (s *serverImpl) ProcessResourceList(ctx *Context) (interface{}, error) {
	cursor, err := parseCursor(ctx.Request.Params)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	order := make([]string, len(s.resourceOrder))
	copy(order, s.resourceOrder)
	resources := make(map[string]*Resource, len(s.resources))
	for uri, res := range s.resources {
		resources[uri] = res
	}
	s.mu.RUnlock()

	entries := make([]mcp.Resource, 0, len(order))
	var nextCursor string

	started := cursor == ""
	pages := 0
	for _, uri := range order {
		if !started {
			if uri == cursor {
				started = true
			}
			continue
		}

		res := resources[uri]
		if res.IsTemplate {
			continue
		}

		raw, err := s.invokeHandler(ctx, "resource "+uri, func() (interface{}, error) {
			entries, listErr := res.ListHandler(ctx)
			return entries, listErr
		})
		if err != nil {
			s.publishResourceAccess(uri, "resources/list", err)
			return nil, fmt.Errorf("resource list handler failed for %s: %w", uri, err)
		}
		listed, _ := raw.([]mcp.Resource)
		for i := range listed {
			if listed[i].URI == "" {
				listed[i].URI = uri
			}
			if listed[i].Description == "" {
				listed[i].Description = res.Description
			}
			if listed[i].MimeType == "" {
				listed[i].MimeType = res.MimeType
			}
		}
		entries = append(entries, listed...)

		pages++
		if pages >= maxPageSize {
			nextCursor = uri
			break
		}
	}

	s.publishResourceAccess("", "resources/list", nil)

	result := mcp.ResourceListResult{Resources: entries}
	if nextCursor != "" && len(order) > 0 && nextCursor != order[len(order)-1] {
		result.NextCursor = nextCursor
	}
	return result, nil
}

// ProcessResourceRead processes a resources/read request. Exact
// registrations are checked before URI templates, so a literal URI always
// wins over a pattern that would also match it.
func (s *serverImpl) ProcessResourceRead(ctx *Context) (interface{}, error) {
	if ctx.Request.Params == nil {
		return nil, NewInvalidParametersError("missing params in resource read")
	}

	var params mcp.ResourceReadParams
	if err := json.Unmarshal(ctx.Request.Params, &params); err != nil {
		return nil, NewInvalidParametersError(fmt.Sprintf("invalid params: %v", err))
	}
	if params.URI == "" {
		return nil, NewInvalidParametersError("missing resource uri")
	}

	resource, templateParams, found := s.findResource(params.URI)
	if !found {
		err := &ResourceNotFoundError{URI: params.URI}
		s.publishResourceAccess(params.URI, "resources/read", err)
		return nil, err
	}

	raw, err := s.invokeHandler(ctx, "resource "+params.URI, func() (interface{}, error) {
		read, readErr := resource.ReadHandler(ctx, params.URI, templateParams)
		return read, readErr
	})
	if err != nil {
		s.publishResourceAccess(params.URI, "resources/read", err)
		return nil, fmt.Errorf("resource read handler failed for %s: %w", params.URI, err)
	}
	contents, _ := raw.([]mcp.ResourceContents)

	for i := range contents {
		if contents[i].URI == "" {
			contents[i].URI = params.URI
		}
		if contents[i].MimeType == "" {
			contents[i].MimeType = resource.MimeType
		}
	}

	s.publishResourceAccess(params.URI, "resources/read", nil)
	return mcp.ResourceReadResult{Contents: contents}, nil
}

// ProcessResourceTemplatesList processes a resources/templates/list
// request, returning only templated registrations.
func (s *serverImpl) ProcessResourceTemplatesList(ctx *Context) (interface{}, error) {
	cursor, err := parseCursor(ctx.Request.Params)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	templates := make([]mcp.ResourceTemplate, 0)
	var nextCursor string

	started := cursor == ""
	for _, uri := range s.resourceOrder {
		if !started {
			if uri == cursor {
				started = true
			}
			continue
		}

		res := s.resources[uri]
		if !res.IsTemplate {
			continue
		}

		templates = append(templates, mcp.ResourceTemplate{
			URITemplate: res.URI,
			Name:        res.URI,
			Description: res.Description,
			MimeType:    res.MimeType,
		})

		if len(templates) >= maxPageSize {
			nextCursor = uri
			break
		}
	}

	result := mcp.ResourceTemplatesListResult{ResourceTemplates: templates}
	if nextCursor != "" && len(s.resourceOrder) > 0 && nextCursor != s.resourceOrder[len(s.resourceOrder)-1] {
		result.NextCursor = nextCursor
	}
	return result, nil
}

// findResource resolves a URI to a registered resource, checking exact
// registrations before templates. Template parameters extracted from the
// URI are returned as strings.
func (s *serverImpl) findResource(uri string) (*Resource, map[string]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if resource, ok := s.resources[uri]; ok && !resource.IsTemplate {
		return resource, map[string]string{}, true
	}

	for _, registered := range s.resourceOrder {
		resource := s.resources[registered]
		if !resource.IsTemplate {
			continue
		}

		matches, matched := resource.Template.Match(uri)
		if matched && matches != nil {
			params := make(map[string]string, len(matches))
			for key, value := range matches {
				params[key] = fmt.Sprintf("%v", value)
			}
			return resource, params, true
		}
	}

	return nil, nil, false
}

func (s *serverImpl) publishResourceAccess(uri, method string, err error) {
	go func() {
		events.Publish[events.ResourceAccessedEvent](s.events, events.TopicResourceAccessed, events.ResourceAccessedEvent{
			URI:        uri,
			Method:     method,
			AccessedAt: time.Now(),
			Success:    err == nil,
			Error:      errText(err),
		})
	}()
}

// StaticResource builds the (list, read) handler pair for a fixed text
// resource. It is a convenience for resources whose contents do not vary.
func StaticResource(uri, name, mimeType, text string) (ResourceListFunc, ResourceReadFunc) {
	list := func(ctx *Context) ([]mcp.Resource, error) {
		return []mcp.Resource{{URI: uri, Name: name, MimeType: mimeType}}, nil
	}
	read := func(ctx *Context, _ string, _ map[string]string) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}, nil
	}
	return list, read
}
