package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/renaiss-ai/httpmcp/events"
	"github.com/renaiss-ai/httpmcp/mcp"
	"github.com/renaiss-ai/httpmcp/util/schema"
)

// Tool represents a tool registered with the server.
// Tools are functions that clients can call to perform specific operations.
type Tool struct {
	// Name is the unique identifier for the tool
	Name string

	// Description explains what the tool does
	Description string

	// Handler is the wrapped function that executes when the tool is called
	Handler func(ctx *Context, args map[string]interface{}) (interface{}, error)

	// Schema defines the expected input format for the tool
	Schema map[string]interface{}

	// Annotations contains additional metadata about the tool
	Annotations map[string]interface{}
}

// Tool registers a tool with the server.
// The handler must be a function with signature:
//
//	func(ctx *Context, args StructType) (interface{}, error)
//
// where StructType is a struct, pointer to struct, or interface{} for tools
// without arguments. The input schema is generated from the struct's JSON
// tags, and required fields are enforced before the handler runs.
// Registration failures (duplicate name, empty name, bad handler shape) are
// logged and leave the registry unchanged.
func (s *serverImpl) Tool(name, description string, handler interface{}, annotations ...map[string]interface{}) Server {
	handlerFunc, schemaMap, err := s.validateAndExtractToolHandler(handler)
	if err != nil {
		s.logger.Error("invalid tool handler", "name", name, "error", err)
		return s
	}

	mergedAnnotations := make(map[string]interface{})
	for _, annotationMap := range annotations {
		for k, v := range annotationMap {
			mergedAnnotations[k] = v
		}
	}

	if err := s.registerTool(name, description, handlerFunc, schemaMap, mergedAnnotations); err != nil {
		s.logger.Error("failed to register tool", "name", name, "error", err)
	}
	return s
}

// validateAndExtractToolHandler validates a handler function's shape and
// builds the wrapped handler plus its generated input schema.
func (s *serverImpl) validateAndExtractToolHandler(handler interface{}) (func(*Context, map[string]interface{}) (interface{}, error), map[string]interface{}, error) {
	if handler == nil {
		return nil, nil, errors.New("handler cannot be nil")
	}

	handlerValue := reflect.ValueOf(handler)
	handlerType := handlerValue.Type()

	if handlerType.Kind() != reflect.Func {
		return nil, nil, errors.New("handler must be a function")
	}
	if handlerType.NumIn() != 2 || handlerType.NumOut() != 2 {
		return nil, nil, errors.New("handler must have signature: func(ctx *Context, args StructType) (interface{}, error)")
	}
	if handlerType.In(0) != reflect.TypeOf((*Context)(nil)) {
		return nil, nil, errors.New("first parameter must be *Context")
	}
	if !handlerType.Out(0).AssignableTo(reflect.TypeOf((*interface{})(nil)).Elem()) {
		return nil, nil, errors.New("first return value must be assignable to interface{}")
	}
	if !handlerType.Out(1).Implements(reflect.TypeOf((*error)(nil)).Elem()) {
		return nil, nil, errors.New("second return value must be error")
	}

	argsType := handlerType.In(1)

	// interface{} args mean the tool takes no arguments.
	if argsType == reflect.TypeOf((*interface{})(nil)).Elem() {
		emptySchema := map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
			"required":   []string{},
		}
		wrapped := func(ctx *Context, args map[string]interface{}) (interface{}, error) {
			results := handlerValue.Call([]reflect.Value{
				reflect.ValueOf(ctx),
				reflect.Zero(argsType),
			})
			return extractHandlerResults(results)
		}
		return wrapped, emptySchema, nil
	}

	structType := argsType
	if structType.Kind() == reflect.Ptr {
		structType = structType.Elem()
	}
	if structType.Kind() != reflect.Struct {
		return nil, nil, fmt.Errorf("args parameter must be a struct, *struct, or interface{}, got %s", argsType.String())
	}

	generator := schema.NewGenerator()
	schemaMap, err := generator.GenerateSchema(reflect.New(structType).Elem().Interface())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate schema from struct: %w", err)
	}

	wrapped := func(ctx *Context, args map[string]interface{}) (interface{}, error) {
		if args == nil {
			args = make(map[string]interface{})
		}
		convertedArgs, err := schema.ValidateAndConvertArgs(schemaMap, args, argsType)
		if err != nil {
			return nil, NewInvalidParametersError(err.Error())
		}
		results := handlerValue.Call([]reflect.Value{
			reflect.ValueOf(ctx),
			reflect.ValueOf(convertedArgs),
		})
		return extractHandlerResults(results)
	}

	return wrapped, schemaMap, nil
}

func extractHandlerResults(results []reflect.Value) (interface{}, error) {
	var resultValue interface{}
	var errValue error

	switch results[0].Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		if !results[0].IsNil() {
			resultValue = results[0].Interface()
		}
	default:
		resultValue = results[0].Interface()
	}
	if !results[1].IsNil() {
		errValue = results[1].Interface().(error)
	}
	return resultValue, errValue
}

// registerTool stores a tool in the server's registry, preserving insertion
// order for list responses.
func (s *serverImpl) registerTool(name, description string, handler func(*Context, map[string]interface{}) (interface{}, error), schemaMap map[string]interface{}, annotations map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return ErrEmptyName
	}
	if _, exists := s.tools[name]; exists {
		return fmt.Errorf("%w: tool %q", ErrDuplicateCapability, name)
	}

	s.tools[name] = &Tool{
		Name:        name,
		Description: description,
		Handler:     handler,
		Schema:      schemaMap,
		Annotations: annotations,
	}
	s.toolOrder = append(s.toolOrder, name)

	go func() {
		events.Publish[events.ToolRegisteredEvent](s.events, events.TopicToolRegistered, events.ToolRegisteredEvent{
			ToolName:     name,
			Description:  description,
			RegisteredAt: time.Now(),
			Schema:       schemaMap,
		})
	}()

	s.notifyListChanged("tools")

	s.logger.Debug("tool registered", "name", name, "description", description)
	return nil
}

// ProcessToolList processes a tools/list request. Tools are returned in
// registration order; pagination uses the tool name as an opaque cursor.
func (s *serverImpl) ProcessToolList(ctx *Context) (interface{}, error) {
	cursor, err := parseCursor(ctx.Request.Params)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]mcp.Tool, 0, len(s.toolOrder))
	var nextCursor string

	started := cursor == ""
	for _, name := range s.toolOrder {
		if !started {
			if name == cursor {
				started = true
			}
			continue
		}

		tool := s.tools[name]
		tools = append(tools, mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Schema,
			Annotations: tool.Annotations,
		})

		if len(tools) >= maxPageSize {
			nextCursor = name
			break
		}
	}

	result := mcp.ToolListResult{Tools: tools}
	if nextCursor != "" && nextCursor != s.toolOrder[len(s.toolOrder)-1] {
		result.NextCursor = nextCursor
	}
	return result, nil
}

// ProcessToolCall processes a tools/call request. Every failure surfaces
// as a JSON-RPC error: missing required arguments as InvalidParams, handler
// failures (including panics and timeouts) as InternalError. A handler can
// still return an mcp.ToolCallResult with IsError set to report a
// tool-level failure inside a successful response.
func (s *serverImpl) ProcessToolCall(ctx *Context) (interface{}, error) {
	if ctx.Request.Params == nil {
		return nil, NewInvalidParametersError("missing params in tool call")
	}

	var params mcp.ToolCallParams
	if err := json.Unmarshal(ctx.Request.Params, &params); err != nil {
		return nil, NewInvalidParametersError(fmt.Sprintf("invalid params: %v", err))
	}
	if params.Name == "" {
		return nil, NewInvalidParametersError("missing tool name")
	}

	s.mu.RLock()
	tool, exists := s.tools[params.Name]
	s.mu.RUnlock()

	if !exists {
		return nil, &ToolNotFoundError{Name: params.Name}
	}

	start := time.Now()
	result, err := s.invokeToolHandler(ctx, tool, params.Arguments)

	go func(success bool, errText string) {
		events.Publish[events.ToolExecutedEvent](s.events, events.TopicToolExecuted, events.ToolExecutedEvent{
			ToolName:   params.Name,
			ExecutedAt: start,
			DurationMS: time.Since(start).Milliseconds(),
			Success:    success,
			Error:      errText,
		})
	}(err == nil, errText(err))

	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", params.Name, err)
	}

	return formatToolResult(result), nil
}

// invokeToolHandler runs a tool handler through the shared invocation
// guard, which applies panic recovery and the server's request timeout.
func (s *serverImpl) invokeToolHandler(ctx *Context, tool *Tool, args map[string]interface{}) (interface{}, error) {
	return s.invokeHandler(ctx, "tool "+tool.Name, func() (interface{}, error) {
		return tool.Handler(ctx, args)
	})
}

// formatToolResult normalizes a handler's return value into the wire shape.
func formatToolResult(result interface{}) mcp.ToolCallResult {
	switch v := result.(type) {
	case mcp.ToolCallResult:
		return v
	case *mcp.ToolCallResult:
		return *v
	case string:
		return mcp.ToolCallResult{Content: []mcp.Content{mcp.TextContent(v)}}
	case []mcp.Content:
		return mcp.ToolCallResult{Content: v}
	case nil:
		return mcp.ToolCallResult{Content: []mcp.Content{}}
	default:
		jsonData, marshalErr := json.MarshalIndent(v, "", "  ")
		if marshalErr != nil {
			return mcp.ToolCallResult{
				Content: []mcp.Content{mcp.TextContent(fmt.Sprintf("%v", v))},
			}
		}
		return mcp.ToolCallResult{Content: []mcp.Content{mcp.TextContent(string(jsonData))}}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// parseCursor extracts the pagination cursor from list request params.
func parseCursor(params json.RawMessage) (string, error) {
	if params == nil {
		return "", nil
	}
	var p mcp.ListParams
	if err := json.Unmarshal(params, &p); err != nil {
		return "", NewInvalidParametersError(fmt.Sprintf("invalid params: %v", err))
	}
	return p.Cursor, nil
}
