package server

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/renaiss-ai/httpmcp/events"
	"github.com/renaiss-ai/httpmcp/mcp"
)

// PromptTemplate is one message template within a prompt. Templates can
// contain variables in {{variable}} form which are substituted when the
// prompt is rendered. Only the "user" and "assistant" roles exist.
type PromptTemplate struct {
	// Role defines who is speaking in this template ("user" or "assistant")
	Role string

	// Content contains the template text with variables in {{variable}} format
	Content string
}

// User creates a user prompt template.
func User(content string) PromptTemplate {
	return PromptTemplate{Role: "user", Content: content}
}

// Assistant creates an assistant prompt template.
func Assistant(content string) PromptTemplate {
	return PromptTemplate{Role: "assistant", Content: content}
}

// Prompt is a named collection of templates rendered with provided
// variable values.
type Prompt struct {
	// Name is the unique identifier for this prompt
	Name string

	// Description explains what the prompt is for
	Description string

	// Templates are the ordered message templates that make up the prompt
	Templates []PromptTemplate

	// Arguments are the variables extracted from the templates
	Arguments []mcp.PromptArgument
}

var templateVariablePattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Prompt registers a prompt with the server. At least one template must be
// provided. Variables found in the templates become required arguments.
// Registration failures are logged and leave the registry unchanged.
func (s *serverImpl) Prompt(name, description string, templates ...PromptTemplate) Server {
	if err := s.registerPrompt(name, description, templates); err != nil {
		s.logger.Error("failed to register prompt", "name", name, "error", err)
	}
	return s
}

func (s *serverImpl) registerPrompt(name, description string, templates []PromptTemplate) error {
	if name == "" {
		return ErrEmptyName
	}
	if len(templates) == 0 {
		return fmt.Errorf("prompt %q requires at least one template", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.prompts[name]; exists {
		return fmt.Errorf("%w: prompt %q", ErrDuplicateCapability, name)
	}

	promptTemplates := make([]PromptTemplate, len(templates))
	copy(promptTemplates, templates)

	s.prompts[name] = &Prompt{
		Name:        name,
		Description: description,
		Templates:   promptTemplates,
		Arguments:   extractArguments(promptTemplates),
	}
	s.promptOrder = append(s.promptOrder, name)

	go func() {
		events.Publish[events.PromptRegisteredEvent](s.events, events.TopicPromptRegistered, events.PromptRegisteredEvent{
			PromptName:   name,
			Description:  description,
			RegisteredAt: time.Now(),
		})
	}()

	s.notifyListChanged("prompts")

	s.logger.Debug("prompt registered", "name", name)
	return nil
}

// extractArguments collects the unique {{variable}} names across templates,
// in order of first appearance. All extracted arguments are required.
func extractArguments(templates []PromptTemplate) []mcp.PromptArgument {
	seen := make(map[string]bool)
	arguments := make([]mcp.PromptArgument, 0)

	for _, template := range templates {
		matches := templateVariablePattern.FindAllStringSubmatch(template.Content, -1)
		for _, match := range matches {
			if len(match) < 2 {
				continue
			}
			varName := strings.TrimSpace(match[1])
			if seen[varName] {
				continue
			}
			seen[varName] = true
			arguments = append(arguments, mcp.PromptArgument{
				Name:        varName,
				Description: fmt.Sprintf("Value for %s", varName),
				Required:    true,
			})
		}
	}

	return arguments
}

// SubstituteVariables replaces all {{variable}} patterns in the content
// string with their values from the variables map. Missing variables leave
// the placeholder unchanged.
func SubstituteVariables(content string, variables map[string]interface{}) string {
	if variables == nil {
		return content
	}

	return templateVariablePattern.ReplaceAllStringFunc(content, func(placeholder string) string {
		varName := strings.TrimSpace(placeholder[2 : len(placeholder)-2])
		value, exists := variables[varName]
		if !exists {
			return placeholder
		}

		switch v := value.(type) {
		case string:
			return v
		case nil:
			return ""
		default:
			if jsonBytes, err := json.Marshal(v); err == nil {
				return string(jsonBytes)
			}
			return fmt.Sprintf("%v", v)
		}
	})
}

// ProcessPromptList processes a prompts/list request. Prompts are returned
// in registration order with cursor pagination.
func (s *serverImpl) ProcessPromptList(ctx *Context) (interface{}, error) {
	cursor, err := parseCursor(ctx.Request.Params)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	prompts := make([]mcp.Prompt, 0, len(s.promptOrder))
	var nextCursor string

	started := cursor == ""
	for _, name := range s.promptOrder {
		if !started {
			if name == cursor {
				started = true
			}
			continue
		}

		prompt := s.prompts[name]
		prompts = append(prompts, mcp.Prompt{
			Name:        prompt.Name,
			Description: prompt.Description,
			Arguments:   prompt.Arguments,
		})

		if len(prompts) >= maxPageSize {
			nextCursor = name
			break
		}
	}

	result := mcp.PromptListResult{Prompts: prompts}
	if nextCursor != "" && nextCursor != s.promptOrder[len(s.promptOrder)-1] {
		result.NextCursor = nextCursor
	}
	return result, nil
}

// ProcessPromptGet processes a prompts/get request. It validates that all
// required arguments are present, renders each template, and returns the
// messages in template order.
func (s *serverImpl) ProcessPromptGet(ctx *Context) (interface{}, error) {
	if ctx.Request.Params == nil {
		return nil, NewInvalidParametersError("missing params in prompt request")
	}

	var params mcp.PromptGetParams
	if err := json.Unmarshal(ctx.Request.Params, &params); err != nil {
		return nil, NewInvalidParametersError(fmt.Sprintf("invalid params: %v", err))
	}
	if params.Name == "" {
		return nil, NewInvalidParametersError("missing prompt name")
	}

	args := params.Arguments
	if args == nil {
		args = make(map[string]interface{})
	}

	s.mu.RLock()
	prompt, exists := s.prompts[params.Name]
	s.mu.RUnlock()

	if !exists {
		return nil, &PromptNotFoundError{Name: params.Name}
	}

	var missing []string
	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			missing = append(missing, arg.Name)
		}
	}
	if len(missing) > 0 {
		return nil, NewInvalidParametersError(fmt.Sprintf("missing required arguments: %s", strings.Join(missing, ", ")))
	}

	messages := make([]mcp.PromptMessage, 0, len(prompt.Templates))
	for _, template := range prompt.Templates {
		messages = append(messages, mcp.PromptMessage{
			Role:    template.Role,
			Content: mcp.TextContent(SubstituteVariables(template.Content, args)),
		})
	}

	go func() {
		events.Publish[events.PromptExecutedEvent](s.events, events.TopicPromptExecuted, events.PromptExecutedEvent{
			PromptName:   params.Name,
			ExecutedAt:   time.Now(),
			Success:      true,
			MessageCount: len(messages),
		})
	}()

	return mcp.PromptGetResult{
		Description: prompt.Description,
		Messages:    messages,
	}, nil
}
