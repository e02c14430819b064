package template

import "fmt"

// FieldError reports which template field failed to render.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Renderer binds an Interpolator to one run context so executors can render
// their templated fields by name.
type Renderer struct {
	Context map[string]any
	Strict  bool
}

// NewRenderer returns a Renderer over the run context.
func NewRenderer(runCtx map[string]any, strict bool) Renderer {
	return Renderer{Context: runCtx, Strict: strict}
}

// Render interpolates tpl. Errors are wrapped in a *FieldError naming field.
func (r Renderer) Render(field, tpl string) (string, error) {
	out, err := Interpolator{Strict: r.Strict}.Interpolate(tpl, r.Context)
	if err != nil {
		return "", &FieldError{Field: field, Err: err}
	}
	return out, nil
}
