// Package skill expands named task templates into full task prompts.
package skill

// Expander resolves a skill name and its arguments into the task text the
// session runs with.
type Expander interface {
	// Expand returns the expanded task. An empty skill name returns the
	// arguments unchanged.
	Expand(name, arguments string) (string, error)
}

// NoopExpander passes the task through without skill expansion.
type NoopExpander struct{}

func (NoopExpander) Expand(name, arguments string) (string, error) {
	return arguments, nil
}
