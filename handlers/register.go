package handlers

import "github.com/corectl/diagexec/runtime"

// Register builds a runtime.HandlerRegistry preloaded with the full
// reference handler set: one Handler per NodeType a Diagram may contain.
// Composition-time code should call this instead of registering handlers
// one at a time, unless it specifically needs to substitute or omit one.
func Register() (*runtime.HandlerRegistry, error) {
	reg := runtime.NewHandlerRegistry()
	for _, h := range []runtime.Handler{
		StartHandler{},
		EndpointHandler{},
		ConditionHandler{},
		CodeJobHandler{},
		PersonJobHandler{},
		SubDiagramHandler{},
	} {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
