package workflow

import (
	"fmt"
	"sort"
)

// SchemeConfig describes the scheme versions deployed for one workflow type.
type SchemeConfig struct {
	Type          string            `mapstructure:"type"`
	ActiveVersion string            `mapstructure:"active_version"`
	Versions      map[string]string `mapstructure:"versions"`
}

// SchemeRegistry resolves workflow types to the scheme code new processes
// are started with.
type SchemeRegistry struct {
	schemes map[string]SchemeConfig
}

// NewSchemeRegistry builds a registry. Every entry needs a type and an active version.
func NewSchemeRegistry(schemes []SchemeConfig) (*SchemeRegistry, error) {
	r := &SchemeRegistry{schemes: make(map[string]SchemeConfig, len(schemes))}
	for _, s := range schemes {
		if s.Type == "" {
			return nil, fmt.Errorf("scheme without type")
		}
		if s.ActiveVersion == "" {
			return nil, fmt.Errorf("scheme %s: active version is required", s.Type)
		}
		if _, dup := r.schemes[s.Type]; dup {
			return nil, fmt.Errorf("scheme %s registered twice", s.Type)
		}
		r.schemes[s.Type] = s
	}
	return r, nil
}

// ActiveScheme returns the scheme code for new processes of workflowType.
func (r *SchemeRegistry) ActiveScheme(workflowType string) (string, error) {
	s, ok := r.schemes[workflowType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflowType, workflowType)
	}
	return s.ActiveVersion, nil
}

// WorkflowTypes lists the registered types in name order.
func (r *SchemeRegistry) WorkflowTypes() []string {
	types := make([]string, 0, len(r.schemes))
	for t := range r.schemes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Versions lists the version labels known for workflowType.
func (r *SchemeRegistry) Versions(workflowType string) []string {
	s, ok := r.schemes[workflowType]
	if !ok {
		return nil
	}
	versions := make([]string, 0, len(s.Versions))
	for v := range s.Versions {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// SchemeVersion returns the scheme code of a specific version label.
func (r *SchemeRegistry) SchemeVersion(workflowType, version string) (string, bool) {
	s, ok := r.schemes[workflowType]
	if !ok {
		return "", false
	}
	code, ok := s.Versions[version]
	return code, ok
}

// IsValid reports whether workflowType is registered.
func (r *SchemeRegistry) IsValid(workflowType string) bool {
	_, ok := r.schemes[workflowType]
	return ok
}
