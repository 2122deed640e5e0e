package module

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Requirement represents a single requirement check
type Requirement struct {
	// Name is a short identifier for the requirement
	Name string

	// Description explains what the requirement checks
	Description string

	// CheckFunc performs the actual check
	CheckFunc func(ctx context.Context) error

	// Required indicates if this requirement must pass.
	// If false, failures are logged as warnings.
	Required bool
}

// RequirementChecker validates a set of requirements for one module
type RequirementChecker struct {
	requirements []Requirement
	moduleName   string
	logger       *slog.Logger
}

// NewRequirementChecker creates a new requirement checker
func NewRequirementChecker(moduleName string, logger *slog.Logger) *RequirementChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequirementChecker{
		requirements: make([]Requirement, 0),
		moduleName:   moduleName,
		logger:       logger.With("module", moduleName),
	}
}

// Add adds a requirement to check
func (rc *RequirementChecker) Add(req Requirement) {
	rc.requirements = append(rc.requirements, req)
}

// AddRequired adds a requirement that must pass
func (rc *RequirementChecker) AddRequired(name, description string, checkFunc func(ctx context.Context) error) {
	rc.Add(Requirement{Name: name, Description: description, CheckFunc: checkFunc, Required: true})
}

// AddOptional adds a requirement whose failure is only a warning
func (rc *RequirementChecker) AddOptional(name, description string, checkFunc func(ctx context.Context) error) {
	rc.Add(Requirement{Name: name, Description: description, CheckFunc: checkFunc, Required: false})
}

// Len returns the number of requirements
func (rc *RequirementChecker) Len() int {
	return len(rc.requirements)
}

// Check runs all requirement checks.
// Returns an error if any required check fails.
func (rc *RequirementChecker) Check(ctx context.Context) error {
	if len(rc.requirements) == 0 {
		return nil
	}

	var (
		failures []string
		warnings int
	)

	for _, req := range rc.requirements {
		err := req.CheckFunc(ctx)
		if err == nil {
			rc.logger.Debug("requirement satisfied", "requirement", req.Name)
			continue
		}

		if req.Required {
			failures = append(failures, fmt.Sprintf("%s: %v", req.Name, err))
			rc.logger.Error("required check failed", "requirement", req.Name, "err", err)
		} else {
			warnings++
			rc.logger.Warn("optional check failed", "requirement", req.Name, "err", err)
		}
	}

	if warnings > 0 {
		rc.logger.Warn("module may have reduced functionality", "warnings", warnings)
	}

	if len(failures) > 0 {
		return fmt.Errorf("requirement check(s) failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

// RequireModule creates a check that passes when the named module is present
func RequireModule(name string, present func(string) bool) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if !present(name) {
			return fmt.Errorf("module %s not found", name)
		}
		return nil
	}
}
