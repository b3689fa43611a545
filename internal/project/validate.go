package project

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	apperrors "devspin/internal/errors"

	"github.com/go-playground/validator/v10"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report field paths using the YAML names users write.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	if err := v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierRegex.MatchString(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// Validate checks the structural invariants of a project: field constraints,
// unique service names, dependency references and health check shapes.
// All problems are reported together as a CONFIG_INVALID error.
func (p *Project) Validate() error {
	var problems []error

	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fieldError(fe))
			}
		} else {
			problems = append(problems, err)
		}
	}

	if p.Commands.Dev == "" && (p.Commands.Test != "" || p.Commands.Build != "") {
		problems = append(problems, fmt.Errorf("commands.dev is required when commands are declared"))
	}

	for k := range p.Environment {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			problems = append(problems, fmt.Errorf("environment: invalid variable name %q", k))
		}
	}

	seen := make(map[string]bool, len(p.Services))
	for _, s := range p.Services {
		if s.Name == "" {
			continue
		}
		if seen[s.Name] {
			problems = append(problems, fmt.Errorf("duplicate service name %q", s.Name))
		}
		seen[s.Name] = true
	}

	for i := range p.Services {
		s := &p.Services[i]
		deps := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			switch {
			case dep == s.Name:
				problems = append(problems, fmt.Errorf("service %q depends on itself", s.Name))
			case !seen[dep]:
				problems = append(problems, fmt.Errorf("service %q depends on unknown service %q", s.Name, dep))
			case deps[dep]:
				problems = append(problems, fmt.Errorf("service %q lists dependency %q more than once", s.Name, dep))
			}
			deps[dep] = true
		}

		for j, hc := range s.HealthChecks {
			if err := s.validateHealthCheck(hc); err != nil {
				problems = append(problems, fmt.Errorf("service %q health_checks[%d]: %w", s.Name, j, err))
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return apperrors.ErrConfigInvalid(fmt.Sprintf("project %q is invalid", p.Name), errors.Join(problems...))
}

func (s *Service) validateHealthCheck(hc HealthCheck) error {
	switch hc.Type {
	case HealthCheckPort:
		if s.PortForCheck(hc) == 0 {
			return fmt.Errorf("port check needs a port or a declared service port")
		}
	case HealthCheckCommand:
		if strings.TrimSpace(hc.Command) == "" {
			return fmt.Errorf("command check needs a command")
		}
	case HealthCheckHTTP:
		if hc.URL == "" {
			return fmt.Errorf("http check needs a url")
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	path := strings.TrimPrefix(fe.Namespace(), "Project.")
	if fe.Param() != "" {
		return fmt.Errorf("%s: failed %q validation (%s)", path, fe.Tag(), fe.Param())
	}
	return fmt.Errorf("%s: failed %q validation", path, fe.Tag())
}
