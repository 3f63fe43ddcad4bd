package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/apphost/reposync/pkg/engine"
)

// MaxNameLength bounds application names so they stay usable as container
// and unit names.
const MaxNameLength = 63

var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidName reports whether name is a valid application name.
func ValidName(name string) bool {
	return len(name) <= MaxNameLength && namePattern.MatchString(name)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report file keys rather than Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("appname", func(fl validator.FieldLevel) bool {
		return ValidName(fl.Field().String())
	})

	return v
}

// Validate checks cfg with a fresh validator.
func Validate(cfg *Config) error {
	return NewLoader().Validate(cfg)
}

// Validate checks struct constraints and the cross-field rules. All problems
// are reported together in one configuration error.
func (l *Loader) Validate(cfg *Config) error {
	var problems []error

	if err := l.validator.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problems = append(problems, errors.New(describeFieldError(fe)))
			}
		} else {
			problems = append(problems, err)
		}
	}

	if cfg.PollInterval <= 0 {
		problems = append(problems, fmt.Errorf("poll_interval must be positive, got %d", cfg.PollInterval))
	}
	if cfg.MaxRetries < 1 {
		problems = append(problems, fmt.Errorf("max_retries must be at least 1, got %d", cfg.MaxRetries))
	}

	names := make(map[string]int, len(cfg.Applications))
	paths := make(map[string]string, len(cfg.Applications))
	for i, app := range cfg.Applications {
		if app.Name != "" {
			if first, dup := names[app.Name]; dup {
				problems = append(problems, fmt.Errorf("applications[%d]: duplicate name %q (first at applications[%d])", i, app.Name, first))
			} else {
				names[app.Name] = i
			}
		}
		if app.Path != "" {
			p := filepath.Clean(app.Path)
			if owner, dup := paths[p]; dup {
				problems = append(problems, fmt.Errorf("applications[%d]: path %s is already used by %q", i, p, owner))
			} else {
				paths[p] = app.Name
			}
		}
	}

	switch cfg.Oracle.Kind {
	case OracleGitHub, OracleGit:
	default:
		problems = append(problems, fmt.Errorf("oracle.kind must be %q or %q, got %q", OracleGitHub, OracleGit, cfg.Oracle.Kind))
	}
	if cfg.Oracle.BudgetLimit > 0 && cfg.Oracle.BudgetWindow <= 0 {
		problems = append(problems, errors.New("oracle.budget_window must be positive when budget_limit is set"))
	}
	if cfg.Oracle.Timeout < 0 {
		problems = append(problems, errors.New("oracle.timeout must not be negative"))
	}

	problems = append(problems, cfg.Executor.validate()...)

	if err := cfg.Telemetry("validate").Validate(); err != nil {
		problems = append(problems, err)
	}

	if len(problems) > 0 {
		return engine.NewConfigurationError("invalid configuration", errors.Join(problems...))
	}
	return nil
}

func (e ExecutorConfig) validate() []error {
	var problems []error

	if e.Timeout <= 0 {
		problems = append(problems, errors.New("executor.timeout must be positive"))
	}
	if e.BackoffInitial < 0 {
		problems = append(problems, errors.New("executor.backoff_initial must not be negative"))
	}
	if e.BackoffMax < e.BackoffInitial {
		problems = append(problems, fmt.Errorf("executor.backoff_max (%s) is below backoff_initial (%s)", e.BackoffMax, e.BackoffInitial))
	}
	if len(e.Clone) == 0 {
		problems = append(problems, errors.New("executor.clone must not be empty"))
	}

	switch e.Runner.Kind {
	case RunnerLocal:
	case RunnerSSH:
		if e.Runner.SSH == nil {
			problems = append(problems, errors.New("executor.runner.ssh is required for the ssh runner"))
			break
		}
		if err := e.Runner.SSH.Transport().Validate(); err != nil {
			problems = append(problems, fmt.Errorf("executor.runner.ssh: %w", err))
		}
	default:
		problems = append(problems, fmt.Errorf("executor.runner.kind must be %q or %q, got %q", RunnerLocal, RunnerSSH, e.Runner.Kind))
	}

	return problems
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "appname":
		return fmt.Sprintf("%s %q must be lowercase letters, digits and hyphens, at most %d characters", field, fe.Value(), MaxNameLength)
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s %q is not a valid URL", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed the %q check", field, fe.Tag())
	}
}
