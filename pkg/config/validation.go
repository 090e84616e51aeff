package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate      = validator.New()
	namePattern   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	prefixPattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

func init() {
	_ = validate.RegisterValidation("nodekind", validateNodeKind)
	_ = validate.RegisterValidation("nodename", validateNodeName)
	_ = validate.RegisterValidation("markerprefix", validateMarkerPrefix)
}

func validateNodeKind(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case KindLocal, KindRemote, KindParallel, KindSequential, KindSendFile, KindGetFile:
		return true
	}
	return false
}

func validateNodeName(fl validator.FieldLevel) bool {
	return namePattern.MatchString(fl.Field().String())
}

// the prefix ends up unquoted in remote shell scripts
func validateMarkerPrefix(fl validator.FieldLevel) bool {
	return prefixPattern.MatchString(fl.Field().String())
}

// Validate checks the field rules of cfg and the shape of its plan.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config cannot be nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.SSH.NativeCleanup {
		if cfg.SSH.Native.User == "" {
			return errors.New("ssh.native.user is required with native_cleanup")
		}
		if cfg.SSH.Native.IdentityFile == "" && cfg.SSH.Native.Password == "" {
			return errors.New("ssh.native needs identity_file or password with native_cleanup")
		}
	}
	if err := validateNodeTree(cfg.Plan, "plan", make(map[string]bool)); err != nil {
		return fmt.Errorf("plan validation failed: %w", err)
	}
	return nil
}

func validateNodeTree(node *Node, path string, names map[string]bool) error {
	if err := ValidateNode(node); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if node.Name != "" {
		if names[node.Name] {
			return fmt.Errorf("%s: duplicate name %q", path, node.Name)
		}
		names[node.Name] = true
	}
	for i, child := range node.Tasks {
		if err := validateNodeTree(child, fmt.Sprintf("%s.tasks[%d]", path, i), names); err != nil {
			return err
		}
	}
	return nil
}

// ValidateNode checks the rules of a single node that depend on its kind.
func ValidateNode(node *Node) error {
	if node == nil {
		return errors.New("node cannot be nil")
	}
	if err := validate.Struct(node); err != nil {
		return err
	}

	hasCommand := len(node.Command) > 0 && strings.TrimSpace(strings.Join(node.Command, "")) != ""
	switch node.Kind {
	case KindLocal:
		if !hasCommand {
			return errors.New("command is required for local nodes")
		}
	case KindRemote:
		if node.Host == "" {
			return errors.New("host is required for remote nodes")
		}
		if !hasCommand {
			return errors.New("command is required for remote nodes")
		}
	case KindSendFile, KindGetFile:
		if node.Host == "" || node.Source == "" {
			return fmt.Errorf("host and source are required for %s nodes", node.Kind)
		}
	case KindParallel, KindSequential:
		if len(node.Tasks) == 0 {
			return fmt.Errorf("%s nodes need at least one task", node.Kind)
		}
		if hasCommand || node.Host != "" {
			return fmt.Errorf("%s nodes take no command or host", node.Kind)
		}
	}
	if !node.IsGroup() && len(node.Tasks) > 0 {
		return fmt.Errorf("%s nodes cannot have tasks", node.Kind)
	}
	if node.Aggregate && node.Kind != KindParallel {
		return errors.New("aggregate applies to parallel nodes only")
	}
	if len(node.PostProcess) > 0 && !node.CaptureOutput {
		return errors.New("post_process requires capture")
	}
	return nil
}
