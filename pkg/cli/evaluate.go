package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/platinummonkey/pacsgate/pkg/rbac"
)

// ErrDenied is returned by evaluate --fail-on-deny when access is denied.
var ErrDenied = errors.New("access denied")

type verdict struct {
	*rbac.EvaluationResult
	Verdict string `json:"verdict"`
}

func (a *App) newEvaluateCommand() *Command {
	cmd := &Command{
		Name:        "evaluate",
		Description: "Decide whether a user may access one study, series or instance",
		Flags:       newFlagSet("evaluate"),
	}

	cmd.Flags.Int64("user", 0, "User id")
	cmd.Flags.Int64("project", 0, "Project id")
	cmd.Flags.String("level", "STUDY", "Resource level: STUDY, SERIES or INSTANCE")
	cmd.Flags.String("uid", "", "Resource UID")
	cmd.Flags.Bool("fail-on-deny", false, "Exit non-zero when access is denied")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		level, err := rbac.ParseResourceLevel(flagString(cmd.Flags, "level"))
		if err != nil {
			return err
		}
		req := rbac.EvaluationRequest{
			UserID:        flagValue[int64](cmd.Flags, "user"),
			ProjectID:     flagValue[int64](cmd.Flags, "project"),
			ResourceUID:   flagString(cmd.Flags, "uid"),
			ResourceLevel: level,
		}
		if err := req.Validate(); err != nil {
			return err
		}

		return a.withSession(ctx, cmd.Flags, func(ctx context.Context, s Session) error {
			result, err := s.Evaluate(ctx, req)
			if err != nil {
				return err
			}
			if err := writeJSON(a.Out, verdict{EvaluationResult: result, Verdict: result.Verdict()}); err != nil {
				return err
			}
			if !result.Allowed && flagValue[bool](cmd.Flags, "fail-on-deny") {
				return fmt.Errorf("%w: %s", ErrDenied, result.Reason)
			}
			return nil
		})
	}

	return cmd
}

func (a *App) newFilterCommand() *Command {
	cmd := &Command{
		Name:        "filter",
		Description: "Return the subset of UIDs a user may access",
		Flags:       newFlagSet("filter"),
	}

	cmd.Flags.Int64("user", 0, "User id")
	cmd.Flags.Int64("project", 0, "Project id")
	cmd.Flags.String("level", "STUDY", "Resource level of every UID")
	cmd.Flags.String("uids", "", "Comma-separated resource UIDs")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		level, err := rbac.ParseResourceLevel(flagString(cmd.Flags, "level"))
		if err != nil {
			return err
		}
		uids := splitList(flagString(cmd.Flags, "uids"))
		if len(uids) == 0 {
			return fmt.Errorf("at least one uid is required")
		}
		req := rbac.BatchRequest{
			UserID:        flagValue[int64](cmd.Flags, "user"),
			ProjectID:     flagValue[int64](cmd.Flags, "project"),
			ResourceLevel: level,
			ResourceUIDs:  uids,
		}

		return a.withSession(ctx, cmd.Flags, func(ctx context.Context, s Session) error {
			result, err := s.FilterVisible(ctx, req)
			if err != nil {
				return err
			}
			return writeJSON(a.Out, result)
		})
	}

	return cmd
}

func (a *App) newConditionsCommand() *Command {
	cmd := &Command{
		Name:        "conditions",
		Description: "List the conditions bound to a role or a project",
		Flags:       newFlagSet("conditions"),
	}

	cmd.Flags.Int64("role", 0, "Role id")
	cmd.Flags.Int64("project", 0, "Project id")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		roleID := flagValue[int64](cmd.Flags, "role")
		projectID := flagValue[int64](cmd.Flags, "project")
		if (roleID == 0) == (projectID == 0) {
			return fmt.Errorf("exactly one of --role and --project is required")
		}

		return a.withSession(ctx, cmd.Flags, func(ctx context.Context, s Session) error {
			var (
				bound []rbac.BoundCondition
				err   error
			)
			if roleID != 0 {
				bound, err = s.ListConditionsForRole(ctx, roleID)
			} else {
				bound, err = s.ListConditionsForProject(ctx, projectID)
			}
			if err != nil {
				return err
			}

			for _, c := range bound {
				fmt.Fprintf(a.Out, "%-28s %-8s %-6s priority=%d %s\n",
					c.Label(), c.ResourceLevel, c.ConditionType, c.Priority, describe(c.AccessCondition))
			}
			return nil
		})
	}

	return cmd
}

// describe renders a condition's predicate the way an operator would write it.
func describe(c rbac.AccessCondition) string {
	if c.DicomTag == nil {
		return "(any resource)"
	}
	value := ""
	if c.Value != nil {
		value = *c.Value
	}
	return fmt.Sprintf("%s %s %s", *c.DicomTag, c.Operator, value)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
