package cli

import (
	"context"
	"fmt"

	"github.com/platinummonkey/pacsgate/pkg/rbac"
)

func (a *App) newSeedCommand() *Command {
	cmd := &Command{
		Name:        "seed",
		Description: "Apply a YAML policy file (users, roles, conditions, studies)",
		Flags:       newFlagSet("seed"),
	}

	cmd.Flags.String("file", "", "Seed file path")
	cmd.Flags.Bool("dry-run", false, "Parse and validate the file without touching the database")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		path := flagString(cmd.Flags, "file")
		if path == "" {
			return fmt.Errorf("--file is required")
		}
		seed, err := rbac.LoadSeedFile(path)
		if err != nil {
			return err
		}
		if flagValue[bool](cmd.Flags, "dry-run") {
			fmt.Fprintf(a.Out, "%s: %d users, %d projects, %d roles, %d conditions, %d studies\n",
				path, len(seed.Users), len(seed.Projects), len(seed.Roles), len(seed.Conditions), len(seed.Studies))
			return nil
		}

		return a.withSession(ctx, cmd.Flags, func(ctx context.Context, s Session) error {
			summary, err := s.ApplySeed(ctx, seed)
			if err != nil {
				return err
			}
			return writeJSON(a.Out, summary)
		})
	}

	return cmd
}

func (a *App) newMigrateCommand() *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending schema migrations",
		Flags:       newFlagSet("migrate"),
	}

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		return a.withSession(ctx, cmd.Flags, func(ctx context.Context, s Session) error {
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.Out, "migrations applied")
			return nil
		})
	}

	return cmd
}
