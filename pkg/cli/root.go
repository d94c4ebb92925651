package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// App holds what commands share: where output goes and how to reach the
// database.
type App struct {
	Out     io.Writer
	Connect Connector
}

// NewApp returns an App writing to stdout and connecting to PostgreSQL.
func NewApp() *App {
	return &App{Out: os.Stdout, Connect: ConnectPostgres}
}

// NewRootCommand creates the root command
func (a *App) NewRootCommand() *Command {
	root := &Command{
		Name:        "pacsgate-eval",
		Description: "pacsgate-eval - evaluate and administer PACS access rules from the command line",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("pacsgate-eval", flag.ContinueOnError),
	}

	for _, cmd := range []*Command{
		a.newEvaluateCommand(),
		a.newFilterCommand(),
		a.newConditionsCommand(),
		a.newSeedCommand(),
		a.newMigrateCommand(),
	} {
		root.Subcommands[cmd.Name] = cmd
	}

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage(os.Stdout)
	}

	if subcmd, ok := c.Subcommands[args[0]]; ok {
		return subcmd.Run(ctx, args[1:])
	}

	return fmt.Errorf("unknown command: %s", args[0])
}

func (c *Command) usage(w io.Writer) error {
	fmt.Fprintf(w, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(w, "Commands:\n")

	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// newFlagSet adds the flags every database command takes.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("db", os.Getenv("PACSGATE_POSTGRES_URL"), "PostgreSQL connection URL (default $PACSGATE_POSTGRES_URL)")
	fs.Duration("timeout", 0, "Give up after this long (0 means no limit)")
	return fs
}

func flagString(fs *flag.FlagSet, name string) string {
	return fs.Lookup(name).Value.String()
}

func flagValue[T any](fs *flag.FlagSet, name string) T {
	return fs.Lookup(name).Value.(flag.Getter).Get().(T)
}
