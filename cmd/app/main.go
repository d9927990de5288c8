package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/larder/internal"
	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/datestatus"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/transfer"
	pkgconfig "github.com/starford/larder/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

// withApp opens the application for a one-shot command. Logs go to stderr
// so stdout carries only the command's output.
func withApp(fn func(ctx context.Context, cmd *cli.Command, a *internal.App) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		a, err := internal.Open(ctx,
			internal.WithConfig(cfg),
			internal.WithLogOutput(os.Stderr),
			internal.WithOneShot())
		if err != nil {
			return err
		}
		defer a.Close()
		if err := fn(ctx, cmd, a); err != nil {
			a.Logger.Debug("command failed", slog.String("command", cmd.Name), slog.String("error", err.Error()))
			return errors.New(apperr.Notice(err))
		}
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signUp(ctx context.Context, cmd *cli.Command, a *internal.App) error {
	s, err := a.Auth.SignUp(ctx, auth.SignUpInput{
		Email:           cmd.String("email"),
		Password:        cmd.String("password"),
		ConfirmPassword: cmd.String("password"),
		DisplayName:     cmd.String("name"),
	})
	if err != nil {
		return err
	}
	return printJSON(s)
}

func signIn(ctx context.Context, cmd *cli.Command, a *internal.App) error {
	s, err := a.Auth.SignIn(ctx, cmd.String("email"), cmd.String("password"))
	if err != nil {
		return err
	}
	return printJSON(s)
}

func signOut(_ context.Context, _ *cli.Command, a *internal.App) error {
	return a.Auth.SignOut()
}

func whoAmI(ctx context.Context, _ *cli.Command, a *internal.App) error {
	s, err := a.Auth.Resolve(ctx)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func listItems(ctx context.Context, cmd *cli.Command, a *internal.App) error {
	sess, err := a.Sessions.Session(ctx)
	if err != nil {
		return err
	}
	items, err := sess.List(ctx, itemstore.ParseFilter(cmd.String("filter")), cmd.String("query"))
	if err != nil {
		return err
	}

	now := time.Now()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCATEGORY\tEXPIRES\tDAYS\tSTATUS\tQTY")
	for _, it := range items {
		st := datestatus.ClassifyAt(it.ExpiryDate, now)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\n",
			it.ID, it.Name, it.Category, it.ExpiryDate, st.DaysRemaining, st.Tier, it.Quantity)
	}
	return tw.Flush()
}

func exportItems(ctx context.Context, cmd *cli.Command, a *internal.App) error {
	f, err := transfer.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}
	sess, err := a.Sessions.Session(ctx)
	if err != nil {
		return err
	}
	out := os.Stdout
	if path := cmd.String("out"); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer file.Close()
		out = file
	}
	return sess.Export(ctx, out, f)
}

func importItems(ctx context.Context, cmd *cli.Command, a *internal.App) error {
	path := cmd.Args().First()
	if path == "" {
		return apperr.Validationf("usage: import <file>")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Validationf("read %s: %v", path, err)
	}
	sess, err := a.Sessions.Session(ctx)
	if err != nil {
		return err
	}
	n, err := sess.Import(ctx, data)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d items\n", n)
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ServeMCP(ctx, internal.WithConfig(cfg))
}

func credentialFlags(withName bool) []cli.Flag {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "email", Aliases: []string{"e"}, Usage: "Account email", Required: true},
		&cli.StringFlag{
			Name:     "password",
			Aliases:  []string{"p"},
			Usage:    "Account password",
			Required: true,
			Sources:  cli.EnvVars("LARDER_PASSWORD"),
		},
	}
	if withName {
		flags = append(flags, &cli.StringFlag{Name: "name", Usage: "Display name"})
	}
	return flags
}

func main() {
	cmd := &cli.Command{
		Name:   "larder",
		Usage:  "Track perishable items and get reminded before they expire",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Start the API server and the expiry alert timers",
				Action: run,
			},
			{
				Name:   "signup",
				Usage:  "Create an account and sign in",
				Flags:  credentialFlags(true),
				Action: withApp(signUp),
			},
			{
				Name:   "signin",
				Usage:  "Sign in and store the session on this machine",
				Flags:  credentialFlags(false),
				Action: withApp(signIn),
			},
			{
				Name:   "signout",
				Usage:  "Forget the stored session",
				Action: withApp(signOut),
			},
			{
				Name:   "whoami",
				Usage:  "Show the stored session",
				Action: withApp(whoAmI),
			},
			{
				Name:  "list",
				Usage: "List items, soonest expiry first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "filter", Aliases: []string{"f"}, Usage: "all, expiring_soon or expired", Value: "all"},
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Text search over name, category and notes"},
				},
				Action: withApp(listItems),
			},
			{
				Name:  "export",
				Usage: "Export every item",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Usage: "json or yaml", Value: "json"},
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "Output file (default stdout)"},
				},
				Action: withApp(exportItems),
			},
			{
				Name:      "import",
				Usage:     "Import items from a JSON or YAML export",
				ArgsUsage: "<file>",
				Action:    withApp(importItems),
			},
			{
				Name:   "mcp",
				Usage:  "Serve the item tools over MCP on stdin/stdout",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
