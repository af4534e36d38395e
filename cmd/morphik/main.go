// Command morphik runs the Morphik core service.
//
// Usage:
//
//	morphik serve --config morphik.yaml
//	morphik generate-token --name dev --secret changeme
//	morphik version
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// CLI defines the command tree.
type CLI struct {
	Version       VersionCmd       `cmd:"" help:"Show version information."`
	Serve         ServeCmd         `cmd:"" help:"Start the HTTP server."`
	GenerateToken GenerateTokenCmd `cmd:"" name:"generate-token" help:"Issue a signed developer token."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("morphik-core %s\n", version)
	return nil
}

// GenerateTokenCmd issues a signed developer token without starting the
// server, for scripting and local clients.
type GenerateTokenCmd struct {
	Name   string        `help:"Developer name embedded as the entity id." required:""`
	Secret string        `help:"JWT signing secret (must match the server's)." required:""`
	AppID  string        `name:"app-id" help:"Scope the token to a single app."`
	TTL    time.Duration `help:"Token lifetime." default:"720h"`
}

func (c *GenerateTokenCmd) Run() error {
	tokens, err := auth.NewTokenService(c.Secret, c.TTL)
	if err != nil {
		return err
	}

	token, err := tokens.Sign(&auth.AuthContext{
		EntityType:  models.EntityTypeDeveloper,
		EntityID:    c.Name,
		AppID:       c.AppID,
		Permissions: []models.Permission{models.PermissionRead, models.PermissionWrite, models.PermissionAdmin},
	})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("morphik"),
		kong.Description("Multi-tenant RAG service: retrieval, query pipeline and tool-using agent."),
		kong.UsageOnError(),
	)

	if err := setupLogger(cli.LogLevel, cli.LogFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := ctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
