// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/opf/opcli/internal/api"
	"github.com/opf/opcli/internal/auth"
	"github.com/opf/opcli/internal/config"
	"github.com/opf/opcli/internal/credstore"
	"github.com/opf/opcli/internal/output"
	"github.com/opf/opcli/internal/session"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// App holds the shared application context for all commands. The Session is
// the single process-wide instance; it is injected here and passed down by
// capability, never looked up globally.
type App struct {
	Config  *config.Config
	Session *session.Session
	Auth    *auth.Manager
	API     *api.Client
	Output  *output.Writer

	// Flags holds the global flag values
	Flags GlobalFlags
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	JSON    bool
	Quiet   bool
	Verbose int
	BaseURL string
	Format  string
}

// NewApp creates a new App with the given configuration. The session starts
// empty and is populated from persisted credentials, if any; no network
// call happens until a command needs one.
func NewApp(cfg *config.Config) *App {
	sess := session.New()
	store := credstore.NewStore(config.GlobalConfigDir())

	httpClient := &http.Client{Timeout: 30 * time.Second}
	authMgr := auth.NewManager(cfg, sess, store, httpClient)
	authMgr.Restore()

	apiClient := api.NewClient(cfg, authMgr)

	format := output.FormatJSON
	if cfg.Format == "quiet" {
		format = output.FormatQuiet
	}

	return &App{
		Config:  cfg,
		Session: sess,
		Auth:    authMgr,
		API:     apiClient,
		Output: output.New(output.Options{
			Format: format,
			Writer: os.Stdout,
		}),
	}
}

// ApplyFlags applies global flag values to the app configuration.
func (a *App) ApplyFlags() {
	if a.Flags.Quiet {
		a.Output = output.New(output.Options{
			Format: output.FormatQuiet,
			Writer: os.Stdout,
		})
	} else if a.Flags.JSON {
		a.Output = output.New(output.Options{
			Format: output.FormatJSON,
			Writer: os.Stdout,
		})
	}

	if a.Flags.Verbose > 0 {
		a.API.SetVerbose(true)
		debugLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		slog.SetDefault(debugLogger)
	}
}

// OK outputs a success response.
func (a *App) OK(data any, opts ...output.ResponseOption) error {
	return a.Output.OK(data, opts...)
}

// Err outputs an error response.
func (a *App) Err(err error) error {
	return a.Output.Err(err)
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
