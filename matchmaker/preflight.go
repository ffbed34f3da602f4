package matchmaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/edgelobby/edgelobby/provision"
)

// VerifyApplication checks at startup that the configured application
// and version exist on the provider and that the version is active.
// A failure here means no session can ever be provisioned, so callers
// should treat it as fatal.
func VerifyApplication(ctx context.Context, prov provision.Client, log *slog.Logger, appName, appVersion string) error {
	app, err := prov.GetApplication(ctx, appName)
	if err != nil {
		return fmt.Errorf("provider doesn't know application %q: %w", appName, err)
	}
	log.InfoContext(ctx, "preflight.application",
		slog.String("name", app.Name), slog.Bool("active", app.IsActive),
		slog.String("last_updated", app.LastUpdated))

	version, err := prov.GetAppVersion(ctx, appName, appVersion)
	if err != nil {
		return fmt.Errorf("provider doesn't know version %q of %q: %w", appVersion, appName, err)
	}
	if !version.IsActive {
		return fmt.Errorf("application version %q is not active", version.Name)
	}
	log.InfoContext(ctx, "preflight.version", slog.String("name", version.Name))
	return nil
}
