// Command weathercheck looks up current conditions for one location through
// the configured cache and prints them as a table.
//
//	weathercheck [-clear-cache] [-v] [location]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-lookup-service/internal/cache"
	"github.com/kjstillabower/weather-lookup-service/internal/client"
	"github.com/kjstillabower/weather-lookup-service/internal/config"
	"github.com/kjstillabower/weather-lookup-service/internal/fetcherr"
	"github.com/kjstillabower/weather-lookup-service/internal/models"
	"github.com/kjstillabower/weather-lookup-service/internal/observability"
	"github.com/kjstillabower/weather-lookup-service/internal/service"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("weathercheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	clearCache := fs.Bool("clear-cache", false, "clear the cached entry for the location before looking it up")
	verbose := fs.Bool("v", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "usage: weathercheck [-clear-cache] [-v] [location]")
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFailed
	}
	logger, err := observability.NewCLILogger(*verbose)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return exitFailed
	}

	location := cfg.DefaultLocation
	if fs.NArg() == 1 {
		location = fs.Arg(0)
	}
	return check(ctx, cfg, logger, location, *clearCache, stdout)
}

// check performs one lookup and prints the outcome. It returns the exit code.
func check(ctx context.Context, cfg *config.Config, logger *zap.Logger, location string, clearCache bool, out io.Writer) int {
	store, closer, err := cache.Open(cfg.StoreConfig(), clockwork.NewRealClock())
	if err != nil {
		fmt.Fprintf(out, "cache: %v\n", err)
		return exitFailed
	}
	defer func() {
		if err := observability.FlushTelemetry(logger, closer); err != nil {
			logger.Debug("flush", zap.Error(err))
		}
	}()

	weather := service.NewWeatherCache(
		client.NewWeatherAPIClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout),
		store,
		service.Options{
			TTL:       cfg.CacheTTL,
			MinLength: cfg.LocationMinLength,
			MaxLength: cfg.LocationMaxLength,
			Logger:    logger,
		},
	)

	fmt.Fprintf(out, "Testing weather API for: %s\n", location)
	if clearCache {
		if weather.Invalidate(ctx, location) {
			fmt.Fprintln(out, "Cache cleared.")
		} else {
			fmt.Fprintln(out, "Cache was already empty.")
		}
	}

	snap, err := weather.Get(ctx, location)
	if err != nil {
		fmt.Fprintf(out, "Error: %s\n", fetcherr.PublicMessage(err))
		var ferr *fetcherr.Error
		if errors.As(err, &ferr) {
			logger.Warn("lookup failed", zap.String("kind", ferr.Kind.String()), zap.Error(ferr.Err))
		}
		return exitFailed
	}
	writeTable(out, snap)
	return exitOK
}

func writeTable(out io.Writer, snap models.WeatherSnapshot) {
	cached, expires := "No", "-"
	if snap.Cached {
		cached = "Yes"
	}
	if snap.CacheExpiresAt != nil {
		expires = snap.CacheExpiresAt.UTC().Format(time.RFC3339)
	}
	rows := [][2]string{
		{"Location", snap.Location},
		{"Region", snap.Region},
		{"Temperature", fmt.Sprintf("%.1f°C (%.1f°F)", snap.TemperatureCelsius, snap.TemperatureFahrenheit)},
		{"Feels Like", fmt.Sprintf("%.1f°C (%.1f°F)", snap.FeelsLikeCelsius, snap.FeelsLikeFahrenheit)},
		{"Condition", snap.Condition},
		{"Humidity", strconv.Itoa(snap.Humidity) + "%"},
		{"Wind", fmt.Sprintf("%.1f km/h %s", snap.WindSpeedKph, snap.WindDirection)},
		{"Pressure", fmt.Sprintf("%.0f mb", snap.PressureMb)},
		{"Visibility", fmt.Sprintf("%.1f km", snap.VisibilityKm)},
		{"UV Index", strconv.FormatFloat(snap.UVIndex, 'f', -1, 64)},
		{"Last Updated", snap.LastUpdated},
		{"Cached", cached},
		{"Cache Expires", expires},
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Property\tValue")
	fmt.Fprintln(tw, "--------\t-----")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
	}
	_ = tw.Flush()
}
