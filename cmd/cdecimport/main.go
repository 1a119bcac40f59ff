package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cdecimport/internal/app"
	"cdecimport/internal/cdec"
)

func main() {
	var (
		cfgPath  string
		stations bool
		from, to string
		sensors  string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config (json, yaml or toml)")
	flag.BoolVar(&stations, "stations", false, "import the station list once and exit")
	flag.StringVar(&from, "from", "", "import time series from this date (YYYY-MM-DD, PST) and exit")
	flag.StringVar(&to, "to", "", "end date of the one-shot import (YYYY-MM-DD, PST); default now")
	flag.StringVar(&sensors, "sensors", "", "comma separated station ids to narrow the configured sensors")
	flag.Parse()

	once := app.OneShot{Stations: stations}
	var err error
	if once.From, err = parseDate(from); err != nil {
		fatal("invalid -from", err)
	}
	if once.To, err = parseDate(to); err != nil {
		fatal("invalid -to", err)
	}
	if s := strings.TrimSpace(sensors); s != "" {
		once.StationIDs = strings.Split(s, ",")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fatal("fatal", err)
	}
	if err := a.Start(ctx); err != nil {
		fatal("fatal start", err)
	}

	reason := app.StopSignal
	if once.Stations || !once.From.IsZero() || !once.To.IsZero() {
		err = a.RunOnce(ctx, once)
		reason = app.StopOneShot
	} else {
		select {
		case <-ctx.Done():
		case <-a.Done():
			if err = a.Err(); err != nil {
				reason = app.StopFatalError
			}
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err != nil {
		fmt.Fprintln(os.Stderr, "import failed:", err)
		os.Exit(1)
	}
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation("2006-01-02", s, cdec.Location)
}

func fatal(msg string, err error) {
	fmt.Fprintln(os.Stderr, msg+":", err)
	os.Exit(1)
}
