package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/john/snapmaker_send/device"
	"github.com/john/snapmaker_send/discovery"
	"github.com/john/snapmaker_send/gcode"
	"github.com/john/snapmaker_send/history"
	"github.com/john/snapmaker_send/notify"
	"github.com/john/snapmaker_send/store"
	"github.com/john/snapmaker_send/tokens"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	discover := flag.Bool("discover", false, "discover printers on the network and exit")
	send := flag.String("send", "", "gcode file to process and upload, then exit")
	printer := flag.String("printer", "", "target printer for -send: name, name@model or IP")
	material := flag.String("material", "", "material name(s) for the upload filename, comma separated")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)

	switch {
	case *discover:
		runDiscovery(cfg, log)
	case *send != "":
		if *printer == "" {
			fmt.Fprintln(os.Stderr, "-send requires -printer")
			os.Exit(1)
		}
		if err := runSend(cfg, log, *send, *printer, *material); err != nil {
			log.Error().Err(err).Msg("send failed")
			os.Exit(1)
		}
	default:
		runAgent(cfg, log)
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// runDiscovery broadcasts one probe and lists the replies.
func runDiscovery(cfg *Config, log zerolog.Logger) {
	fmt.Println("Discovering Snapmaker printers on the network...")

	prober := &discovery.UDPProber{Log: log}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	window := time.Duration(cfg.Discovery.Window) * time.Second
	datagrams, err := prober.Probe(ctx, window)
	if err != nil {
		log.Fatal().Err(err).Msg("discovery failed")
	}

	found := map[string]discovery.Reply{}
	for _, dg := range datagrams {
		rep, err := discovery.ParseReply(dg.Payload)
		if err != nil {
			continue
		}
		if cfg.Discovery.ModelPrefix != "" && !strings.HasPrefix(rep.Model, cfg.Discovery.ModelPrefix) {
			continue
		}
		if dg.Source != "" {
			rep.Addr = dg.Source
		}
		found[rep.Identity().String()] = rep
	}

	if len(found) == 0 {
		fmt.Println("No printers found.")
		return
	}

	fmt.Printf("Found %d printer(s):\n", len(found))
	i := 0
	for _, rep := range found {
		i++
		fmt.Printf("  %d. %s (%s) - IP: %s, status: %s\n", i, rep.Name, rep.Model, rep.Addr, rep.Status)
	}
}

// runSend processes one gcode file and uploads it to the named printer.
func runSend(cfg *Config, log zerolog.Logger, path, printer, material string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading gcode: %w", err)
	}

	payload, meta, err := gcode.Process(data, gcode.Options{})
	if err != nil {
		return fmt.Errorf("processing gcode: %w", err)
	}

	db, err := store.New(cfg.DataDir)
	if err != nil {
		return err
	}
	tok, err := tokens.Load(db)
	if err != nil {
		return fmt.Errorf("loading tokens: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := notify.LogSink{Log: log}
	engine := discovery.New(discovery.Config{
		Tokens:      tok,
		Sink:        sink,
		NewSession:  sessionFactory(ctx, cfg, tok, sink, log),
		ModelPrefix: cfg.Discovery.ModelPrefix,
		Window:      time.Duration(cfg.Discovery.Window) * time.Second,
		Log:         log,
	})
	defer engine.Close()

	// Poll until the target shows up.
	deadline := time.Now().Add(30 * time.Second)
	var rec discovery.Record
	for {
		if err := engine.PollOnce(ctx); err != nil {
			return err
		}
		var ok bool
		if rec, ok = engine.Find(printer); ok {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("printer %q not found on the network", printer)
		}
	}

	job := device.Job{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Duration: meta.EstimatedTime,
		Payload:  payload,
	}
	if material != "" {
		job.Materials = strings.Split(material, ",")
	}

	outcome, err := rec.Session.RequestUpload(job)
	if err != nil {
		return err
	}

	res := <-outcome
	if res.Err != nil {
		return res.Err
	}

	fmt.Printf("Sent %s to %s. Start the print on the touchscreen.\n", res.Filename, rec.Identity)
	return tok.Flush()
}

// runAgent runs discovery plus the notification hub until SIGINT/SIGTERM.
func runAgent(cfg *Config, log zerolog.Logger) {
	log.Info().Msg("Snapmaker send agent starting")

	db, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing data store failed")
	}
	tok, err := tokens.Load(db)
	if err != nil {
		log.Fatal().Err(err).Msg("loading tokens failed")
	}
	log.Info().Int("tokens", tok.Len()).Str("data_dir", cfg.DataDir).Msg("state loaded")

	rec, err := history.Load(db, log)
	if err != nil {
		log.Fatal().Err(err).Msg("loading upload history failed")
	}

	sinks := notify.Sinks{notify.LogSink{Log: log}, rec}

	var hub *notify.Hub
	if cfg.Notify.Listen != "" {
		h, mux := notify.NewHub(cfg.Notify.Listen, log)
		mux.Handle("/history", rec.Handler())
		hub = h
		sinks = append(sinks, hub)
		go func() {
			if err := hub.Start(); err != nil {
				log.Error().Err(err).Msg("event server error")
			}
		}()
		log.Info().Str("listen", cfg.Notify.Listen).Msg("event server listening")
	}

	ctx, cancel := context.WithCancel(context.Background())
	engine := discovery.New(discovery.Config{
		Tokens:      tok,
		Sink:        sinks,
		NewSession:  sessionFactory(ctx, cfg, tok, sinks, log),
		ModelPrefix: cfg.Discovery.ModelPrefix,
		Window:      time.Duration(cfg.Discovery.Window) * time.Second,
		StalePolls:  cfg.Discovery.StalePolls,
		Log:         log,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	engine.Run(ctx, time.Duration(cfg.Discovery.Interval)*time.Second)

	engine.Close()
	if hub != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := hub.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("event server shutdown failed")
		}
		scancel()
	}
	if err := tok.Flush(); err != nil {
		log.Warn().Err(err).Msg("saving tokens failed")
	}
	log.Info().Msg("stopped")
}

// sessionFactory builds device sessions wired to the token store and
// notification sinks.
func sessionFactory(ctx context.Context, cfg *Config, tok *tokens.Store, sink notify.Sink, log zerolog.Logger) discovery.SessionFactory {
	return func(name, model, addr, token string) *device.Session {
		return device.NewSession(ctx, device.Config{
			Name:        name,
			Model:       model,
			Addr:        addr,
			Token:       token,
			Sink:        sink,
			OnToken:     func(t string) { tok.Set(name+"@"+model, t) },
			CallTimeout: time.Duration(cfg.Device.Timeout) * time.Second,
			Log:         log,
		})
	}
}
