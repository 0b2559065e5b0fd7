package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/thermafuse/internal/align"
	"github.com/satindergrewal/thermafuse/internal/api"
	"github.com/satindergrewal/thermafuse/internal/config"
	"github.com/satindergrewal/thermafuse/internal/frame"
	"github.com/satindergrewal/thermafuse/internal/fusion"
	"github.com/satindergrewal/thermafuse/internal/perf"
	"github.com/satindergrewal/thermafuse/internal/receiver"
	"github.com/satindergrewal/thermafuse/internal/reconstruct"
	"github.com/satindergrewal/thermafuse/internal/stream"
)

var serveOpts struct {
	ConfigPath    string
	Host          string
	VisiblePort   int
	ThermalPort   int
	HTTPPort      int
	AlignmentPath string
	LogLevel      string
	LogFormat     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive both sensor streams, fuse them and serve previews and controls",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadFile(serveOpts.ConfigPath)
		if err != nil {
			return err
		}
		applyServeFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := config.ConfigureLogging(cfg, os.Stderr); err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVarP(&serveOpts.ConfigPath, "config", "c", "", "YAML config file (environment still overrides it)")
	f.StringVar(&serveOpts.Host, "host", "", "listen host for all sockets")
	f.IntVar(&serveOpts.VisiblePort, "visible-port", 0, "visible stream port (default 8888)")
	f.IntVar(&serveOpts.ThermalPort, "thermal-port", 0, "thermal stream port (default 8889)")
	f.IntVar(&serveOpts.HTTPPort, "http-port", 0, "control and preview port (default 8080)")
	f.StringVar(&serveOpts.AlignmentPath, "alignment", "", "alignment record path")
	f.StringVar(&serveOpts.LogLevel, "log-level", "", "trace, debug, info, warn or error")
	f.StringVar(&serveOpts.LogFormat, "log-format", "", "console or json")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags lets explicitly set flags win over file and environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("host") {
		cfg.Host = serveOpts.Host
	}
	if set("visible-port") {
		cfg.VisiblePort = serveOpts.VisiblePort
	}
	if set("thermal-port") {
		cfg.ThermalPort = serveOpts.ThermalPort
	}
	if set("http-port") {
		cfg.HTTPPort = serveOpts.HTTPPort
	}
	if set("alignment") {
		cfg.AlignmentPath = serveOpts.AlignmentPath
	}
	if set("log-level") {
		cfg.LogLevel = serveOpts.LogLevel
	}
	if set("log-format") {
		cfg.LogFormat = serveOpts.LogFormat
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log.Info().Str("version", Version).Msg("thermafuse starting up")

	// Workers stop on interrupt and also when the HTTP server fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := align.NewStore(cfg.AlignmentPath, cfg.VisibleWidth, cfg.VisibleHeight, cfg.ThermalWidth, cfg.ThermalHeight)
	if err := store.Load(); err != nil {
		log.Warn().Err(err).Str("path", cfg.AlignmentPath).Msg("alignment not restored, using defaults")
	}

	visibleQ, err := frame.NewQueue(cfg.QueueCapacity)
	if err != nil {
		return err
	}
	thermalQ, err := frame.NewQueue(cfg.QueueCapacity)
	if err != nil {
		return err
	}

	// Operator feed of receiver status and control actions
	feed := stream.NewLogFeed(cfg.LogHistory)
	onStatus := func(ev receiver.Event) { feed.Publish(ev) }

	visible := receiver.New(receiver.Config{
		Role:           frame.Visible,
		Addr:           cfg.VisibleAddr(),
		AcceptTimeout:  cfg.AcceptTimeout,
		BindRetryDelay: cfg.BindRetryDelay,
		MaxPayload:     cfg.MaxPayload,
	}, visibleQ, receiver.VisibleDecoder{Width: cfg.VisibleWidth, Height: cfg.VisibleHeight}, onStatus)

	thermal := receiver.New(receiver.Config{
		Role:           frame.Thermal,
		Addr:           cfg.ThermalAddr(),
		AcceptTimeout:  cfg.AcceptTimeout,
		BindRetryDelay: cfg.BindRetryDelay,
		MaxPayload:     cfg.MaxPayload,
	}, thermalQ, receiver.ThermalDecoder{Width: cfg.ThermalWidth, Height: cfg.ThermalHeight}, onStatus)

	engine := fusion.New(fusion.Config{
		VisibleWidth:     cfg.VisibleWidth,
		VisibleHeight:    cfg.VisibleHeight,
		ThermalWidth:     cfg.ThermalWidth,
		ThermalHeight:    cfg.ThermalHeight,
		VignetteStrength: cfg.VignetteStrength,
		EventThreshold:   cfg.EventThreshold,
		EdgeThreshold:    cfg.EdgeThreshold,
		CheckerCell:      cfg.CheckerCell,
		MaxEmitRate:      cfg.MaxEmitRate,
		OutputBuffer:     cfg.OutputBuffer,
	}, visibleQ, thermalQ, store)

	// Broadcaster: fan-out bundles to every preview and telemetry client
	bundles := stream.NewBroadcaster[*fusion.Bundle](2)
	webrtcHandler := stream.NewWebRTCHandler(bundles)
	defer webrtcHandler.Close()

	monitor := perf.NewMonitor(cfg.PerfInterval)
	recon := reconstruct.NewClient(cfg.ReconstructURL, cfg.ReconstructAPIKey, cfg.ReconstructTimeout)
	if !recon.Enabled() {
		log.Info().Msg("reconstruction not configured (set THERMAFUSE_RECONSTRUCT_URL to enable)")
	}

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		visible.Run,
		thermal.Run,
		engine.Run,
		monitor.Run,
		func(ctx context.Context) { bundles.Run(ctx, engine.Bundles()) },
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	controls := &api.Server{
		Engine:      engine,
		Receivers:   []api.StatsSource{visible, thermal},
		Reconstruct: recon,
		Perf:        monitor,
		Feed:        feed,
		Clients: func() map[string]int {
			return map[string]int{
				"preview": bundles.ListenerCount(),
				"webrtc":  webrtcHandler.PeerCount(),
				"log":     feed.ClientCount(),
			}
		},
	}

	mux := http.NewServeMux()
	controls.Register(mux)
	mux.Handle("/stream", stream.NewMJPEGHandler(bundles, cfg.JPEGQuality))
	mux.Handle("/offer", webrtcHandler)
	mux.Handle("/ws/log", feed)

	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Streaming handlers end when the process context does.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	log.Info().
		Str("http", cfg.HTTPAddr()).
		Str("visible", cfg.VisibleAddr()).
		Str("thermal", cfg.ThermalAddr()).
		Msg("thermafuse live")
	err = server.ListenAndServe()
	cancel()
	wg.Wait()
	recon.Wait()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
