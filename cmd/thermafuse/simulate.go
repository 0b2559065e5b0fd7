package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/satindergrewal/thermafuse/internal/simulate"
)

var simOpts struct {
	Host          string
	VisiblePort   int
	ThermalPort   int
	VisibleRate   float64
	ThermalRate   float64
	Count         int
	VisibleWidth  int
	VisibleHeight int
	ThermalWidth  int
	ThermalHeight int
	Quality       int
	Quiet         bool
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Stream synthetic visible and thermal frames to a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simOpts.VisibleRate <= 0 || simOpts.ThermalRate <= 0 {
			return fmt.Errorf("rates must be positive")
		}
		if simOpts.Count < 0 {
			return fmt.Errorf("--count must not be negative")
		}
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return runSimulate(cmd.Context())
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simOpts.Host, "host", "127.0.0.1", "server host")
	f.IntVar(&simOpts.VisiblePort, "visible-port", 8888, "visible stream port")
	f.IntVar(&simOpts.ThermalPort, "thermal-port", 8889, "thermal stream port")
	f.Float64Var(&simOpts.VisibleRate, "visible-rate", 10, "visible frames per second")
	f.Float64Var(&simOpts.ThermalRate, "thermal-rate", 1, "thermal frames per second")
	f.IntVarP(&simOpts.Count, "count", "n", 0, "visible frames to send, 0 = until interrupted")
	f.IntVar(&simOpts.VisibleWidth, "visible-width", 1280, "visible frame width")
	f.IntVar(&simOpts.VisibleHeight, "visible-height", 800, "visible frame height")
	f.IntVar(&simOpts.ThermalWidth, "thermal-width", 256, "thermal frame width")
	f.IntVar(&simOpts.ThermalHeight, "thermal-height", 192, "thermal frame height")
	f.IntVar(&simOpts.Quality, "quality", 85, "JPEG quality of visible frames")
	f.BoolVarP(&simOpts.Quiet, "quiet", "q", false, "hide the progress bar")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(ctx context.Context) error {
	// Thermal runs as long as visible; its count scales with the rate ratio.
	thermalCount := 0
	if simOpts.Count > 0 {
		thermalCount = max(1, int(float64(simOpts.Count)*simOpts.ThermalRate/simOpts.VisibleRate))
	}

	total := -1
	if simOpts.Count > 0 {
		total = simOpts.Count + thermalCount
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Streaming frames"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(!simOpts.Quiet),
	)
	defer bar.Finish()
	onSent := func(uint32, int) { bar.Add(1) }

	visible := simulate.NewSender(simulate.Config{
		Name:  "visible",
		Addr:  net.JoinHostPort(simOpts.Host, strconv.Itoa(simOpts.VisiblePort)),
		Rate:  simOpts.VisibleRate,
		Count: simOpts.Count,
	}, simulate.VisibleSource{
		Width:   simOpts.VisibleWidth,
		Height:  simOpts.VisibleHeight,
		Quality: simOpts.Quality,
	})
	visible.OnSent = onSent

	thermal := simulate.NewSender(simulate.Config{
		Name:  "thermal",
		Addr:  net.JoinHostPort(simOpts.Host, strconv.Itoa(simOpts.ThermalPort)),
		Rate:  simOpts.ThermalRate,
		Count: thermalCount,
	}, simulate.ThermalSource{
		Width:  simOpts.ThermalWidth,
		Height: simOpts.ThermalHeight,
	})
	thermal.OnSent = onSent

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*simulate.Sender{visible, thermal} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Run(ctx)
		}()
	}
	wg.Wait()

	fmt.Fprintf(os.Stderr, "\nvisible: %d sent, %d lost; thermal: %d sent, %d lost\n",
		visible.Sent(), visible.Failed(), thermal.Sent(), thermal.Failed())
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
