package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/comosim/comosim/pkg/api"
	"github.com/comosim/comosim/pkg/broker"
	"github.com/comosim/comosim/pkg/config"
	"github.com/comosim/comosim/pkg/dispatch"
	"github.com/comosim/comosim/pkg/log"
	"github.com/comosim/comosim/pkg/simulation"
	"github.com/comosim/comosim/pkg/sims/ondemand"
	"github.com/comosim/comosim/pkg/sims/scenario"
	"github.com/comosim/comosim/pkg/sims/usermodel"
	"github.com/comosim/comosim/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "comosim",
	Short: "Comosim - discrete-event mobility co-simulation",
	Long: `Comosim stitches independent mobility simulators into one logical
simulation whose virtual clock advances in lockstep. It ships the broker
that coordinates the run and reference simulator services speaking the
shared peek/step protocol over HTTP/JSON.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Comosim version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(ondemandCmd)
	rootCmd.AddCommand(scenarioCmd)
	rootCmd.AddCommand(usermodelCmd)
	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	// the environment can raise verbosity when the flag is untouched
	if !rootCmd.PersistentFlags().Changed("log-level") {
		if env := os.Getenv("LOG_LEVEL"); env != "" {
			logLevel = env
		}
	}

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// Broker command
var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the co-simulation broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		b := broker.New(nil, dispatch.DefaultPolicy())
		return serve(addr, api.NewBrokerHandler(b).Router())
	},
}

// Simulator service commands
var ondemandCmd = &cobra.Command{
	Use:   "ondemand",
	Short: "Run the on-demand mobility simulator service",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return serveSimulator(addr, "ondemand", ondemand.New())
	},
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Run the historical demand generator service",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return serveSimulator(addr, "scenario", scenario.New())
	},
}

var usermodelCmd = &cobra.Command{
	Use:   "usermodel",
	Short: "Run the user choice model service",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return serveSimulator(addr, "usermodel", usermodel.New())
	},
}

// Run command drives a whole simulation from a config file
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a full simulation run against a broker",
	Long: `Run loads a YAML configuration naming the broker and every simulator
service, sets the broker up, starts the run, polls progress, and saves the
event log when the simulation completes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return driveRun(cmd.Context(), cfg)
	},
}

func init() {
	brokerCmd.Flags().String("addr", ":3000", "Listen address")
	ondemandCmd.Flags().String("addr", ":3001", "Listen address")
	scenarioCmd.Flags().String("addr", ":3002", "Listen address")
	usermodelCmd.Flags().String("addr", ":3003", "Listen address")
	runCmd.Flags().String("config", "run.yaml", "Run configuration file")
}

func serveSimulator(addr, name string, sim simulation.Simulator) error {
	return serve(addr, api.NewServiceHandler(name, sim).Router())
}

// serve runs the HTTP server until SIGINT or SIGTERM
func serve(addr string, router chi.Router) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Logger.Info().Str("addr", addr).Msg("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// driveRun performs the client side of a simulation: setup, start, run,
// poll, download events.
func driveRun(ctx context.Context, cfg *config.RunConfig) error {
	httpClient := &http.Client{Timeout: 15 * time.Minute}
	base := strings.TrimRight(cfg.Broker, "/")

	descriptors, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	setup, err := json.Marshal(api.SetupRequest{Services: descriptors, WriterURL: cfg.WriterURL})
	if err != nil {
		return err
	}

	// setup may take a long time with large scenario data
	if err := post(ctx, httpClient, base+"/setup", setup); err != nil {
		return fmt.Errorf("broker setup failed: %w", err)
	}
	if err := post(ctx, httpClient, base+"/start", nil); err != nil {
		return fmt.Errorf("broker start failed: %w", err)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- post(ctx, httpClient, fmt.Sprintf("%s/run?until=%g", base, cfg.Until), nil)
	}()

	ticker := time.NewTicker(cfg.Interval())
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case err := <-runErr:
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			done = true
		case <-ticker.C:
			var peek types.BrokerPeek
			if err := get(ctx, httpClient, base+"/peek", &peek); err != nil {
				log.Logger.Warn().Err(err).Msg("Peek poll failed")
				continue
			}
			if !peek.Success {
				return fmt.Errorf("simulation failed at t=%g", peek.Next)
			}
			log.Logger.Info().Float64("next", peek.Next).Bool("running", peek.Running).Msg("Simulation progress")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := saveEvents(ctx, httpClient, base+"/events", cfg.Output); err != nil {
		return err
	}
	log.Logger.Info().Str("output", cfg.Output).Msg("All events recorded")

	return post(ctx, httpClient, base+"/finish", nil)
}

func post(ctx context.Context, c *http.Client, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s returned status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func get(ctx context.Context, c *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func saveEvents(ctx context.Context, c *http.Client, url, output string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events endpoint returned status %d", resp.StatusCode)
	}

	fp, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer fp.Close()
	if _, err := io.Copy(fp, resp.Body); err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	return nil
}
