package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/capturebridge/cmd"
	"github.com/smazurov/capturebridge/internal/api"
	"github.com/smazurov/capturebridge/internal/bridge"
	"github.com/smazurov/capturebridge/internal/config"
	"github.com/smazurov/capturebridge/internal/devicestate"
	"github.com/smazurov/capturebridge/internal/dispatcher"
	"github.com/smazurov/capturebridge/internal/events"
	"github.com/smazurov/capturebridge/internal/legacy"
	"github.com/smazurov/capturebridge/internal/logging"
	"github.com/smazurov/capturebridge/internal/metrics/exporters"
	"github.com/smazurov/capturebridge/internal/output"
	"github.com/smazurov/capturebridge/internal/systemd"
	"github.com/smazurov/capturebridge/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Bridge settings
	BridgeMaxInFlight            int    `help:"Maximum capture units in flight" default:"2" toml:"bridge.max_in_flight" env:"BRIDGE_MAX_IN_FLIGHT"`
	BridgeStillTimeout           string `help:"Shutter to picture timeout" default:"4s" toml:"bridge.still_timeout" env:"BRIDGE_STILL_TIMEOUT"`
	BridgePreviewFrameTimeout    string `help:"Preview frame timeout" default:"1s" toml:"bridge.preview_frame_timeout" env:"BRIDGE_PREVIEW_FRAME_TIMEOUT"`
	BridgeRequestCompleteTimeout string `help:"Per unit completion timeout" default:"4s" toml:"bridge.request_complete_timeout" env:"BRIDGE_REQUEST_COMPLETE_TIMEOUT"`
	BridgeAdmitTimeout           string `help:"Wait for an in-flight slot" default:"4s" toml:"bridge.admit_timeout" env:"BRIDGE_ADMIT_TIMEOUT"`
	BridgeTimeoutPolicy          string `help:"On drain timeout: fatal or recover" default:"fatal" toml:"bridge.timeout_policy" env:"BRIDGE_TIMEOUT_POLICY"`
	BridgeOutputsFile            string `help:"Output definitions file" default:"outputs.toml" toml:"bridge.outputs_file" env:"BRIDGE_OUTPUTS_FILE"`
	BridgeRenderQueueSize        int    `help:"Preview render queue depth" default:"4" toml:"bridge.render_queue_size" env:"BRIDGE_RENDER_QUEUE_SIZE"`
	BridgeWatchOutputs           bool   `help:"Reconfigure when the outputs file changes" default:"true" toml:"bridge.watch_outputs" env:"BRIDGE_WATCH_OUTPUTS"`
	BridgeShutdownTimeout        string `help:"Time to drain on shutdown" default:"5s" toml:"bridge.shutdown_timeout" env:"BRIDGE_SHUTDOWN_TIMEOUT"`

	// Simulated device settings
	DeviceFrameInterval string `help:"Preview frame interval" default:"33ms" toml:"device.frame_interval" env:"DEVICE_FRAME_INTERVAL"`
	DeviceShutterDelay  string `help:"Trigger to shutter delay" default:"20ms" toml:"device.shutter_delay" env:"DEVICE_SHUTTER_DELAY"`
	DevicePictureDelay  string `help:"Shutter to picture delay" default:"60ms" toml:"device.picture_delay" env:"DEVICE_PICTURE_DELAY"`

	// Observability settings
	ObsPrometheusEnabled bool   `help:"Enable Prometheus" default:"true" toml:"obs.prometheus_enabled" env:"OBS_PROMETHEUS_ENABLED"`
	ObsSSEEnabled        bool   `help:"Enable SSE stats" default:"true" toml:"obs.sse_enabled" env:"OBS_SSE_ENABLED"`
	ObsStatsInterval     string `help:"SSE stats interval" default:"1s" toml:"obs.stats_interval" env:"OBS_STATS_INTERVAL"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingBridge     string `help:"Bridge logging level" default:"info" toml:"logging.bridge" env:"LOGGING_BRIDGE"`
	LoggingDispatcher string `help:"Dispatcher logging level" default:"info" toml:"logging.dispatcher" env:"LOGGING_DISPATCHER"`
	LoggingCollector  string `help:"Capture collector logging level" default:"info" toml:"logging.collector" env:"LOGGING_COLLECTOR"`
	LoggingRender     string `help:"Preview render logging level" default:"info" toml:"logging.render" env:"LOGGING_RENDER"`
	LoggingLegacy     string `help:"Device logging level" default:"info" toml:"logging.legacy" env:"LOGGING_LEGACY"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingConfig     string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingSystemd    string `help:"Service manager logging level" default:"info" toml:"logging.systemd" env:"LOGGING_SYSTEMD"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// CLI args > env vars > config file
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"bridge":      opts.LoggingBridge,
				"dispatcher":  opts.LoggingDispatcher,
				"devicestate": opts.LoggingDispatcher,
				"collector":   opts.LoggingCollector,
				"render":      opts.LoggingRender,
				"legacy":      opts.LoggingLegacy,
				"api":         opts.LoggingAPI,
				"http":        opts.LoggingAPI,
				"config":      opts.LoggingConfig,
				"systemd":     opts.LoggingSystemd,
			},
		})

		logger := logging.GetLogger("main")

		eventBus := events.New()
		listener := events.NewListener(eventBus)

		defaults := legacy.DefaultSimConfig()
		device := legacy.NewSim(legacy.SimConfig{
			FrameInterval: config.Duration(opts.DeviceFrameInterval, defaults.FrameInterval),
			ShutterDelay:  config.Duration(opts.DeviceShutterDelay, defaults.ShutterDelay),
			PictureDelay:  config.Duration(opts.DevicePictureDelay, defaults.PictureDelay),
			Parameters:    defaults.Parameters,
		}, logging.GetLogger("legacy"))

		captureBridge := bridge.New(device, listener, bridge.Options{
			Dispatcher: dispatcher.Options{
				MaxInFlight:            opts.BridgeMaxInFlight,
				StillTimeout:           config.Duration(opts.BridgeStillTimeout, dispatcher.DefaultStillTimeout),
				PreviewFrameTimeout:    config.Duration(opts.BridgePreviewFrameTimeout, dispatcher.DefaultPreviewFrameTimeout),
				RequestCompleteTimeout: config.Duration(opts.BridgeRequestCompleteTimeout, dispatcher.DefaultRequestCompleteTimeout),
				AdmitTimeout:           config.Duration(opts.BridgeAdmitTimeout, 0),
				TimeoutPolicy:          dispatcher.TimeoutPolicy(opts.BridgeTimeoutPolicy),
				RenderQueueSize:        opts.BridgeRenderQueueSize,
				Logger:                 logging.GetLogger("dispatcher"),
			},
			OnConfigured: func(session string, outputs []output.Info) {
				ids := make([]string, len(outputs))
				for i, o := range outputs {
					ids[i] = string(o.ID)
				}
				eventBus.Publish(events.OutputsConfiguredEvent{
					Session:   session,
					Outputs:   ids,
					Timestamp: time.Now().Format(time.RFC3339),
				})
			},
			Logger: logging.GetLogger("bridge"),
		})

		var watcher *config.Watcher[*output.Set]
		if opts.BridgeWatchOutputs {
			watcher = config.NewWatcher(opts.BridgeOutputsFile, config.LoadOutputs, logging.GetLogger("config"),
				config.WithErrorHandler[*output.Set](func(err error) {
					logger.Warn("Ignoring invalid outputs file", "file", opts.BridgeOutputsFile, "error", err)
				}))
			watcher.OnReload(func(set *output.Set) {
				ctx, cancel := context.WithTimeout(context.Background(), config.Duration(opts.BridgeShutdownTimeout, 5*time.Second))
				defer cancel()
				session, err := captureBridge.Configure(ctx, set)
				if err != nil {
					logger.Error("Failed to reconfigure outputs", "error", err)
					return
				}
				logger.Info("Outputs reconfigured", "session", session, "outputs", set.Len())
			})
		}

		var sseExporter *exporters.SSEExporter
		if opts.ObsSSEEnabled {
			sseExporter = exporters.NewSSEExporter(eventBus, config.Duration(opts.ObsStatsInterval, exporters.DefaultInterval))
		}

		notifier := systemd.NewNotifier(eventBus, func() bool {
			return captureBridge.State() != devicestate.StateError
		}, logging.GetLogger("systemd"))

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Bridge:       captureBridge,
			EventBus:     eventBus,
		}
		if opts.ObsPrometheusEnabled {
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		server := api.NewServer(apiOpts)

		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			set, err := config.LoadOutputs(opts.BridgeOutputsFile)
			if err != nil {
				logger.Warn("No initial outputs, waiting for configure", "file", opts.BridgeOutputsFile, "error", err)
			} else {
				configureCtx, configureCancel := context.WithTimeout(ctx, config.Duration(opts.BridgeShutdownTimeout, 5*time.Second))
				session, configureErr := captureBridge.Configure(configureCtx, set)
				configureCancel()
				if configureErr != nil {
					logger.Error("Failed to configure outputs", "error", configureErr)
					os.Exit(1)
				}
				logger.Info("Outputs configured", "session", session, "outputs", set.Len())
			}

			if watcher != nil {
				if startErr := watcher.Start(); startErr != nil {
					logger.Warn("Failed to watch outputs file", "error", startErr)
				}
			}
			if sseExporter != nil {
				sseExporter.Start(ctx)
			}
			notifier.Start(ctx)

			logger.Info("Starting HTTP server", "port", opts.Port, "version", version.String())
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stop()
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if watcher != nil {
				if stopErr := watcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping outputs watcher", "error", stopErr)
				}
			}

			// Let in-flight captures land before closing the device.
			drainCtx, drainCancel := context.WithTimeout(ctx, config.Duration(opts.BridgeShutdownTimeout, 5*time.Second))
			if waitErr := captureBridge.WaitUntilIdle(drainCtx); waitErr != nil && bridge.CodeOf(waitErr) != bridge.ErrCodeNotConfigured {
				logger.Warn("Bridge not idle at shutdown", "error", waitErr)
			}
			drainCancel()
			if closeErr := captureBridge.Close(); closeErr != nil {
				logger.Error("Error closing bridge", "error", closeErr)
			}

			if sseExporter != nil {
				sseExporter.Stop()
			}
			cancel()
		})
	})

	cli.Root().Version = version.Long()
	cli.Root().AddCommand(cmd.CreateSimulateCmd())

	cli.Run()
}
