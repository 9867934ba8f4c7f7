package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/exam-voice-lab/internal/capture"
	"github.com/exam-voice-lab/internal/config"
	"github.com/exam-voice-lab/internal/control"
	"github.com/exam-voice-lab/internal/logging"
	"github.com/exam-voice-lab/internal/metrics"
	"github.com/exam-voice-lab/internal/transport"
	"github.com/exam-voice-lab/internal/voice"
)

var version = "dev"

type rootFlags struct {
	configPath string
	input      string
	mode       string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env not loaded: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "exam-listener",
		Short:         "Capture exam answers from the microphone and stream them to the exam server",
		SilenceUsage:  true,
		SilenceErrors: false,
		Version:       version,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", os.Getenv("LISTENER_CONFIG"), "path to YAML config")
	root.PersistentFlags().StringVar(&f.input, "input", "", `capture source: "microphone" or a WAV file path`)
	root.PersistentFlags().StringVar(&f.mode, "mode", "", "capture mode: voice, pure_voice or recorder")

	root.AddCommand(newListenCmd(f), newDevicesCmd(f), newProbeCmd(f), newCtlCmd())
	return root
}

// loadConfig loads the file, applies flag overrides and starts logging.
func loadConfig(f *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.input != "" {
		cfg.Input.Source = f.input
	}
	if f.mode != "" {
		cfg.Listener.Mode = f.mode
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if os.Getenv("LOG_LEVEL") == "" && cfg.Logging.Level != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.Logging.Level)
	}
	logging.Init()
	return cfg, nil
}

func providerFor(cfg *config.Config) capture.Provider {
	if cfg.Input.Microphone() {
		return capture.NewPortAudioProvider()
	}
	return &capture.FileProvider{Path: cfg.Input.Source, Loop: cfg.Input.Loop}
}

func newDevicesCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			p := providerFor(cfg)
			if !p.Supported() {
				return capture.Classify(capture.ErrUnsupportedPlatform)
			}
			devs, err := p.InputDevices(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range devs {
				if d.MaxInputChannels == 0 {
					continue
				}
				marker := " "
				if d.IsDefault {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s (%d ch, %.0f Hz)\n", marker, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
			}
			fmt.Fprintf(out, "%d input device(s)\n", capture.CountInputs(devs))
			return nil
		},
	}
}

func newProbeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Open and release the capture device once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			vcfg, err := cfg.Listener.Voice()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if err := capture.Probe(ctx, providerFor(cfg), vcfg.Constraints()); err != nil {
				ce := capture.Classify(err)
				fmt.Fprintln(cmd.ErrOrStderr(), ce.Message())
				if ce.NeedsRemediation() {
					for _, step := range capture.RemediationSteps() {
						fmt.Fprintln(cmd.ErrOrStderr(), "  - "+step)
					}
				}
				return ce
			}
			fmt.Fprintln(cmd.OutOrStdout(), "capture device ok")
			return nil
		},
	}
}

func newCtlCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:       "ctl <tool>",
		Short:     "Call a control tool on a running listener",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{control.ToolStart, control.ToolStop, control.ToolFlush, control.ToolStatus, control.ToolRetryPermission},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			c, err := control.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer c.Close()
			text, err := c.Call(ctx, args[0])
			if text != "" {
				fmt.Fprintln(cmd.OutOrStdout(), text)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8765", "control server address")
	return cmd
}

func newListenCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Capture and deliver utterances until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return listen(ctx, cfg)
		},
	}
}

// stopWatcher forwards observer events to metrics and reports when the
// listener reaches Stopped on its own.
type stopWatcher struct {
	*metrics.Metrics
	once    sync.Once
	stopped chan struct{}
}

func (s *stopWatcher) StateChanged(mode voice.Mode, state voice.State) {
	s.Metrics.StateChanged(mode, state)
	if state == voice.StateStopped {
		s.once.Do(func() { close(s.stopped) })
	}
}

func listen(ctx context.Context, cfg *config.Config) error {
	defer logging.Sync()

	vcfg, err := cfg.Listener.Voice()
	if err != nil {
		return err
	}
	m := metrics.NewMetrics()
	obs := &stopWatcher{Metrics: m, stopped: make(chan struct{})}

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	var wg sync.WaitGroup

	var sinks voice.MultiSink
	if a := voice.NewArchive(cfg.Archive.Dir, 32); a != nil {
		wg.Add(2)
		a.Start(workCtx, &wg)
		a.StartCleaner(workCtx, &wg,
			time.Duration(cfg.Archive.RetentionHours)*time.Hour,
			time.Duration(cfg.Archive.CleanIntervalSeconds)*time.Second,
			cfg.Archive.MaxFiles)
		sinks = append(sinks, a)
	}
	sendTimeout := time.Duration(cfg.Exam.SendTimeoutMs) * time.Millisecond
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	if cfg.Exam.FallbackURL != "" {
		h := transport.NewHTTPSink(cfg.Exam.FallbackURL, cfg.Exam.Token, sendTimeout, cfg.Exam.Retries+1)
		h.Recorder = m
		wg.Add(1)
		h.Start(workCtx, &wg)
		sinks = append(sinks, h)
	}

	var exam *transport.ExamSession
	examCtx, cancelExam := context.WithCancel(context.Background())
	defer cancelExam()
	examDone := make(chan struct{})
	if cfg.Exam.ServerURL != "" {
		exam = transport.NewExamSession(transport.SocketOptions{
			BaseURL:      cfg.Exam.ServerURL,
			ExamID:       cfg.Exam.ExamID,
			Token:        cfg.Exam.Token,
			Mode:         vcfg.Mode,
			WriteTimeout: sendTimeout,
			Recorder:     m,
			OnMessage:    logServerMessage,
		}, m)
		sinks = append(sinks, exam)
		go func() {
			defer close(examDone)
			if err := exam.Run(examCtx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warnw("exam session ended", "err", err)
			}
		}()
	} else {
		close(examDone)
	}

	opts := voice.Options{
		Provider: providerFor(cfg),
		Sink:     sinks,
		Observer: obs,
		OnSilenceDetected: func() {
			logging.Debugw("silence detected", "mode", vcfg.Mode)
		},
	}
	if exam != nil {
		opts.IsCaptureActive = exam.Connected
	}
	l, err := voice.New(vcfg, opts)
	if err != nil {
		return err
	}

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		servers = append(servers, serve("metrics", cfg.Metrics.Address, mux))
	}
	if cfg.Control.Enabled {
		servers = append(servers, serve("control", cfg.Control.Address, control.NewServer(l, version).Handler()))
	}

	if exam != nil {
		go l.Watch(ctx, 250*time.Millisecond)
	} else if err := l.Start(ctx); err != nil {
		logging.Errorw("capture start failed", "err", err)
		if ce := capture.Classify(err); ce.NeedsRemediation() {
			logging.Infow("microphone access needs attention", "steps", strings.Join(capture.RemediationSteps(), "; "))
		}
		if !cfg.Control.Enabled {
			return err
		}
	}

	var complete <-chan struct{}
	if exam != nil {
		complete = exam.Complete()
	}
	select {
	case <-ctx.Done():
		logging.Infow("shutdown requested")
	case <-complete:
		logging.Infow("exam complete, shutting down")
	case <-obs.stopped:
		if cfg.Exam.ServerURL == "" && !cfg.Input.Microphone() {
			logging.Infow("input finished, shutting down")
		} else {
			// A live session can stop on device loss; keep serving control
			// until told to exit.
			select {
			case <-ctx.Done():
			case <-complete:
			}
		}
	}

	if err := l.Close(); err != nil {
		logging.Warnw("listener close failed", "err", err)
	}
	if exam != nil && cfg.Exam.SendEndOnStop {
		endCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := exam.EndExam(endCtx); err != nil && !errors.Is(err, transport.ErrSocketClosed) {
			logging.Warnw("end_exam not sent", "err", err)
		}
		cancel()
	}
	cancelExam()
	<-examDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range servers {
		_ = s.Shutdown(shutdownCtx)
	}
	cancelWork()
	wg.Wait()
	logging.Infow("listener exited")
	return nil
}

func serve(name, addr string, h http.Handler) *http.Server {
	s := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logging.Infow("http server listening", "server", name, "addr", addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorw("http server failed", "server", name, "err", err)
		}
	}()
	return s
}

func logServerMessage(msg transport.ServerMessage) {
	switch msg.Type {
	case transport.TypeQuestion:
		logging.Infow("question received", "content", msg.Content, "has_audio", msg.Audio != "")
	case transport.TypeError:
		logging.Warnw("exam server error", "error", msg.Error)
	case transport.TypeExamComplete:
		logging.Infow("exam server reported completion")
	default:
		logging.Debugw("unhandled server message", "type", msg.Type)
	}
}
