package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	voice "github.com/bt-bridge/voice-session"
	"github.com/bt-bridge/voice-session/analytics"
	"github.com/bt-bridge/voice-session/captions"
	"github.com/bt-bridge/voice-session/capture"
	"github.com/bt-bridge/voice-session/capture/mediadev"
	"github.com/bt-bridge/voice-session/capture/miniaudio"
	"github.com/bt-bridge/voice-session/config"
	"github.com/bt-bridge/voice-session/playback"
	"github.com/bt-bridge/voice-session/shared"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Backend selects the microphone driver.
type Backend string

const (
	BackendMediaDevices Backend = "mediadevices"
	BackendMiniaudio    Backend = "miniaudio"
)

const (
	eventBufferSize  = 64
	shutdownTimeout  = 5 * time.Second
	connectTimeout   = 10 * time.Second
	statusPrefix     = "• "
	errorPrefix      = "❌ "
	captionPrefix    = "💬 "
	captionIndention = 1
)

type CLIConfig struct {
	Settings  config.Settings
	ServerURL string
	Backend   Backend

	// GreetingsDir holds <lang>.mp3 clips. Empty disables the greeting.
	GreetingsDir string
	// SiteURL is where tracking batches go. Empty disables analytics.
	SiteURL string
	// SpoolPath keeps undelivered tracking batches between runs.
	SpoolPath string

	// Printer switches the agent to plain mode: status lines and captions
	// are printed instead of delivered on Events.
	Printer *shared.Printer
}

// CLIAgent owns one voice session together with its devices and analytics.
type CLIAgent struct {
	logger   shared.LoggerAdapter
	printer  *shared.Printer
	session  *voice.Session
	tracker  *analytics.Tracker
	spool    *analytics.Spool
	events   chan any
	done     chan struct{}
	closeErr error

	closeOnce sync.Once
	mu        sync.Mutex
}

// Spawn opens the devices, starts analytics and connects the session. In
// plain mode recording starts right away.
func (a *CLIAgent) Spawn(ctx context.Context, logger shared.LoggerAdapter, cfg CLIConfig) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg.ServerURL == "" {
		return shared.ErrNoServerURL
	}
	if err := cfg.Settings.Validate(); err != nil {
		return fmt.Errorf("validating settings: %w", err)
	}
	session, err := a.setup(ctx, logger, cfg)
	if err != nil {
		return err
	}

	if a.printer != nil {
		go a.printEvents()
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.done:
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := session.Connect(cctx); err != nil {
		// the status line already says so; recording retries the connection
		a.logger.Warn("initial connect failed", zap.Error(err))
		return nil
	}
	if a.printer != nil {
		go func() {
			if err := session.StartRecording(ctx); err != nil {
				a.logger.Error("starting recording", err)
			}
		}()
	}
	return nil
}

func (a *CLIAgent) setup(ctx context.Context, logger shared.LoggerAdapter, cfg CLIConfig) (*voice.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = logger.With(zap.String("component", "cli-agent"))
	a.printer = cfg.Printer
	a.events = make(chan any, eventBufferSize)
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent", zap.String("serverUrl", cfg.ServerURL), zap.String("backend", string(cfg.Backend)))
	a.println("🤖 Spawning CLI agent...\n", 0)

	if a.printer != nil {
		a.println("📋 Session Settings\n", 0)
		yamlBytes, err := yaml.MarshalWithOptions(cfg.Settings, yaml.Indent(2))
		if err != nil {
			a.logger.Error("marshaling settings to yaml", err)
			return nil, err
		}
		if err := a.printer.Write(string(yamlBytes), 1); err != nil {
			a.logger.Error("printing settings", err)
		}
		a.println("", 0)
	}

	device, err := newDevice(logger, cfg.Backend)
	if err != nil {
		a.logger.Error("creating capture device", err)
		return nil, err
	}

	a.println("🔈 Opening speaker...", 0)
	speaker, err := playback.NewSpeaker(logger, config.DefaultPlaybackSampleRate)
	if err != nil {
		a.logger.Error("opening speaker", err)
		a.println("❌ Unable to open the audio output device.\n", 0)
		return nil, err
	}

	sc := voice.SessionConfig{
		Settings:        cfg.Settings,
		ServerURL:       cfg.ServerURL,
		Device:          device,
		Output:          speaker,
		CaptionRenderer: captions.RendererFunc(a.forwardCaption),
		OnStatus:        a.forwardStatus,
		OnState:         a.forwardState,
	}
	if cfg.GreetingsDir != "" {
		greeter, err := playback.NewGreeter(logger, cfg.GreetingsDir, speaker)
		if err != nil {
			_ = speaker.Close()
			return nil, err
		}
		sc.Greeter = greeter
	}
	if cfg.SiteURL != "" {
		if err := a.startTracker(ctx, logger, cfg); err != nil {
			// analytics never blocks the conversation
			a.logger.Error("starting tracker", err)
		} else {
			sc.Tracker = a.tracker
		}
	}

	session, err := voice.NewSession(ctx, logger, sc)
	if err != nil {
		a.logger.Error("creating session", err)
		_ = speaker.Close()
		a.stopTracker()
		return nil, err
	}
	a.session = session
	a.logger.Info("session created successfully")
	return session, nil
}

func newDevice(logger shared.LoggerAdapter, backend Backend) (capture.Device, error) {
	switch backend {
	case BackendMiniaudio:
		return miniaudio.NewDevice(logger)
	case BackendMediaDevices, "":
		return mediadev.NewDevice(logger)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", backend)
	}
}

func (a *CLIAgent) startTracker(ctx context.Context, logger shared.LoggerAdapter, cfg CLIConfig) error {
	sink, err := analytics.NewHTTPSink(logger, cfg.SiteURL, nil)
	if err != nil {
		return err
	}
	var opts []analytics.Option
	if cfg.SpoolPath != "" {
		a.spool, err = analytics.OpenSpool(cfg.SpoolPath)
		if err != nil {
			return err
		}
		opts = append(opts, analytics.WithSpool(a.spool))
	}
	a.tracker, err = analytics.NewTracker(logger, sink, opts...)
	if err != nil {
		a.stopTracker()
		return err
	}
	if err := a.tracker.Init(ctx); err != nil {
		a.tracker = nil
		a.stopTracker()
		return err
	}
	return nil
}

func (a *CLIAgent) stopTracker() {
	if a.tracker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.tracker.Shutdown(ctx); err != nil && !errors.Is(err, shared.ErrTrackerNotInitialized) {
			a.logger.Error("shutting down tracker", err)
		}
		cancel()
		a.tracker = nil
	}
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			a.logger.Error("closing spool", err)
		}
		a.spool = nil
	}
}

// Session returns the running session, or nil before Spawn.
func (a *CLIAgent) Session() *voice.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// Events delivers voice.Status, voice.SessionState and captions.Frame values
// in interactive mode. Values are dropped when nobody keeps up.
func (a *CLIAgent) Events() <-chan any {
	return a.events
}

// Done is closed once the agent has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	if a.done == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.logger.Info("closing CLI agent")
		if a.session != nil {
			a.closeErr = a.session.Dispose()
		}
		a.stopTracker()
		close(a.done)
	})
	return a.closeErr
}

// The forwarders run under the session lock and must never block.

func (a *CLIAgent) forwardStatus(s voice.Status) { a.forward(s) }

func (a *CLIAgent) forwardState(s voice.SessionState) { a.forward(s) }

func (a *CLIAgent) forwardCaption(f captions.Frame) { a.forward(f) }

func (a *CLIAgent) forward(ev any) {
	select {
	case a.events <- ev:
	default:
		a.logger.Debug("dropping UI event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (a *CLIAgent) printEvents() {
	var lastCaption captions.Frame
	for {
		select {
		case <-a.done:
			return
		case ev := <-a.events:
			switch ev := ev.(type) {
			case voice.Status:
				prefix := statusPrefix
				if ev.IsError {
					prefix = errorPrefix
				}
				if err := a.printer.Status(prefix, ev.Text); err != nil {
					a.logger.Error("printing status", err)
				}
			case voice.SessionState:
				a.logger.Debug("session state", zap.Stringer("state", ev))
			case captions.Frame:
				if !ev.Visible || ev.Exiting || ev.Text == "" {
					continue
				}
				if ev.Text == lastCaption.Text && ev.Index == lastCaption.Index {
					continue
				}
				lastCaption = ev
				a.println(captionPrefix+ev.Text, captionIndention)
			}
		}
	}
}

func (a *CLIAgent) println(s string, ind int) {
	if a.printer == nil {
		return
	}
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}
