package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"golang.org/x/sync/errgroup"

	"shutterline/internal/api"
	"shutterline/internal/auth"
	"shutterline/internal/call"
	"shutterline/internal/chat"
	"shutterline/internal/commands"
	"shutterline/internal/config"
	"shutterline/internal/filestore"
	"shutterline/internal/http"
	"shutterline/internal/notify"
	"shutterline/internal/relay"
	"shutterline/internal/storage"
	"shutterline/internal/tone"
	"shutterline/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("shutterline", flag.ContinueOnError)
	relayMode := fs.Bool("relay", false, "Run the development relay server instead of the client")
	issueToken := fs.String("issue-token", "", "Print a signed relay token for the given user id")
	verbose := fs.Bool("v", false, "Log debug details")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*relayMode || *issueToken != "")
	if err != nil {
		return err
	}

	if *issueToken != "" {
		return commands.IssueToken(stdout, *issueToken, cfg)
	}
	if *relayMode {
		return runRelay(ctx, cfg)
	}
	return runClient(ctx, cfg, stdin, stdout)
}

func runRelay(ctx context.Context, cfg *config.Config) error {
	bbStorage, err := storage.NewBboltStorage(cfg.RelayDB)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}

	var opts []relay.ServerOption
	if cfg.RelaySecret != "" {
		tokens, err := auth.NewTokenService(auth.Config{Secret: cfg.RelaySecret, TokenExpiry: cfg.TokenExpiry})
		if err != nil {
			return err
		}
		opts = append(opts, relay.WithAuthenticator(tokens))
	}

	hub := relay.NewHub(relay.HubConfig{InquiryLimit: cfg.InquiryLimit})
	apiServer := http.NewAPIServer(relay.NewServer(hub, files, bbStorage, opts...), cfg.RelayAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down relay...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Relay shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

// silentSink drops samples when no audio output is available.
type silentSink struct{}

func (silentSink) Write([]int16) error { return nil }

func runClient(ctx context.Context, cfg *config.Config, stdin io.Reader, stdout io.Writer) error {
	cache, err := storage.NewBboltStorage(cfg.CacheDB)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	client, err := api.New(cfg.APIURL, cfg.Token, api.WithUploadCache(cache))
	if err != nil {
		return err
	}

	var sink tone.Sink = silentSink{}
	var remoteAudio call.PCMSink
	if speaker, err := tone.NewSpeaker(tone.DefaultSampleRate); err != nil {
		slog.Warn("audio output unavailable, tones and calls are muted", "error", err)
	} else {
		defer func() { _ = speaker.Close() }()
		sink = speaker
		remoteAudio = speaker
	}
	decoder, err := call.NewOpusDecoder(tone.DefaultSampleRate)
	if err != nil {
		slog.Warn("remote call audio is muted", "error", err)
	}
	ringer := &tone.LoopPlayer{Sink: sink, SampleRate: tone.DefaultSampleRate}
	chime := &tone.LoopPlayer{Sink: sink, SampleRate: tone.DefaultSampleRate}
	defer ringer.Stop()
	defer chime.Stop()

	visibility := &notify.Visibility{}
	notifier := notify.Multi{&notify.Sound{Player: chime}}
	if cfg.PushEnabled() {
		push, err := notify.NewPush(cfg.PushSubscription, webpush.Options{
			Subscriber:      cfg.PushSubject,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		}, visibility)
		if err != nil {
			return err
		}
		notifier = append(notifier, push)
	}

	channel, err := chat.New(chat.Config{
		URL:            cfg.ChatEndpoint(),
		Token:          cfg.Token,
		UserID:         cfg.UserID,
		Backoff:        cfg.Backoff,
		TypingTimeout:  cfg.TypingTimeout,
		PendingTimeout: cfg.PendingTimeout,
		PresenceTTL:    cfg.PresenceTTL,
		Store:          cache,
		Notifier:       notifier,
	})
	if err != nil {
		return err
	}
	defer func() { _ = channel.Close() }()

	// The controller is assigned before the signaling socket is opened, so
	// the callbacks never see it nil.
	var controller *call.Controller
	signaling, err := transport.New(transport.Config{
		Name:      "calls",
		URL:       cfg.CallURL,
		Token:     cfg.Token,
		Backoff:   cfg.Backoff,
		OnMessage: func(data []byte) { controller.HandleSignal(data) },
		OnStatus:  func(s transport.Status) { controller.HandleTransportStatus(s) },
	})
	if err != nil {
		return err
	}
	defer func() { _ = signaling.Close() }()

	peerCfg := call.DefaultPeerConfig
	peerCfg.ICEServers = cfg.ICEServers
	controller, err = call.NewController(call.Config{
		UserID:      cfg.UserID,
		Signaler:    signaling,
		Media:       call.NewDeviceMedia(cfg.AudioProcessing),
		NewPeer:     call.NewPionPeerFactory(peerCfg),
		Constraints: call.CallAudio(cfg.AudioDevice),
		Logger:      client,
		Ringer:      ringer,
		Playback:    call.NewPlayback(remoteAudio, decoder),
	})
	if err != nil {
		return fmt.Errorf("failed to create call controller: %w", err)
	}
	defer controller.Close()

	console := commands.New(commands.Config{
		UserID:     cfg.UserID,
		Chat:       channel,
		Calls:      controller,
		Backend:    client,
		Visibility: visibility,
		Reconnect: func(ctx context.Context) {
			channel.Reconnect(ctx)
			if err := signaling.Reconnect(ctx); err != nil {
				slog.Warn("call signaling reconnect failed", "error", err)
			}
		},
		Out: stdout,
	})
	printer := commands.NewPrinter(console, channel)

	chatEvents, stopChat := channel.Subscribe()
	defer stopChat()
	callEvents, stopCalls := controller.Subscribe()
	defer stopCalls()

	channel.Open(ctx)
	if err := signaling.Open(ctx); err != nil {
		slog.Warn("call signaling unavailable, retrying", "error", err)
	}

	_, _ = fmt.Fprintf(stdout, "Signed in as %s. Type /help for commands.\n", cfg.UserID)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		printer.Watch(gCtx, chatEvents, callEvents)
		return nil
	})
	g.Go(func() error {
		if err := console.Run(gCtx, stdin); err != nil {
			return err
		}
		// Stop the printer once the console is done.
		return errQuit
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

var errQuit = errors.New("console closed")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
