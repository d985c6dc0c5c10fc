package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"interactive_story_generator/client"
	"interactive_story_generator/config"
	"interactive_story_generator/logging"
	"interactive_story_generator/server"
	"interactive_story_generator/story"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storyteller",
		Short:         "Turn-based story generator with illustrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newPlayCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		mode       string
		mock       bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the story HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ServerAddr = addr
			}
			if mode != "" {
				cfg.Mode = mode
			}
			if mock {
				cfg.LLM.Provider = "mock"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config.json or config.yaml")
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides config server_addr)")
	cmd.Flags().StringVar(&mode, "mode", "", "default delivery mode: stream or atomic")
	cmd.Flags().BoolVar(&mock, "mock", false, "use the local mock generator instead of a real provider")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	gw, err := buildLLM(cfg)
	if err != nil {
		return err
	}
	factory := func(sessionID string) (*story.Controller, error) {
		return story.NewController(gw, story.Options{
			SystemPrompt:      cfg.SystemPrompt,
			ImagePromptPrefix: cfg.ImagePromptPrefix,
			Logger:            log.Logger.With().Str("session", sessionID).Logger(),
		})
	}
	srv, err := server.New(factory, cfg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ServerAddr).Str("mode", cfg.Mode).Str("provider", cfg.LLM.Provider).Msg("starting story server")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		return srv.RunSweeper(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down")
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func buildLLM(cfg config.Config) (story.Gateway, error) {
	if cfg.LLM == nil || cfg.LLM.Provider == "" {
		return nil, fmt.Errorf("llm config missing; please set llm.provider in config")
	}
	settings := &story.LLMSettings{
		Provider:   cfg.LLM.Provider,
		Model:      cfg.LLM.Model,
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		ImageModel: cfg.LLM.ImageModel,
		ImageSize:  cfg.LLM.ImageSize,
		MaxTokens:  cfg.LLM.MaxTokens,
		Stop:       cfg.LLM.Stop,
	}
	switch cfg.LLM.Provider {
	case "openai":
		return story.NewOpenAILLMFromConfig(settings)
	case "deepseek":
		// DeepSeek exposes an OpenAI-compatible API but has no image endpoint of its own.
		if cfg.LLM.BaseURL == "" {
			return nil, fmt.Errorf("llm provider deepseek requires base_url (OpenAI-compatible endpoint)")
		}
		return story.NewOpenAILLMFromConfig(settings)
	case "mock":
		return story.MockLLM{}, nil
	default:
		return nil, fmt.Errorf("llm provider %s not supported", cfg.LLM.Provider)
	}
}

func newPlayCmd() *cobra.Command {
	var (
		baseURL string
		level   string
	)
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Tell a story interactively against a running server",
		Long: "Type a prompt to continue the story. Commands: /undo, /regen, /new, " +
			"/tone <t>, /genre <g>, /theme <t>, /quit.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := logging.Setup(level, "console", os.Stderr)
			sess, err := client.New(baseURL, nil, logger)
			if err != nil {
				return err
			}
			return play(cmd.Context(), sess, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:5000", "story server base URL")
	cmd.Flags().StringVar(&level, "log-level", "warn", "log level")
	return cmd
}

func play(ctx context.Context, sess *client.Session, in io.Reader, out io.Writer) error {
	var facets story.PromptRequest
	printer := &storyPrinter{out: out}
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "":
		case "/quit":
			return nil
		case "/tone":
			facets.Tone = arg
		case "/genre":
			facets.Genre = arg
		case "/theme":
			facets.Theme = arg
		case "/undo":
			var v client.View
			if v, err = sess.Undo(ctx); err == nil {
				printer.show(v)
			}
		case "/regen":
			printer.reset()
			var v client.View
			if v, err = sess.Regenerate(ctx, printer.update); err == nil {
				printer.finish(v)
			}
		case "/new":
			if err = sess.Reset(ctx); err == nil {
				facets = story.PromptRequest{}
				fmt.Fprintln(out, "(new story)")
			}
		default:
			req := facets
			req.Prompt = line
			printer.reset()
			var v client.View
			v, err = sess.Continue(ctx, req, printer.update)
			if err == nil {
				printer.finish(v)
			}
		}
		if err != nil {
			if client.IsImageRejected(err) {
				fmt.Fprintln(out, "\n! the illustration was refused by the content policy; the text above was kept")
			} else {
				fmt.Fprintf(out, "\n! %v\n", err)
			}
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// storyPrinter writes only the part of the story not yet shown.
type storyPrinter struct {
	out     io.Writer
	printed int
}

func (p *storyPrinter) reset() { p.printed = 0 }

func (p *storyPrinter) update(v client.View) {
	if len(v.Story) > p.printed {
		fmt.Fprint(p.out, v.Story[p.printed:])
		p.printed = len(v.Story)
	}
}

func (p *storyPrinter) finish(v client.View) {
	p.update(v)
	if v.Image != "" {
		fmt.Fprintf(p.out, "\n[image] %s\n", v.Image)
	}
}

func (p *storyPrinter) show(v client.View) {
	fmt.Fprintf(p.out, "%s\n", v.Story)
	if v.Image != "" {
		fmt.Fprintf(p.out, "[image] %s\n", v.Image)
	}
}
