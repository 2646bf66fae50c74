package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/tm-enhancer/internal/browser"
	"github.com/polzovatel/tm-enhancer/internal/config"
	"github.com/polzovatel/tm-enhancer/internal/enhancer"
	"github.com/polzovatel/tm-enhancer/internal/shortcut"
)

const (
	envURL     = "TM_URL"
	defaultURL = "https://www.typingmind.com/"
)

type runOptions struct {
	url       string
	storage   string
	saveState string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Open the app in Chromium and keep it enhanced until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnhancer(cmd, root, opts)
		},
	}
	url := os.Getenv(envURL)
	if url == "" {
		url = defaultURL
	}
	cmd.Flags().StringVar(&opts.url, "url", url, "page to open")
	cmd.Flags().StringVar(&opts.storage, "storage", "", "path to Playwright storage state")
	cmd.Flags().StringVar(&opts.saveState, "save-state", "", "path to save updated storage state on exit")
	return cmd
}

func runEnhancer(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	ctx := cmd.Context()
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	launcher, err := browser.NewLauncher(ctx)
	if err != nil {
		return fmt.Errorf("browser init: %w", err)
	}
	defer launcher.Close()

	ctrl, err := launcher.NewController(ctx, strings.TrimSpace(opts.storage))
	if err != nil {
		return fmt.Errorf("browser controller: %w", err)
	}
	defer ctrl.Close(ctx)

	if err := ctrl.Navigate(ctx, opts.url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := ctrl.WaitForStableDOM(ctx, 0); err != nil {
		log.Warn().Err(err).Msg("page did not settle")
	}

	doc := browser.NewDocument(ctrl.Page())
	// keys can arrive before the enhancer exists
	var live atomic.Pointer[enhancer.Enhancer]
	bridge, err := browser.Install(ctrl.Page(), doc, browser.BridgeOptions{
		Attributes: cfg.Filter.Attributes,
		Logger:     log.With().Str("comp", "bridge").Logger(),
		OnKey: func(ev shortcut.KeyEvent) bool {
			if e := live.Load(); e != nil {
				return e.HandleKey(ev)
			}
			return false
		},
	})
	if err != nil {
		return fmt.Errorf("install bridge: %w", err)
	}

	hostPlatform, err := bridge.Platform()
	if err != nil {
		log.Warn().Err(err).Msg("platform detection failed")
	}
	enh, err := enhancer.New(enhancer.Deps{
		Doc:      doc,
		Config:   cfg,
		Logger:   log.With().Str("comp", "enhancer").Logger(),
		Platform: platformHint(root, hostPlatform),
	})
	if err != nil {
		return err
	}
	if err := bridge.SetBindings(enh.Bindings(), enh.Platform()); err != nil {
		return fmt.Errorf("push bindings: %w", err)
	}
	if err := bridge.SetEscape(enh.Config().Escape); err != nil {
		return fmt.Errorf("push escape lookups: %w", err)
	}
	live.Store(enh)
	if err := enh.Init(ctx); err != nil {
		return err
	}

	if path := strings.TrimSpace(root.configPath); path != "" {
		reloader := config.NewReloader(path, nil, log.With().Str("comp", "config").Logger())
		err := reloader.Watch(ctx, func(next *config.Config) error {
			if p := strings.TrimSpace(root.platform); p != "" {
				next.Platform = p
			}
			if err := enh.Reload(next); err != nil {
				return err
			}
			if err := bridge.SetBindings(enh.Bindings(), enh.Platform()); err != nil {
				return err
			}
			return bridge.SetEscape(next.Escape)
		})
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config hot reload disabled")
		}
	}

	log.Info().Str("url", opts.url).Str("platform", enh.Platform().String()).Int("bindings", len(enh.Bindings())).Msg("enhancer running")
	log.Debug().Msg("initial state\n" + enh.Snapshot(opts.url).String())

	<-ctx.Done()
	<-enh.Done()
	enh.Wait()
	log.Info().Strs("pending", enh.Snapshot(opts.url).Pending()).Msg("enhancer stopped")

	if opts.saveState != "" {
		// ctx is already cancelled here
		saveCtx := context.WithoutCancel(ctx)
		if err := ctrl.SaveState(saveCtx, opts.saveState); err != nil {
			log.Error().Err(err).Msg("save state")
		} else {
			log.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
	return nil
}

// platformHint prefers an explicit --platform over what the page reports.
func platformHint(root *rootOptions, host string) string {
	if p := strings.TrimSpace(root.platform); p != "" {
		return p
	}
	return host
}
