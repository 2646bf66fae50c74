package shortcut

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// EscapeConfig names the containers that block Escape handling and the
// buttons Escape activates.
type EscapeConfig struct {
	Modal  dom.Lookup `yaml:"modal"`
	Panel  dom.Lookup `yaml:"panel"`
	Stop   dom.Lookup `yaml:"stop"`
	Cancel dom.Lookup `yaml:"cancel"`
}

// EscapeHandler clicks the page's stop or cancel button on Escape unless a
// modal overlay or the navigation panel is open.
type EscapeHandler struct {
	doc    dom.Scope
	cfg    EscapeConfig
	logger zerolog.Logger
}

// NewEscapeHandler builds a handler. Blocking containers only count when
// they are rendered, so their lookups are forced to require visibility.
func NewEscapeHandler(doc dom.Scope, cfg EscapeConfig, logger zerolog.Logger) *EscapeHandler {
	cfg.Modal.Visible = true
	cfg.Panel.Visible = true
	return &EscapeHandler{doc: doc, cfg: cfg, logger: logger}
}

func (h *EscapeHandler) HandleEscape(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, blocker := range []named{{"modal", h.cfg.Modal}, {"panel", h.cfg.Panel}} {
		if blocker.l.IsZero() {
			continue
		}
		open, err := present(h.doc, blocker.l)
		if err != nil {
			return false, fmt.Errorf("%s check: %w", blocker.name, err)
		}
		if open {
			h.logger.Debug().Str("open", blocker.name).Msg("escape passes through")
			return false, nil
		}
	}

	for _, target := range []named{{"stop", h.cfg.Stop}, {"cancel", h.cfg.Cancel}} {
		if target.l.IsZero() {
			continue
		}
		el, err := target.l.Find(h.doc)
		if errors.Is(err, dom.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("%s lookup: %w", target.name, err)
		}
		if err := el.Click(); err != nil {
			return false, fmt.Errorf("click %s: %w", target.name, err)
		}
		h.logger.Info().Str("button", target.name).Msg("escape")
		return true, nil
	}
	return false, nil
}

type named struct {
	name string
	l    dom.Lookup
}

func present(scope dom.Scope, l dom.Lookup) (bool, error) {
	_, err := l.Find(scope)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, dom.ErrNotFound) {
		return false, nil
	}
	return false, err
}
