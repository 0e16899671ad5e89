package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"chatrelay/internal/config"
)

// Info describes a configured provider to API clients.
type Info struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	DefaultModel string `json:"default_model"`
}

// Set holds the configured providers by name. It is built once at startup and read-only afterwards.
type Set struct {
	providers map[string]Provider
	info      map[string]Info
}

// NewSet builds every configured provider. Kinds: openai, claude, gemini, ollama.
func NewSet(ctx context.Context, cfgs map[string]config.ProviderConfig, logger *zap.Logger) (*Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Set{providers: make(map[string]Provider, len(cfgs)), info: make(map[string]Info, len(cfgs))}
	for name, cfg := range cfgs {
		kind := strings.ToLower(cfg.Kind)
		if kind == "" {
			kind = strings.ToLower(name)
		}
		cfg.Kind = kind

		var (
			p   Provider
			err error
		)
		switch kind {
		case "openai", "claude", "gemini":
			p, err = newEinoProvider(ctx, cfg, logger.With(zap.String("provider", name)))
		case "ollama", "openai_compat":
			p = newCompatProvider(cfg)
		default:
			err = fmt.Errorf("invalid provider kind: %s", kind)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		s.Register(name, kind, cfg.Model, p)
		logger.Info("provider ready", zap.String("provider", name), zap.String("kind", kind), zap.String("model", cfg.Model))
	}
	return s, nil
}

// NewStaticSet wraps already constructed providers. Their kind is reported as "static".
func NewStaticSet(providers map[string]Provider) *Set {
	s := &Set{providers: make(map[string]Provider, len(providers)), info: make(map[string]Info)}
	for name, p := range providers {
		s.Register(name, "static", "", p)
	}
	return s
}

// Register adds or replaces a provider. Not safe for use once the Set is shared.
func (s *Set) Register(name, kind, defaultModel string, p Provider) {
	s.providers[name] = p
	s.info[name] = Info{Name: name, Kind: kind, DefaultModel: defaultModel}
}

func (s *Set) Get(name string) (Provider, error) {
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// DefaultModel returns the configured model of the named provider.
func (s *Set) DefaultModel(name string) string {
	return s.info[name].DefaultModel
}

// List describes every provider, sorted by name.
func (s *Set) List() []Info {
	out := make([]Info, 0, len(s.info))
	for _, name := range s.Names() {
		out = append(out, s.info[name])
	}
	return out
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
