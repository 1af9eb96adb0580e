// Package wizard provides an interactive setup wizard for quicmux.
package wizard

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/quicmux/internal/config"
)

// ErrNotTerminal is returned when the wizard runs without an interactive
// terminal on stdin.
var ErrNotTerminal = errors.New("setup wizard requires an interactive terminal")

// Answers holds everything the wizard asks for.
type Answers struct {
	ConfigPath      string
	Address         string
	ValidateAddress bool
	PersistSecret   bool
	LogLevel        string
	LogFormat       string
	MetricsEnabled  bool
	MetricsAddress  string
}

// DefaultAnswers returns the values the forms start from.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		ConfigPath:      "./quicmux.yaml",
		Address:         def.Socket.Address,
		ValidateAddress: def.Socket.ValidateAddress,
		LogLevel:        def.Log.Level,
		LogFormat:       def.Log.Format,
		MetricsAddress:  def.Metrics.Address,
	}
}

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, ErrNotTerminal
	}

	w.printBanner()

	a := DefaultAnswers()
	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askSocket(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}
	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
              _
   __ _ _   _(_) ___ _ __ ___  _   ___  __
  / _' | | | | |/ __| '_ ' _ \| | | \ \/ /
 | (_| | |_| | | (__| | | | | | |_| |>  <
  \__, |\__,_|_|\___|_| |_| |_|\__,_/_/\_\
     |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  QUIC connection ID demultiplexer - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where should the configuration be written?"),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./quicmux.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askSocket(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("UDP Socket").
				Description("The address QUIC clients send Initial packets to."),

			huh.NewInput().
				Title("Listen Address").
				Description("IP:port, e.g. 0.0.0.0:4433 or [::]:4433").
				Value(&a.Address).
				Validate(validateAddrPort),

			huh.NewConfirm().
				Title("Validate client addresses with Retry?").
				Description("Answers tokenless Initials with a Retry packet before creating a session").
				Value(&a.ValidateAddress),

			huh.NewConfirm().
				Title("Write a persistent token secret?").
				Description("Tokens survive restarts only with a fixed secret").
				Value(&a.PersistSecret),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.LogFormat),

			huh.NewConfirm().
				Title("Enable metrics endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /metrics)").
				Value(&a.MetricsEnabled),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Metrics Address").
				Value(&a.MetricsAddress).
				Validate(func(s string) error {
					if _, _, err := net.SplitHostPort(s); err != nil {
						return fmt.Errorf("invalid address: %w", err)
					}
					return nil
				}),
		).WithHideFunc(func() bool { return !a.MetricsEnabled }),
	).WithTheme(w.theme)

	return form.Run()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	ext := strings.ToLower(filepath.Ext(s))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddrPort(s string) error {
	if _, err := netip.ParseAddrPort(s); err != nil {
		return fmt.Errorf("invalid address: %w", err)
	}
	return nil
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Socket.Address = a.Address
	cfg.Socket.ValidateAddress = a.ValidateAddress
	if a.PersistSecret {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate token secret: %w", err)
		}
		cfg.Socket.TokenSecret = hex.EncodeToString(secret)
	}

	cfg.Log.Level = a.LogLevel
	cfg.Log.Format = a.LogFormat

	cfg.Metrics.Enabled = a.MetricsEnabled
	if a.MetricsAddress != "" {
		cfg.Metrics.Address = a.MetricsAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories. Files
// holding a token secret are written owner-readable only.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# quicmux configuration
# Generated by setup wizard

`
	perm := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		perm = 0600
	}
	if err := os.WriteFile(path, []byte(header+string(data)), perm); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Socket:       udp://%s\n", cfg.Socket.Address)
	fmt.Printf("  Validation:   %v\n", cfg.Socket.ValidateAddress)

	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}

	fmt.Println()
	fmt.Println("  To start quicmux:")
	fmt.Printf("    quicmux run -c %s\n", configPath)
	fmt.Println()
}
