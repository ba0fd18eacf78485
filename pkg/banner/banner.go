package banner

import (
	"fmt"

	"ceqpd/pkg/config"
)

const banner = `
 ██████╗███████╗ ██████╗ ██████╗ ██████╗
██╔════╝██╔════╝██╔═══██╗██╔══██╗██╔══██╗
██║     █████╗  ██║   ██║██████╔╝██║  ██║
██║     ██╔══╝  ██║▄▄ ██║██╔═══╝ ██║  ██║
╚██████╗███████╗╚██████╔╝██║     ██████╔╝
 ╚═════╝╚══════╝ ╚══▀▀═╝ ╚═╝     ╚═════╝
`

// Print writes the startup banner and a summary of the effective config.
func Print(cfg *config.Config, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:    %s\n", cfg.Addr())
	fmt.Printf("Provider:  %s\n", providerLabel(cfg))
	if cfg.Ops.Enabled && cfg.Ops.Address != "" {
		fmt.Printf("Ops HTTP:  %s\n", cfg.Ops.Address)
	}
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	if config.DiagnosticMode() {
		fmt.Println("Diagnostic mode: ON (step traces, extra response tags)")
	}
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("ceqpctl -addr localhost:%d ping\n", port(cfg))
	fmt.Printf("ceqpctl -addr localhost:%d read 0x400000 16\n", port(cfg))
	fmt.Printf("ceqpctl -addr localhost:%d -len 4 chain 'client.dll+0x10' 0x18 0x8\n", port(cfg))
}

func providerLabel(cfg *config.Config) string {
	switch cfg.Provider.Mode {
	case "pid":
		return fmt.Sprintf("pid:%d", cfg.Provider.PID)
	case "", "map":
		return "map (in-process demo memory)"
	default:
		return cfg.Provider.Mode
	}
}

func port(cfg *config.Config) int {
	if cfg.Server.Port != 0 {
		return cfg.Server.Port
	}
	return config.DefaultPort
}
