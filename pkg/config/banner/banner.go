package banner

import (
	"fmt"

	"pulsespace/pkg/config"
)

const banner = `
 ___      _          ___
| _ \_  _| |___ ___ / __|_ __  __ _ __ ___
|  _/ || | (_-</ -_)\__ \ '_ \/ _' / _/ -_)
|_|  \_,_|_/__/\___||___/ .__/\__,_\__\___|
                        |_|
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, dbpath, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("REST:      %s\n", addr)
	if eff.Config != nil {
		fmt.Printf("Realtime:  %s%s\n", eff.Config.RealtimeAddr(), eff.Config.Realtime.Path)
		fmt.Printf("Time zone: %s\n", eff.Config.Time.Zone)
	}
	fmt.Printf("DB Path:   %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:   %s\n", version)
	}
	fmt.Printf("Config:    %s\n", src)

	fmt.Println("\n== Production? =================================================")
	ak := 0
	if eff.Config != nil {
		ak = len(eff.Config.Security.APIKeys.Admin)
	}
	if ak > 0 {
		fmt.Printf("- Admin API keys: OK (%d)\n", ak)
	} else {
		fmt.Println("- Admin API keys: MISSING (admin endpoints disabled)")
	}
	if eff.Config != nil && eff.Config.Server.TLS.CertFile != "" {
		fmt.Println("- TLS: enabled")
	} else {
		fmt.Println("- TLS: disabled (terminate TLS in front of the service)")
	}
	if eff.Config != nil && eff.Config.Maintenance.Enabled {
		fmt.Printf("- Maintenance: enabled (cron=%s)\n", eff.Config.Maintenance.Cron)
	} else {
		fmt.Println("- Maintenance: disabled")
	}
	fmt.Println()
}
