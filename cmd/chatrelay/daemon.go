package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const launchdLabel = "com.chatrelay.gateway"

// serviceFile is a rendered service definition plus the commands the
// operator runs next. install writes it, uninstall removes it.
type serviceFile struct {
	path     string
	contents string
	next     []string
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Register the gateway with the OS service manager",
		Long:  "Writes a launchd agent (macOS) or a systemd user unit (Linux) that starts the gateway at login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			svc, err := serviceForHost(execPath, resolveConfigPath())
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(svc.path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(svc.path, []byte(svc.contents), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", svc.path)
			for _, line := range svc.next {
				fmt.Println("  " + line)
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the gateway service definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := serviceForHost("", "")
			if err != nil {
				return err
			}
			if err := os.Remove(svc.path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Printf("Removed %s\n", svc.path)
			return nil
		},
	}
}

// serviceForHost renders the service definition for the current OS. The
// exec and config paths may be empty when only the file path is needed.
func serviceForHost(execPath, cfgPath string) (serviceFile, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return serviceFile{}, err
	}
	switch runtime.GOOS {
	case "darwin":
		return launchdService(home, execPath, cfgPath)
	case "linux":
		return systemdService(home, execPath, cfgPath)
	default:
		return serviceFile{}, fmt.Errorf("no service manager support for %s", runtime.GOOS)
	}
}

func launchdService(home, execPath, cfgPath string) (serviceFile, error) {
	logDir := filepath.Join(home, ".chatrelay", "logs")
	os.MkdirAll(logDir, 0o755)

	contents, err := renderService(launchdPlist, map[string]string{
		"Label":  launchdLabel,
		"Exec":   execPath,
		"Config": cfgPath,
		"Log":    filepath.Join(logDir, "gateway.log"),
		"ErrLog": filepath.Join(logDir, "gateway.err.log"),
	})
	if err != nil {
		return serviceFile{}, err
	}
	path := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	return serviceFile{
		path:     path,
		contents: contents,
		next: []string{
			"launchctl load " + path,
			"launchctl unload " + path + "  (to stop)",
		},
	}, nil
}

func systemdService(home, execPath, cfgPath string) (serviceFile, error) {
	contents, err := renderService(systemdUnit, map[string]string{
		"Exec":   execPath,
		"Config": cfgPath,
	})
	if err != nil {
		return serviceFile{}, err
	}
	return serviceFile{
		path:     filepath.Join(home, ".config", "systemd", "user", "chatrelay.service"),
		contents: contents,
		next: []string{
			"systemctl --user daemon-reload",
			"systemctl --user enable --now chatrelay",
		},
	}, nil
}

func renderService(tmpl string, data map[string]string) (string, error) {
	t, err := template.New("service").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	if err := t.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}

const launchdPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>gateway</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.Log}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`

const systemdUnit = `[Unit]
Description=chatrelay channel gateway
After=network-online.target
Wants=network-online.target

[Service]
ExecStart={{.Exec}} gateway --config {{.Config}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`
