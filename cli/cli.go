// Package cli is the pclink command-line surface. `pclink` with no
// subcommand starts the server. Exit codes: 0 success, 1 generic
// error, 2 another instance running, 3 invalid configuration.
package cli

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server"
	"github.com/BYTEDz/PCLink/server/auth"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/instance"
	"github.com/BYTEDz/PCLink/utils"
	"github.com/spf13/cobra"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitError   = 1
	ExitRunning = 2
	ExitConfig  = 3
)

var (
	flagStartup bool
	flagDataDir string
)

var rootCmd = &cobra.Command{
	Use:     `pclink`,
	Short:   `PCLink remote control server`,
	Version: modules.Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if len(flagDataDir) > 0 {
			config.SetDataDir(flagDataDir)
		}
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   `start`,
	Short: `Start the server (default command)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStart()
	},
}

var stopCmd = &cobra.Command{
	Use:   `stop`,
	Short: `Stop a running server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err = client.call(`POST`, `/server/shutdown`, nil, nil); err != nil {
			return err
		}
		fmt.Println(`server stopping`)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   `restart`,
	Short: `Restart the listener of a running server`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if err = client.call(`POST`, `/server/restart`, nil, nil); err != nil {
			return err
		}
		fmt.Println(`server restarting`)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   `status`,
	Short: `Show server status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var status map[string]any
		if err = client.call(`GET`, `/status`, nil, &status); err != nil {
			if instance.Held() {
				return fmt.Errorf(`server is running but not answering: %w`, err)
			}
			fmt.Println(`server is not running`)
			return nil
		}
		data, _ := utils.JSON.MarshalIndent(status, ``, `  `)
		fmt.Println(string(data))
		return nil
	},
}

var logsLines int

var logsCmd = &cobra.Command{
	Use:   `logs`,
	Short: `Print the server log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}
		path := filepath.Join(config.DataDir(), `logs`, `pclink.log`)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf(`no log at %s`, path)
		}
		lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if logsLines > 0 && len(lines) > logsLines {
			lines = lines[len(lines)-logsLines:]
		}
		fmt.Println(strings.Join(lines, "\n"))
		return nil
	},
}

var qrCmd = &cobra.Command{
	Use:   `qr`,
	Short: `Print the pairing payload`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Load(); err != nil {
			return err
		}
		key, err := os.ReadFile(filepath.Join(config.DataDir(), `api_key`))
		if err != nil {
			return fmt.Errorf(`server credentials not found; start the server once first`)
		}
		payload := modules.QRPayload{
			IP:              localIP(),
			Port:            config.Config.Port,
			Protocol:        `https`,
			APIKey:          strings.TrimSpace(string(key)),
			CertFingerprint: certFingerprint(),
		}
		data, _ := utils.JSON.MarshalIndent(&payload, ``, `  `)
		fmt.Println(string(data))
		return nil
	},
}

var setupPassword string

var setupCmd = &cobra.Command{
	Use:   `setup`,
	Short: `Set the operator password`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(setupPassword) == 0 {
			return errors.New(`--password is required`)
		}
		if err := config.Load(); err != nil {
			return &server.ConfigError{Err: err}
		}
		if err := auth.SetupPassword(setupPassword); err != nil {
			return err
		}
		fmt.Println(`operator password set`)
		return nil
	},
}

var (
	pairApprove string
	pairDeny    string
)

var pairCmd = &cobra.Command{
	Use:   `pair`,
	Short: `List or decide pending pairing requests`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(pairApprove) > 0 {
			var result map[string]any
			if err = client.call(`POST`, `/pairing/approve`, map[string]string{`pairing_id`: pairApprove}, &result); err != nil {
				return err
			}
			data, _ := utils.JSON.MarshalIndent(result, ``, `  `)
			fmt.Println(string(data))
			return nil
		}
		if len(pairDeny) > 0 {
			if err = client.call(`POST`, `/pairing/deny`, map[string]string{`pairing_id`: pairDeny}, nil); err != nil {
				return err
			}
			fmt.Println(`denied`)
			return nil
		}
		var pending struct {
			Pending []map[string]any `json:"pending"`
		}
		if err = client.call(`GET`, `/pairing/pending`, nil, &pending); err != nil {
			return err
		}
		if len(pending.Pending) == 0 {
			fmt.Println(`no pending pairing requests`)
			return nil
		}
		data, _ := utils.JSON.MarshalIndent(pending.Pending, ``, `  `)
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagStartup, `startup`, false, `run headless: no browser, file-only logs`)
	rootCmd.PersistentFlags().StringVar(&flagDataDir, `data-dir`, ``, `override the data directory`)
	logsCmd.Flags().IntVarP(&logsLines, `lines`, `n`, 100, `number of trailing lines`)
	setupCmd.Flags().StringVar(&setupPassword, `password`, ``, `operator password (min 8 characters)`)
	pairCmd.Flags().StringVar(&pairApprove, `approve`, ``, `approve the given pairing id`)
	pairCmd.Flags().StringVar(&pairDeny, `deny`, ``, `deny the given pairing id`)
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd, logsCmd, qrCmd, setupCmd, pairCmd)
}

func runStart() error {
	if flagStartup {
		common.SetFileOnly(true)
	}
	lock, err := instance.Acquire()
	if err != nil {
		return err
	}
	defer lock.Release()
	return server.Run()
}

// Execute runs the CLI and maps errors to exit codes.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, `error:`, err)
		var cfg *server.ConfigError
		switch {
		case errors.Is(err, instance.ErrAlreadyRunning):
			return ExitRunning
		case errors.As(err, &cfg):
			return ExitConfig
		default:
			return ExitError
		}
	}
	return ExitOK
}

// certFingerprint hashes the persisted certificate the same way the
// server reports it.
func certFingerprint() string {
	data, err := os.ReadFile(filepath.Join(config.DataDir(), `cert.pem`))
	if err != nil {
		return ``
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return ``
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return ``
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
