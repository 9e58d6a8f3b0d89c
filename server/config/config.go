package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/BYTEDz/PCLink/utils"
)

// config is the durable host configuration persisted as config.json in
// the data directory. The server itself mutates and rewrites this file
// (toggles, password hash), so every change goes through Save.
type config struct {
	Port           int             `json:"port"`
	SetupCompleted bool            `json:"setup_completed"`
	PasswordHash   string          `json:"password_hash"`
	Toggles        map[string]bool `json:"toggles"`
	AllowedRoots   []string        `json:"allowed_roots"`
	StaleAfterDays int             `json:"stale_after_days"`
	Log            *log            `json:"log"`
}

type log struct {
	Level string `json:"level"`
	Days  uint   `json:"days"`
}

// Service toggle keys. Each gates one capability group in the router.
const (
	ToggleTerminal    = `terminal`
	ToggleFileBrowser = `file_browser`
	ToggleInput       = `input`
	ToggleMedia       = `media`
	ToggleClipboard   = `clipboard`
	ToggleScreen      = `screen`
	TogglePower       = `power`
	ToggleExtensions  = `extensions`
)

const DefaultPort = 38080

var (
	Config  config
	dataDir string
	mu      sync.Mutex
)

// defaultToggles is conservative: terminal and extensions start off.
func defaultToggles() map[string]bool {
	return map[string]bool{
		ToggleTerminal:    false,
		ToggleFileBrowser: true,
		ToggleInput:       true,
		ToggleMedia:       true,
		ToggleClipboard:   true,
		ToggleScreen:      true,
		TogglePower:       true,
		ToggleExtensions:  false,
	}
}

// DefaultAllowedRoots is the initial file-access allow-list: the
// user's Documents and Downloads directories when they exist, the home
// directory otherwise.
func DefaultAllowedRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var roots []string
	for _, name := range []string{`Documents`, `Downloads`} {
		dir := filepath.Join(home, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			roots = append(roots, dir)
		}
	}
	if len(roots) == 0 {
		return []string{home}
	}
	return roots
}

// DataDir returns the per-user data directory. PCLINK_DATA_DIR
// overrides the platform default.
func DataDir() string {
	if dataDir != `` {
		return dataDir
	}
	if dir := os.Getenv(`PCLINK_DATA_DIR`); dir != `` {
		dataDir = dir
	} else {
		base, err := os.UserConfigDir()
		if err != nil {
			base = `.`
		}
		dataDir = filepath.Join(base, `pclink`)
	}
	os.MkdirAll(dataDir, 0o700)
	return dataDir
}

// SetDataDir overrides the data directory, for tests and the --data-dir flag.
func SetDataDir(dir string) {
	dataDir = dir
	if dir != `` {
		os.MkdirAll(dir, 0o700)
	}
}

// ExtensionsPath returns the optional extension bundle directory. The
// core only reports it; it never loads anything from it.
func ExtensionsPath() string {
	return os.Getenv(`PCLINK_EXTENSIONS_PATH`)
}

func configPath() string {
	return filepath.Join(DataDir(), `config.json`)
}

// Load reads config.json, filling defaults for anything missing. A
// missing file is not an error; a corrupt one is.
func Load() error {
	mu.Lock()
	defer mu.Unlock()
	Config = config{
		Port:           DefaultPort,
		Toggles:        defaultToggles(),
		StaleAfterDays: 7,
		Log:            &log{Level: `info`, Days: 7},
	}
	data, err := os.ReadFile(configPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err = utils.JSON.Unmarshal(data, &Config); err != nil {
		return err
	}
	if Config.Port == 0 {
		Config.Port = DefaultPort
	}
	if Config.StaleAfterDays <= 0 {
		Config.StaleAfterDays = 7
	}
	if Config.Log == nil {
		Config.Log = &log{Level: `info`, Days: 7}
	}
	if Config.Toggles == nil {
		Config.Toggles = defaultToggles()
	} else {
		for key, val := range defaultToggles() {
			if _, ok := Config.Toggles[key]; !ok {
				Config.Toggles[key] = val
			}
		}
	}
	return nil
}

// Save rewrites config.json via a temporary file and rename so a crash
// never leaves a half-written config behind.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	data, err := utils.JSON.MarshalIndent(&Config, ``, `  `)
	if err != nil {
		return err
	}
	tmp := configPath() + `.tmp`
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, configPath())
}

// ToggleEnabled reports whether the named service toggle is on.
// Unknown toggles are off.
func ToggleEnabled(name string) bool {
	mu.Lock()
	defer mu.Unlock()
	return Config.Toggles[name]
}

// SetToggle flips a service toggle and persists the change.
func SetToggle(name string, enabled bool) error {
	mu.Lock()
	Config.Toggles[name] = enabled
	mu.Unlock()
	return Save()
}
