// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/copaywallet/copayd/chain"
	"github.com/copaywallet/copayd/internal/cfgutil"
	"github.com/copaywallet/copayd/internal/prompt"
	"github.com/copaywallet/copayd/keyring"
	"github.com/copaywallet/copayd/netparams"
	"github.com/copaywallet/copayd/relay"
	"github.com/copaywallet/copayd/wallet"
	"github.com/copaywallet/copayd/walletstore"
)

const (
	defaultConfigFilename   = "copayd.conf"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "copayd.log"
	defaultRequiredCopayers = 3
	defaultTotalCopayers    = 5
	defaultNickname         = "copayer"
	defaultRelayURL         = "ws://127.0.0.1:8125/relay"
	defaultRelayPort        = "8125"
	defaultJoinTimeout      = 2 * time.Minute
	defaultRefreshInterval  = 10 * time.Minute
	defaultCacheSize        = 16
)

var (
	defaultAppDataDir = btcutil.AppDataDir("copayd", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile    *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion   bool                    `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir    *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for wallet config, databases and logs"`
	TestNet3      bool                    `long:"testnet" description:"Use the test Bitcoin network (version 3) (default mainnet)"`
	RegTest       bool                    `long:"regtest" description:"Use the regression test network"`
	SigNet        bool                    `long:"signet" description:"Use the default signet network"`
	NoInitialLoad bool                    `long:"noinitialload" description:"Only run the relay server; do not open a wallet"`
	DebugLevel    string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir        string                  `long:"logdir" description:"Directory to log output."`

	// Wallet options
	Create           bool                `long:"create" description:"Create a new multisig wallet and print its join secret"`
	Join             string              `long:"join" description:"Join the wallet of the given secret"`
	WalletID         string              `long:"wallet" description:"Id of the stored wallet to open (default: the only stored wallet)"`
	Nickname         string              `long:"nickname" description:"Nickname shown to the other copayers"`
	RequiredCopayers int                 `short:"m" long:"required" description:"Signatures required to spend from a new wallet"`
	TotalCopayers    int                 `short:"n" long:"total" description:"Number of copayers of a new wallet"`
	SpendUnconfirmed bool                `long:"spendunconfirmed" description:"Count unconfirmed outputs as spendable"`
	FeeRate          *cfgutil.AmountFlag `long:"feerate" description:"Fee rate per kilobyte of new proposals in BTC"`
	ScanWindow       int                 `long:"scanwindow" description:"Addresses checked per round of index discovery"`
	JoinTimeout      time.Duration       `long:"jointimeout" description:"How long to wait for the wallet creator when joining"`
	RefreshInterval  time.Duration       `long:"refreshinterval" description:"Interval between address discovery and balance refreshes"`

	// Storage options
	DBBackend      string        `long:"dbbackend" description:"Wallet storage backend {bdb, sqlite, postgres}"`
	DBDSN          string        `long:"dbdsn" default-mask:"-" description:"SQL connection string (default sqlite file in the data directory)"`
	DBTimeout      time.Duration `long:"dbtimeout" description:"Timeout for obtaining the bdb file lock"`
	DBCacheSize    int           `long:"dbcachesize" description:"Wallet records kept in memory, 0 disables the cache"`
	EncryptStorage bool          `long:"encryptstorage" description:"Encrypt stored wallets with a passphrase"`
	StoragePass    string        `long:"storagepass" default-mask:"-" description:"Storage passphrase (prompted when unset)"`

	// Relay options
	RelayURL       string        `long:"relay" description:"Websocket URL of the copayer relay"`
	RelayListen    string        `long:"relaylisten" description:"Also serve a relay on this interface/port"`
	ReconnectDelay time.Duration `long:"reconnectdelay" description:"Delay between relay reconnection attempts"`
	Proxy          string        `long:"proxy" description:"Connect via SOCKS5 proxy (eg. 127.0.0.1:9050)"`
	ProxyUser      string        `long:"proxyuser" description:"Username for proxy server"`
	ProxyPass      string        `long:"proxypass" default-mask:"-" description:"Password for proxy server"`

	// Block explorer options
	EsploraURL        *cfgutil.ExplicitString `long:"esplora" description:"Esplora API base URL (default depends on the network)"`
	RequestTimeout    time.Duration           `long:"requesttimeout" description:"Timeout of a single explorer request"`
	MaxRetries        int                     `long:"maxretries" description:"Retries of a failed explorer request"`
	RequestsPerSecond int                     `long:"requestspersecond" description:"Explorer request rate limit, 0 for unlimited"`
	MaxConcurrent     int                     `long:"maxconcurrent" description:"Concurrent explorer requests"`

	// activeNet is derived from the network flags.
	activeNet *netparams.Params
}

// netDir returns the per-network data directory.
func (c *config) netDir() string {
	return filepath.Join(c.AppDataDir.Value, c.activeNet.Params.Name)
}

// storageConfig returns the walletstore settings of the configuration.
func (c *config) storageConfig() *walletstore.Config {
	return &walletstore.Config{
		Backend:   c.DBBackend,
		DataDir:   c.netDir(),
		DSN:       c.DBDSN,
		DBTimeout: c.DBTimeout,
		CacheSize: c.DBCacheSize,
	}
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// defaultConfig returns the configuration before any file or command line
// option is applied.
func defaultConfig() config {
	return config{
		DebugLevel:       defaultLogLevel,
		ConfigFile:       cfgutil.NewExplicitString(defaultConfigFile),
		AppDataDir:       cfgutil.NewExplicitString(defaultAppDataDir),
		LogDir:           defaultLogDir,
		Nickname:         defaultNickname,
		RequiredCopayers: defaultRequiredCopayers,
		TotalCopayers:    defaultTotalCopayers,
		FeeRate:          cfgutil.NewAmountFlag(wallet.DefaultFeeRatePerKb),
		ScanWindow:       wallet.DefaultScanWindow,
		JoinTimeout:      defaultJoinTimeout,
		RefreshInterval:  defaultRefreshInterval,
		DBBackend:        walletstore.BackendBolt,
		DBTimeout:        walletstore.DefaultDBTimeout,
		DBCacheSize:      defaultCacheSize,
		RelayURL:         defaultRelayURL,
		ReconnectDelay:   relay.DefaultReconnectDelay,
		EsploraURL:       cfgutil.NewExplicitString(""),
		RequestTimeout:   chain.DefaultRequestTimeout,
		MaxRetries:       chain.DefaultMaxRetries,
		MaxConcurrent:    chain.DefaultMaxConcurrent,
	}
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in copayd functioning properly without any config
// settings while still allowing the user to override settings with config files
// and command line options.  Command line options always take precedence.
func loadConfig() (*config, []string, error) {
	cfg := defaultConfig()

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			preParser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// A data directory given on the command line moves the default config
	// file with it.
	configFilePath := preCfg.ConfigFile.Value
	if preCfg.AppDataDir.ExplicitlySet() && !preCfg.ConfigFile.ExplicitlySet() {
		configFilePath = filepath.Join(
			cleanAndExpandPath(preCfg.AppDataDir.Value),
			defaultConfigFilename)
	}

	// Load additional config from file.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return nil, nil, err
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	cfg.activeNet = &netparams.MainNetParams
	if cfg.TestNet3 {
		cfg.activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		cfg.activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SigNet {
		cfg.activeNet = &netparams.SigNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: The testnet, regtest and signet params can't be " +
			"used together -- choose one"
		err := fmt.Errorf(str, funcName)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	cfg.AppDataDir.Value = cleanAndExpandPath(cfg.AppDataDir.Value)
	if cfg.AppDataDir.ExplicitlySet() && cfg.LogDir == defaultLogDir {
		cfg.LogDir = filepath.Join(cfg.AppDataDir.Value,
			defaultLogDirname)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if err := validateConfig(&cfg); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}

// validateConfig checks option combinations and fills in defaults that
// depend on the active network.
func validateConfig(cfg *config) error {
	if cfg.Create && cfg.Join != "" {
		return fmt.Errorf("--create and --join can not be used together")
	}
	if cfg.Create {
		m, n := cfg.RequiredCopayers, cfg.TotalCopayers
		if n < 1 || n > keyring.MaxCopayers || m < 1 || m > n {
			return fmt.Errorf("invalid %d-of-%d wallet: need "+
				"1 <= required <= total <= %d", m, n,
				keyring.MaxCopayers)
		}
	}
	if len(cfg.Nickname) > prompt.MaxNicknameLen {
		return fmt.Errorf("nickname is longer than %d characters",
			prompt.MaxNicknameLen)
	}

	switch cfg.DBBackend {
	case walletstore.BackendBolt, walletstore.BackendSQLite:
	case walletstore.BackendPostgres:
		if cfg.DBDSN == "" {
			return fmt.Errorf("--dbdsn is required for the %s "+
				"backend", walletstore.BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.DBBackend)
	}
	if cfg.StoragePass != "" {
		cfg.EncryptStorage = true
	}

	if _, err := url.Parse(cfg.RelayURL); err != nil {
		return fmt.Errorf("invalid relay url: %v", err)
	}
	if cfg.RelayListen != "" {
		addr, err := cfgutil.NormalizeAddress(cfg.RelayListen,
			defaultRelayPort)
		if err != nil {
			return fmt.Errorf("invalid relay listen address: %v", err)
		}
		cfg.RelayListen = addr
	}
	if cfg.Proxy != "" {
		addr, err := cfgutil.NormalizeAddress(cfg.Proxy, "9050")
		if err != nil {
			return fmt.Errorf("invalid proxy address: %v", err)
		}
		cfg.Proxy = addr
	}

	cfg.EsploraURL.SetDefault(cfg.activeNet.EsploraURL)
	if _, err := url.Parse(cfg.EsploraURL.Value); err != nil {
		return fmt.Errorf("invalid esplora url: %v", err)
	}
	if cfg.FeeRate.Amount <= 0 {
		return fmt.Errorf("fee rate must be positive")
	}
	if cfg.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be positive")
	}
	return nil
}
