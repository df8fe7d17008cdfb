package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/extsuite/extwallet/internal/cfgutil"
	"github.com/extsuite/extwallet/wallet"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename   = "extwallet.conf"
	defaultLogLevel         = "info"
	defaultLogDirname       = "logs"
	defaultLogFilename      = "extwallet.log"
	defaultRPCMaxClients    = 10
	defaultRPCMaxWebsockets = 25
)

var (
	defaultAppDataDir = appDataDir("extwallet")
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

type config struct {
	// General application behavior
	ConfigFile    *cfgutil.ExplicitString `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion   bool                    `short:"V" long:"version" description:"Display version information and exit"`
	Create        bool                    `long:"create" description:"Create the wallet if it does not exist"`
	AppDataDir    *cfgutil.ExplicitString `short:"A" long:"appdata" description:"Application data directory for wallet config, databases and logs"`
	Dev           bool                    `long:"dev" description:"Use the development network"`
	NoInitialLoad bool                    `long:"noinitialload" description:"Defer wallet creation/opening on startup and enable loading wallets over RPC"`
	DebugLevel    string                  `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir        string                  `long:"logdir" description:"Directory to log output."`

	// Wallet options
	WalletPass string `long:"walletpass" default-mask:"-" description:"The public wallet password -- Only required if the wallet was created with one"`

	// RPC server options
	RPCListeners        []string `long:"rpclisten" description:"Listen for RPC connections on this interface/port"`
	Username            string   `short:"u" long:"username" description:"Username for RPC connections"`
	Password            string   `short:"P" long:"password" default-mask:"-" description:"Password for RPC connections"`
	RPCMaxClients       int64    `long:"rpcmaxclients" description:"Max number of RPC clients for standard connections"`
	RPCMaxWebsockets    int64    `long:"rpcmaxwebsockets" description:"Max number of RPC websocket connections"`
	DisableServerListen bool     `long:"norpclisten" description:"Disable the RPC server"`
}

// appDataDir returns an operating system specific directory to be used for
// storing application data for an application.
func appDataDir(appName string) string {
	if appName == "" || appName == "." {
		return "."
	}

	// The caller really shouldn't prepend the appName with a period, but
	// if they do, handle it gracefully by stripping it.
	appName = strings.TrimPrefix(appName, ".")
	appNameUpper := string(appName[0]-'a'+'A') + appName[1:]

	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "."
	}

	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		if appData != "" {
			return filepath.Join(appData, appNameUpper)
		}
	case "darwin":
		return filepath.Join(homeDir, "Library",
			"Application Support", appNameUpper)
	}
	return filepath.Join(homeDir, "."+appName)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Do not modify empty paths.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return filepath.Clean(path)
	}
	path = path[1:]
	if strings.HasPrefix(path, "/") || strings.HasPrefix(path, `\`) {
		path = path[1:]
	}
	return filepath.Join(homeDir, path)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the wallet functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		DebugLevel:       defaultLogLevel,
		ConfigFile:       cfgutil.NewExplicitString(defaultConfigFile),
		AppDataDir:       cfgutil.NewExplicitString(defaultAppDataDir),
		LogDir:           defaultLogDir,
		WalletPass:       wallet.InsecurePubPassphrase,
		RPCMaxClients:    defaultRPCMaxClients,
		RPCMaxWebsockets: defaultRPCMaxWebsockets,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		preParser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	funcName := "loadConfig"
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	// Load additional config from file.
	configFilePath := preCfg.ConfigFile.Value
	parser := flags.NewParser(&cfg, flags.Default)
	if preCfg.ConfigFile.ExplicitlySet() {
		configFilePath = cleanAndExpandPath(configFilePath)
	} else if preCfg.AppDataDir.ExplicitlySet() {
		// When the config file path was not set but the app data
		// directory was, look for the config file there.
		appDataDir := cleanAndExpandPath(preCfg.AppDataDir.Value)
		configFilePath = filepath.Join(appDataDir, defaultConfigFilename)
	}
	var configFileError error
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
		if e, ok := err.(*flags.Error); ok && e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	// Check deactivate and active network params.
	if cfg.Dev {
		activeNet = &devParams
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.name)

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

	netDir := networkDir(cleanAndExpandPath(cfg.AppDataDir.Value), activeNet)

	// Ensure the wallet exists or create it when the create flag is set.
	dbPath := filepath.Join(netDir, wallet.WalletDbName)
	dbFileExists, err := cfgutil.FileExists(dbPath)
	if err != nil {
		log.Errorf("%v", err)
		return nil, nil, err
	}

	if cfg.Create {
		// Error if the create flag is set and the wallet already
		// exists.
		if dbFileExists {
			err := fmt.Errorf("the wallet database file `%v` "+
				"already exists", dbPath)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Ensure the data directory for the network exists.
		if err := checkCreateDir(netDir); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}

		// Perform the initial wallet creation wizard.
		if err := createWallet(&cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Unable to create wallet:", err)
			return nil, nil, err
		}

		// Created successfully, so exit now with success.
		os.Exit(0)
	} else if !dbFileExists && !cfg.NoInitialLoad {
		err := fmt.Errorf("the wallet does not exist, run with the " +
			"--create option to initialize and create it")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Username and password must be specified when the RPC server is
	// enabled since the approval surface mutates keyring state.
	if len(cfg.RPCListeners) > 0 && (cfg.Username == "" || cfg.Password == "") {
		err := fmt.Errorf("%s: username and password must be set when "+
			"rpclisten is used", funcName)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Default RPC to listen on localhost only.
	if len(cfg.RPCListeners) == 0 {
		addrs, err := net.LookupHost("localhost")
		if err != nil {
			return nil, nil, err
		}
		cfg.RPCListeners = make([]string, 0, len(addrs))
		for _, addr := range addrs {
			addr = net.JoinHostPort(addr, activeNet.defaultRPCPort)
			cfg.RPCListeners = append(cfg.RPCListeners, addr)
		}
	}

	cfg.RPCListeners, err = cfgutil.NormalizeAddresses(
		cfg.RPCListeners, activeNet.defaultRPCPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid network address in RPC "+
			"listeners: %v\n", err)
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
