package main

import (
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/extsuite/extwallet/rpc/extrpc"
	"github.com/extsuite/extwallet/wallet"
	_ "github.com/extsuite/extwallet/walletdb/bdb"
)

var cfg *config

// shutdownChannel is closed or sent to when the main goroutine should exit.
var shutdownChannel = make(chan struct{})

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since deferred
// functions (such as log flushing) are not called with calls to os.Exit.
// Instead, main runs this function and checks for a non-nil error, at which
// point any defers have already run, and if the error is non-nil, the program
// can be exited with an error exit status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version())

	dbDir := networkDir(cleanAndExpandPath(cfg.AppDataDir.Value), activeNet)
	loader := wallet.NewLoader(dbDir, nil)

	// Create and start the RPC server to serve wallet client connections.
	rpcs, err := startRPCServer(loader)
	if err != nil {
		log.Errorf("Unable to create RPC server: %v", err)
		return err
	}
	if rpcs != nil {
		addInterruptHandler(func() {
			log.Warn("Stopping RPC server...")
			rpcs.Stop()
			log.Info("RPC server shutdown")
		})
	}

	if !cfg.NoInitialLoad {
		// Load the wallet database.  It must have been created already
		// or this will return an appropriate error.
		_, err = loader.OpenExistingWallet([]byte(cfg.WalletPass))
		if err != nil {
			log.Errorf("%v", err)
			return err
		}
	}

	// Add interrupt handlers to shutdown the various process components
	// before exiting.  Interrupt handlers run in LIFO order, so the wallet
	// (which should be closed last) is added first.
	addInterruptHandler(func() {
		err := loader.UnloadWallet()
		if err != nil && err != wallet.ErrUnloaded {
			log.Errorf("Failed to close wallet: %v", err)
		}
	})

	<-shutdownChannel
	log.Info("Shutdown complete")
	return nil
}

// startRPCServer creates the JSON-RPC server listening on the configured
// interfaces, or returns nil when serving is disabled.
func startRPCServer(loader *wallet.Loader) (*extrpc.Server, error) {
	if cfg.DisableServerListen || len(cfg.RPCListeners) == 0 {
		return nil, nil
	}

	listeners := makeListeners(cfg.RPCListeners)
	if len(listeners) == 0 {
		return nil, fmt.Errorf("failed to create listeners for RPC server")
	}
	opts := extrpc.Options{
		Username:            cfg.Username,
		Password:            cfg.Password,
		MaxPOSTClients:      cfg.RPCMaxClients,
		MaxWebsocketClients: cfg.RPCMaxWebsockets,
	}
	return extrpc.NewServer(&opts, loader, listeners), nil
}

// makeListeners splits the normalized listen addresses into IPv4 and IPv6
// address strings and creates a TCP listener for each.  Addresses which fail
// to listen are logged and skipped.
func makeListeners(normalizedListenAddrs []string) []net.Listener {
	listeners := make([]net.Listener, 0, len(normalizedListenAddrs))
	for _, addr := range normalizedListenAddrs {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			log.Warnf("Can't listen on %s: %v", addr, err)
			continue
		}
		listeners = append(listeners, listener)
	}
	return listeners
}
