package main

// netParams groups the parameters that differ between a production and a
// development deployment: the name of the data subdirectory and the default
// RPC listen port.
type netParams struct {
	name           string
	defaultRPCPort string
}

var (
	// mainParams are the parameters used by default.
	mainParams = netParams{
		name:           "mainnet",
		defaultRPCPort: "8335",
	}

	// devParams are the parameters used with the --dev flag.  Wallets
	// created under it live in their own data directory so development
	// experiments never touch production keys.
	devParams = netParams{
		name:           "devnet",
		defaultRPCPort: "18335",
	}
)

// activeNet is the network the wallet is currently running under.  It is set
// during config parsing.
var activeNet = &mainParams
