package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// commands maps each supported RPC method to the ordered names of its
// parameters.  Positional command line arguments are converted into the
// named-parameter object the wallet's RPC server expects.
var commands = map[string][]string{
	"createseed":       nil,
	"validateseed":     {"suri"},
	"importaccount":    {"name", "suri", "derivationPath", "genesisHash"},
	"deriveaccount":    {"parent", "suffix", "name"},
	"importhardware":   {"address", "name", "genesisHash"},
	"listaccounts":     nil,
	"nextpath":         {"parent"},
	"renameaccount":    {"address", "name"},
	"sethiddenaccount": {"address", "hidden"},
	"forgetaccount":    {"address"},

	"exportaccount":  {"address", "walletPassphrase", "exportPassword"},
	"exportaccounts": {"addresses", "walletPassphrase", "exportPassword"},
	"classifybackup": {"file"},
	"restorebackup":  {"file", "password"},

	"walletlock":             nil,
	"walletpassphrase":       {"passphrase", "timeout"},
	"walletpassphrasechange": {"oldPassphrase", "newPassphrase"},
	"walletislocked":         nil,

	"listpending":  {"tabId"},
	"pendingcount": nil,
	"decide":       {"id", "approve", "accounts", "blanket", "reason"},
	"tabclosed":    {"tabId"},

	"listauthorizations":  nil,
	"updateauthorization": {"origin", "accounts", "blanket"},
	"revokeorigin":        {"origin"},
	"listchains":          nil,
}

// commandUsageLine returns a one line usage synopsis for the method.
func commandUsageLine(method string) string {
	paramNames := commands[method]
	if len(paramNames) == 0 {
		return method
	}
	return method + " <" + strings.Join(paramNames, "> <") + ">"
}

// marshalCommand converts a method and its positional arguments into a
// marshalled JSON-RPC request with named parameters.  Each argument is
// interpreted as JSON when possible so numbers, booleans and arrays pass
// through typed, and treated as a plain string otherwise.
func marshalCommand(id uint64, method string, args []string) ([]byte, error) {
	paramNames, ok := commands[method]
	if !ok {
		return nil, fmt.Errorf("unrecognized command %q", method)
	}
	if len(args) > len(paramNames) {
		return nil, fmt.Errorf("too many parameters for command %q "+
			"(usage: %s)", method, commandUsageLine(method))
	}

	params := make(map[string]interface{}, len(args))
	for i, arg := range args {
		var value interface{}
		if err := json.Unmarshal([]byte(arg), &value); err != nil {
			value = arg
		}
		params[paramNames[i]] = value
	}

	request := struct {
		ID     uint64                 `json:"id"`
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}{
		ID:     id,
		Method: method,
		Params: params,
	}
	return json.Marshal(&request)
}
