package extrpc

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/reqmgr"
	"github.com/extsuite/extwallet/wallet"
)

// requestHandler is a handler function to handle an unmarshaled and parsed
// request into a marshalable response.  If the error is a *jsonError or one
// of the recognized wallet error types, the server will respond with the
// appropriate error code.  All other errors use the catch-all wallet error
// code.
type requestHandler func(*wallet.Wallet, json.RawMessage) (interface{}, error)

var rpcHandlers = map[string]struct {
	handler requestHandler

	// pageOnly marks methods a page submits over the websocket channel;
	// their responses are deferred until the broker resolves them, so
	// they are dispatched by the websocket client handler rather than
	// this synchronous table.
	pageOnly bool
}{
	// Account management.
	"createseed":       {handler: createSeed},
	"validateseed":     {handler: validateSeed},
	"importaccount":    {handler: importAccount},
	"deriveaccount":    {handler: deriveAccount},
	"importhardware":   {handler: importHardware},
	"listaccounts":     {handler: listAccounts},
	"nextpath":         {handler: nextPath},
	"renameaccount":    {handler: renameAccount},
	"sethiddenaccount": {handler: setHiddenAccount},
	"forgetaccount":    {handler: forgetAccount},

	// Backup export and restore.
	"exportaccount":  {handler: exportAccount},
	"exportaccounts": {handler: exportAccounts},
	"classifybackup": {handler: classifyBackup},
	"restorebackup":  {handler: restoreBackup},

	// Keyring locking.
	"walletlock":             {handler: walletLock},
	"walletpassphrase":       {handler: walletPassphrase},
	"walletpassphrasechange": {handler: walletPassphraseChange},
	"walletislocked":         {handler: walletIsLocked},

	// Approval surface.
	"listpending":  {handler: listPending},
	"pendingcount": {handler: pendingCount},
	"decide":       {handler: decide},
	"tabclosed":    {handler: tabClosed},

	// Authorization management.
	"listauthorizations":  {handler: listAuthorizations},
	"updateauthorization": {handler: updateAuthorization},
	"revokeorigin":        {handler: revokeOrigin},

	// Chain metadata registry.
	"listchains": {handler: listChains},

	// Page channel methods.  Dispatched by the websocket handler only.
	"requestauthorize": {pageOnly: true},
	"requestsign":      {pageOnly: true},
	"requestmetadata":  {pageOnly: true},
}

// accountResult is the secret-free account view returned by account methods.
type accountResult struct {
	Address          string `json:"address"`
	Name             string `json:"name,omitempty"`
	ParentAddress    string `json:"parentAddress,omitempty"`
	DerivationSuffix string `json:"derivationSuffix,omitempty"`
	Scheme           string `json:"scheme"`
	GenesisHash      string `json:"genesisHash,omitempty"`
	IsExternal       bool   `json:"isExternal,omitempty"`
	IsHardware       bool   `json:"isHardware,omitempty"`
	IsHidden         bool   `json:"isHidden,omitempty"`
	WhenCreated      string `json:"whenCreated"`
}

func marshalAccount(account keymgr.Account) accountResult {
	return accountResult{
		Address:          string(account.Address),
		Name:             account.Name,
		ParentAddress:    string(account.ParentAddress),
		DerivationSuffix: account.DerivationSuffix,
		Scheme:           string(account.Scheme),
		GenesisHash:      account.GenesisHash,
		IsExternal:       account.Flags.IsExternal,
		IsHardware:       account.Flags.IsHardware,
		IsHidden:         account.Flags.IsHidden,
		WhenCreated:      account.WhenCreated.UTC().Format(time.RFC3339),
	}
}

func createSeed(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	addr, mnemonic, err := w.CreateSeed(keymgr.SchemeEd25519)
	if err != nil {
		return nil, err
	}
	return &struct {
		Address  string `json:"address"`
		Mnemonic string `json:"mnemonic"`
	}{Address: string(addr), Mnemonic: mnemonic}, nil
}

func validateSeed(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Suri string `json:"suri"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	addr, err := w.ValidateSeed(req.Suri, keymgr.SchemeEd25519)
	if err != nil {
		return nil, err
	}
	return &struct {
		Address string `json:"address"`
	}{Address: string(addr)}, nil
}

func importAccount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Name           string `json:"name"`
		Suri           string `json:"suri"`
		DerivationPath string `json:"derivationPath,omitempty"`
		GenesisHash    string `json:"genesisHash,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	if req.Suri == "" {
		return nil, invalidParams("suri is required")
	}
	addr, err := w.ImportFromSuri(req.Name, req.Suri, req.DerivationPath,
		req.GenesisHash, keymgr.SchemeEd25519)
	if err != nil {
		return nil, err
	}
	return string(addr), nil
}

func deriveAccount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Parent string `json:"parent"`
		Suffix string `json:"suffix,omitempty"`
		Name   string `json:"name,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	if req.Parent == "" {
		return nil, invalidParams("parent is required")
	}
	addr, err := w.DeriveAccount(keymgr.Address(req.Parent), req.Suffix, req.Name)
	if err != nil {
		return nil, err
	}
	return string(addr), nil
}

func importHardware(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Address     string `json:"address"`
		Name        string `json:"name,omitempty"`
		GenesisHash string `json:"genesisHash,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	if req.Address == "" {
		return nil, invalidParams("address is required")
	}
	err := w.ImportHardware(keymgr.Address(req.Address), req.Name, req.GenesisHash)
	if err != nil {
		return nil, err
	}
	return true, nil
}

func listAccounts(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	accounts := w.Accounts()
	results := make([]accountResult, len(accounts))
	for i, account := range accounts {
		results[i] = marshalAccount(account)
	}
	return results, nil
}

func nextPath(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Parent string `json:"parent"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	suffix, err := w.NextDerivationPath(keymgr.Address(req.Parent))
	if err != nil {
		return nil, err
	}
	return suffix, nil
}

func renameAccount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	err := w.RenameAccount(keymgr.Address(req.Address), req.Name)
	if err != nil {
		return nil, err
	}
	return true, nil
}

func setHiddenAccount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Address string `json:"address"`
		Hidden  bool   `json:"hidden"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	err := w.SetAccountHidden(keymgr.Address(req.Address), req.Hidden)
	if err != nil {
		return nil, err
	}
	return true, nil
}

func forgetAccount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Address string `json:"address"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	err := w.ForgetAccount(keymgr.Address(req.Address))
	if err != nil {
		return nil, err
	}
	return true, nil
}

func exportAccount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Address          string `json:"address"`
		WalletPassphrase string `json:"walletPassphrase"`
		ExportPassword   string `json:"exportPassword"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	record, err := w.ExportAccount(keymgr.Address(req.Address),
		[]byte(req.WalletPassphrase), []byte(req.ExportPassword))
	if err != nil {
		return nil, err
	}
	return record, nil
}

func exportAccounts(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Addresses        []string `json:"addresses"`
		WalletPassphrase string   `json:"walletPassphrase"`
		ExportPassword   string   `json:"exportPassword"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	if len(req.Addresses) == 0 {
		return nil, invalidParams("addresses is required")
	}
	addrs := make([]keymgr.Address, len(req.Addresses))
	for i, addr := range req.Addresses {
		addrs[i] = keymgr.Address(addr)
	}
	raw, err := w.ExportBatch(addrs, []byte(req.WalletPassphrase),
		[]byte(req.ExportPassword))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

func classifyBackup(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		// File is the raw backup content, base64 encoded for transport.
		File string `json:"file"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		return nil, invalidParams("file must be base64 encoded")
	}
	payload, err := w.ClassifyBackup(raw)
	if err != nil {
		return nil, err
	}

	accounts := make([]accountResult, len(payload.Metadata))
	for i, account := range payload.Metadata {
		accounts[i] = marshalAccount(account)
	}
	result := &struct {
		Kind        string          `json:"kind"`
		Accounts    []accountResult `json:"accounts"`
		MetadataErr string          `json:"metadataError,omitempty"`
	}{Kind: payload.Kind.String(), Accounts: accounts}
	if payload.MetadataErr != nil {
		result.MetadataErr = payload.MetadataErr.Error()
	}
	return result, nil
}

func restoreBackup(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		File     string `json:"file"`
		Password string `json:"password"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(req.File)
	if err != nil {
		return nil, invalidParams("file must be base64 encoded")
	}
	addrs, err := w.RestoreBackup(raw, []byte(req.Password))
	if err != nil {
		return nil, err
	}
	results := make([]string, len(addrs))
	for i, addr := range addrs {
		results[i] = string(addr)
	}
	return results, nil
}

func walletLock(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	if err := w.Lock(); err != nil {
		return nil, err
	}
	return true, nil
}

func walletPassphrase(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Passphrase string `json:"passphrase"`
		// Timeout in seconds before the keyring relocks; zero means no
		// automatic relock.
		Timeout int64 `json:"timeout,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if err := w.Unlock([]byte(req.Passphrase), timeout); err != nil {
		return nil, err
	}
	return true, nil
}

func walletPassphraseChange(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		OldPassphrase string `json:"oldPassphrase"`
		NewPassphrase string `json:"newPassphrase"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	err := w.ChangePrivatePassphrase([]byte(req.OldPassphrase),
		[]byte(req.NewPassphrase))
	if err != nil {
		return nil, err
	}
	return true, nil
}

func walletIsLocked(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	return w.Locked(), nil
}

// pendingResult is the secret-free pending request view handed to the
// approval surface.  Sign payloads travel base64 encoded.
type pendingResult struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Origin      string `json:"origin"`
	TabID       int64  `json:"tabId"`
	WhenCreated string `json:"whenCreated"`

	Authorize *reqmgr.AuthorizeDetail `json:"authorize,omitempty"`
	Sign      *signResult             `json:"sign,omitempty"`
	Metadata  *reqmgr.MetadataDef     `json:"metadata,omitempty"`
}

type signResult struct {
	Address string `json:"address"`
	Payload string `json:"payload"`
	IsRaw   bool   `json:"isRaw,omitempty"`
}

func marshalPending(req reqmgr.Request) pendingResult {
	result := pendingResult{
		ID:          req.ID,
		Kind:        req.Kind.String(),
		Origin:      req.Origin,
		TabID:       req.TabID,
		WhenCreated: req.WhenCreated.UTC().Format(time.RFC3339),
		Authorize:   req.Authorize,
		Metadata:    req.Metadata,
	}
	if req.Sign != nil {
		result.Sign = &signResult{
			Address: string(req.Sign.Address),
			Payload: base64.StdEncoding.EncodeToString(req.Sign.Payload),
			IsRaw:   req.Sign.IsRaw,
		}
	}
	return result
}

func listPending(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		TabID *int64 `json:"tabId,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}

	var pending []reqmgr.Request
	if req.TabID != nil {
		pending = w.ListPendingForTab(*req.TabID)
	} else {
		pending = w.ListPending()
	}
	results := make([]pendingResult, len(pending))
	for i, r := range pending {
		results[i] = marshalPending(r)
	}
	return results, nil
}

func pendingCount(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	return w.PendingCount(), nil
}

func decide(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		ID       string   `json:"id"`
		Approve  bool     `json:"approve"`
		Accounts []string `json:"accounts,omitempty"`
		Blanket  bool     `json:"blanket,omitempty"`
		Reason   string   `json:"reason,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	if req.ID == "" {
		return nil, invalidParams("id is required")
	}

	decision := wallet.Decision{
		Approve: req.Approve,
		Blanket: req.Blanket,
		Reason:  req.Reason,
	}
	for _, addr := range req.Accounts {
		decision.Accounts = append(decision.Accounts, keymgr.Address(addr))
	}
	if err := w.Decide(req.ID, decision); err != nil {
		return nil, err
	}
	return true, nil
}

func tabClosed(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		TabID int64 `json:"tabId"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	w.TabClosed(req.TabID)
	return true, nil
}

func listAuthorizations(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	return w.AuthorizedOrigins(), nil
}

func updateAuthorization(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Origin   string   `json:"origin"`
		Accounts []string `json:"accounts,omitempty"`
		Blanket  bool     `json:"blanket,omitempty"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	accounts := make([]keymgr.Address, len(req.Accounts))
	for i, addr := range req.Accounts {
		accounts[i] = keymgr.Address(addr)
	}
	if err := w.UpdateAuthorization(req.Origin, accounts, req.Blanket); err != nil {
		return nil, err
	}
	return true, nil
}

func revokeOrigin(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	var req struct {
		Origin string `json:"origin"`
	}
	if err := unmarshalParams(params, &req); err != nil {
		return nil, err
	}
	if err := w.RevokeOrigin(req.Origin); err != nil {
		return nil, err
	}
	return true, nil
}

func listChains(w *wallet.Wallet, params json.RawMessage) (interface{}, error) {
	return w.KnownChains(), nil
}

// Page channel parameter shapes, shared with the websocket dispatcher.

type authorizeParams struct {
	Origin   string   `json:"origin"`
	Scope    string   `json:"scope,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
}

type signParams struct {
	Origin  string `json:"origin"`
	Address string `json:"address"`
	Payload string `json:"payload"`
	IsRaw   bool   `json:"isRaw,omitempty"`
}

type metadataParams struct {
	Origin   string             `json:"origin"`
	Metadata reqmgr.MetadataDef `json:"metadata"`
}

// admitPageRequest validates and admits a page-channel request under the
// connection's tab id, returning the kind and the broker's response channel.
func admitPageRequest(w *wallet.Wallet, req *rawRequest,
	tabID int64) (reqmgr.Kind, <-chan wallet.Response, error) {

	switch req.Method {
	case "requestauthorize":
		var p authorizeParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return 0, nil, err
		}
		accounts := make([]keymgr.Address, len(p.Accounts))
		for i, addr := range p.Accounts {
			accounts[i] = keymgr.Address(addr)
		}
		resp, err := w.RequestAuthorize(p.Origin, tabID, p.Scope, accounts)
		return reqmgr.KindAuthorize, resp, err

	case "requestsign":
		var p signParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return 0, nil, err
		}
		payload, err := base64.StdEncoding.DecodeString(p.Payload)
		if err != nil {
			return 0, nil, invalidParams("payload must be base64 encoded")
		}
		resp, err := w.RequestSign(p.Origin, tabID,
			keymgr.Address(p.Address), payload, p.IsRaw)
		return reqmgr.KindSign, resp, err

	case "requestmetadata":
		var p metadataParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return 0, nil, err
		}
		resp, err := w.RequestAddMetadata(p.Origin, tabID, &p.Metadata)
		return reqmgr.KindMetadata, resp, err
	}
	return 0, nil, errMethodNotFound
}

// responseResult renders a broker response into a result value per kind.
func responseResult(kind reqmgr.Kind, resp wallet.Response) (interface{}, error) {
	if resp.Err != nil {
		return nil, resp.Err
	}
	switch kind {
	case reqmgr.KindAuthorize:
		accounts := make([]string, len(resp.Accounts))
		for i, addr := range resp.Accounts {
			accounts[i] = string(addr)
		}
		return accounts, nil
	case reqmgr.KindSign:
		return base64.StdEncoding.EncodeToString(resp.Signature), nil
	default:
		return resp.Accepted, nil
	}
}
