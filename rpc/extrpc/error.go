package extrpc

import (
	"encoding/json"
	"errors"

	"github.com/extsuite/extwallet/backup"
	"github.com/extsuite/extwallet/keymgr"
	"github.com/extsuite/extwallet/reqmgr"
	"github.com/extsuite/extwallet/wallet"
)

// jsonError is the error object of a JSON-RPC response.
type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error satisfies the error interface.
func (e *jsonError) Error() string {
	return e.Message
}

// JSON-RPC protocol error codes.
const (
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
	errCodeParse          = -32700
)

// Application error codes.
const (
	errCodeWallet              = -4
	errCodeWalletUnlockNeeded  = -13
	errCodePassphraseIncorrect = -14
	errCodeInvalidSeed         = -15
	errCodeInvalidPath         = -16
	errCodeDuplicateAccount    = -17
	errCodeAccountNotFound     = -18
	errCodeMalformedBackup     = -19
	errCodeRequestRejected     = -20
	errCodeSigningDeclined     = -21
	errCodeDeviceUnavailable   = -22
	errCodeOriginGone          = -23
	errCodeShuttingDown        = -24
)

// Error variables defined once here to avoid duplication below.
var (
	errInvalidRequest = &jsonError{
		Code:    errCodeInvalidRequest,
		Message: "invalid request",
	}

	errMethodNotFound = &jsonError{
		Code:    errCodeMethodNotFound,
		Message: "method not found",
	}

	errParse = &jsonError{
		Code:    errCodeParse,
		Message: "failed to parse request",
	}

	errUnloadedWallet = &jsonError{
		Code:    errCodeWallet,
		Message: "request requires a wallet but wallet has not loaded yet",
	}

	errWalletUnlockNeeded = &jsonError{
		Code:    errCodeWalletUnlockNeeded,
		Message: "enter the wallet passphrase with walletpassphrase first",
	}
)

// invalidParams builds an invalid-parameter error from a description.
func invalidParams(msg string) *jsonError {
	return &jsonError{Code: errCodeInvalidParams, Message: msg}
}

// jsonErrorFromKeyring maps keyring error codes onto RPC error codes.
func jsonErrorFromKeyring(e keymgr.KeyringError) *jsonError {
	code := errCodeWallet
	switch e.ErrorCode {
	case keymgr.ErrLocked:
		return errWalletUnlockNeeded
	case keymgr.ErrWrongPassphrase:
		code = errCodePassphraseIncorrect
	case keymgr.ErrInvalidSeed, keymgr.ErrEmptyPassphrase:
		code = errCodeInvalidSeed
	case keymgr.ErrInvalidDerivationPath, keymgr.ErrInvalidParent:
		code = errCodeInvalidPath
	case keymgr.ErrDuplicateAddress, keymgr.ErrAlreadyExists:
		code = errCodeDuplicateAccount
	case keymgr.ErrAddressNotFound, keymgr.ErrNoExist:
		code = errCodeAccountNotFound
	case keymgr.ErrSigningDeclined:
		code = errCodeSigningDeclined
	case keymgr.ErrDeviceUnavailable:
		code = errCodeDeviceUnavailable
	}
	return &jsonError{Code: code, Message: e.Error()}
}

// jsonErrorFromRejection maps broker rejection codes onto RPC error codes.
func jsonErrorFromRejection(e wallet.RejectionError) *jsonError {
	code := errCodeRequestRejected
	switch e.Code {
	case wallet.RejectValidation:
		code = errCodeInvalidParams
	case wallet.RejectSigningDeclined:
		code = errCodeSigningDeclined
	case wallet.RejectDeviceUnavailable:
		code = errCodeDeviceUnavailable
	case wallet.RejectOriginGone:
		code = errCodeOriginGone
	case wallet.RejectInternal:
		code = errCodeInternal
	}
	return &jsonError{Code: code, Message: e.Error()}
}

// jsonErrorFromGo converts any handler error into the error object included
// in the marshalled response.
func jsonErrorFromGo(err error) *jsonError {
	var je *jsonError
	if errors.As(err, &je) {
		return je
	}

	var kerr keymgr.KeyringError
	if errors.As(err, &kerr) {
		return jsonErrorFromKeyring(kerr)
	}

	var rej wallet.RejectionError
	if errors.As(err, &rej) {
		return jsonErrorFromRejection(rej)
	}

	var serr reqmgr.StoreError
	if errors.As(err, &serr) {
		return &jsonError{Code: errCodeWallet, Message: serr.Error()}
	}

	switch {
	case errors.Is(err, backup.ErrMalformedJSON),
		errors.Is(err, backup.ErrUnrecognizedShape):
		return &jsonError{Code: errCodeMalformedBackup, Message: err.Error()}

	case errors.Is(err, wallet.ErrWalletShuttingDown):
		return &jsonError{Code: errCodeShuttingDown, Message: err.Error()}

	case errors.Is(err, errUnmarshalParams):
		return invalidParams(err.Error())
	}

	return &jsonError{Code: errCodeWallet, Message: err.Error()}
}

// errUnmarshalParams tags parameter decode failures so they map to the
// invalid-params code.
var errUnmarshalParams = errors.New("failed to parse parameters")

// unmarshalParams decodes the params object of a request into dst.
func unmarshalParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return errUnmarshalParams
	}
	return nil
}
