package carrier

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/opd-ai/carrier/crypto"
	"github.com/opd-ai/carrier/dht"
	"github.com/opd-ai/carrier/file"
	"github.com/opd-ai/carrier/friend"
	"github.com/opd-ai/carrier/invite"
	"github.com/opd-ai/carrier/limits"
	"github.com/sirupsen/logrus"
)

// Error kinds. Every error returned by a Carrier method matches exactly one
// of these with errors.Is.
var (
	ErrConfig          = errors.New("configuration error")
	ErrAddressFormat   = errors.New("address format error")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFriend   = errors.New("already friend")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidState    = errors.New("invalid state")
	ErrTransport       = errors.New("transport error")
	ErrOperation       = errors.New("operation failed")
	ErrProgramming     = errors.New("programming error")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ErrorCode is the stable numeric form of an error kind.
type ErrorCode int

const (
	CodeOK ErrorCode = iota
	CodeConfig
	CodeAddressFormat
	CodeNotFound
	CodeAlreadyFriend
	CodePayloadTooLarge
	CodeInvalidState
	CodeTransport
	CodeOperation
	CodeProgramming
	CodeInvalidArgument
)

var kindCodes = []struct {
	kind error
	code ErrorCode
}{
	{ErrConfig, CodeConfig},
	{ErrAddressFormat, CodeAddressFormat},
	{ErrNotFound, CodeNotFound},
	{ErrAlreadyFriend, CodeAlreadyFriend},
	{ErrPayloadTooLarge, CodePayloadTooLarge},
	{ErrInvalidState, CodeInvalidState},
	{ErrTransport, CodeTransport},
	{ErrOperation, CodeOperation},
	{ErrProgramming, CodeProgramming},
	{ErrInvalidArgument, CodeInvalidArgument},
}

// Code maps err to its numeric code. A nil error is CodeOK; an error that is
// not a carrier error is CodeOperation.
func Code(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return CodeOperation
}

// Error is the error type returned by Carrier methods.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code returns the numeric code of the error's kind.
func (e *Error) Code() ErrorCode {
	return Code(e.Kind)
}

var errFriendOffline = errors.New("friend is offline")
var errNodeOffline = errors.New("node has no transport")
var errNotReady = errors.New("node is not ready")
var errKilled = errors.New("node has been killed")

// classify picks the kind for an error coming out of a sub-package.
func classify(err error) error {
	var ce *Error
	switch {
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, dht.ErrInvalidBootstrap):
		return ErrConfig
	case errors.Is(err, crypto.ErrInvalidAddress), errors.Is(err, crypto.ErrInvalidID):
		return ErrAddressFormat
	case errors.Is(err, friend.ErrNotFound),
		errors.Is(err, file.ErrTransferNotFound),
		errors.Is(err, invite.ErrNoPendingInvite),
		errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, friend.ErrAlreadyFriend), errors.Is(err, friend.ErrSelf):
		return ErrAlreadyFriend
	case errors.Is(err, limits.ErrMessageTooLarge):
		return ErrPayloadTooLarge
	case errors.Is(err, limits.ErrMessageEmpty),
		errors.Is(err, limits.ErrFieldTooLong),
		errors.Is(err, limits.ErrInvalidText),
		errors.Is(err, file.ErrDirectoryTraversal),
		errors.Is(err, file.ErrInvalidFileName),
		errors.Is(err, file.ErrFileNameTooLong),
		errors.Is(err, file.ErrNotRegularFile):
		return ErrInvalidArgument
	case errors.Is(err, file.ErrInvalidState):
		return ErrInvalidState
	case errors.Is(err, invite.ErrContractViolation):
		return ErrProgramming
	default:
		return ErrOperation
	}
}

// fail wraps err for op, records it as the node's last error and logs it.
func (c *Carrier) fail(op string, err error) error {
	var ce *Error
	if !errors.As(err, &ce) {
		ce = &Error{Op: op, Kind: classify(err), Err: err}
	}

	c.lastErrMu.Lock()
	c.lastErr = ce
	c.lastErrMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": op,
		"kind":     ce.Kind.Error(),
		"error":    err.Error(),
	}).Debug("Operation failed")
	return ce
}

// failKind is fail with an explicit kind.
func (c *Carrier) failKind(op string, kind, err error) error {
	return c.fail(op, &Error{Op: op, Kind: kind, Err: err})
}

// LastError returns the error of the most recent failed call on this node.
func (c *Carrier) LastError() error {
	c.lastErrMu.Lock()
	defer c.lastErrMu.Unlock()
	return c.lastErr
}

// LastErrorCode returns Code(LastError()).
func (c *Carrier) LastErrorCode() ErrorCode {
	return Code(c.LastError())
}
