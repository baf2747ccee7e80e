// Package faults classifies the failures cachegen components hand to each other.
//
// Every failure is a platform error carrying one of the codes below. Callers
// branch on the code, never on the message.
package faults

import (
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

const (
	// CodeNetwork is a transient origin failure: DNS, refused connection, reset.
	CodeNetwork = platformerrors.CodeNetwork
	// CodeTimeout is an origin call that did not settle in time.
	CodeTimeout = platformerrors.CodeTimeout
	// CodeStorageFull means the disk budget of the Cache Store is exhausted.
	CodeStorageFull platformerrors.ErrorCode = "STORAGE_FULL"
	// CodeStorageFailure is any other Cache Store read/write failure.
	CodeStorageFailure platformerrors.ErrorCode = "STORAGE_FAILURE"
	// CodeInstallFailed marks a generation whose precache could not complete.
	CodeInstallFailed platformerrors.ErrorCode = "INSTALL_FAILED"
	// CodeHandoverTimeout is raised when no controller change was observed in time.
	CodeHandoverTimeout platformerrors.ErrorCode = "HANDOVER_TIMEOUT"
	// CodeInvalidInput rejects malformed control messages.
	CodeInvalidInput = platformerrors.CodeInvalidInput
	// CodeNotFound is used when an operation needs a generation that does not exist.
	CodeNotFound = platformerrors.CodeNotFound
)

func Network(err error, url string) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, CodeNetwork, "origin unreachable"),
		"url", url,
	)
}

func Timeout(what string) error {
	return platformerrors.Newf(CodeTimeout, "%s timed out", what)
}

func StorageFull(generation string, need, limit int64) error {
	return platformerrors.WithContextMap(
		platformerrors.New(CodeStorageFull, "cache store is full"),
		map[string]interface{}{"generation": generation, "need": need, "limit": limit},
	)
}

func Storage(err error, op string) error {
	return platformerrors.Wrapf(err, CodeStorageFailure, "cache store %s", op)
}

func StorageGone(generation string) error {
	return platformerrors.WithContext(
		platformerrors.New(CodeStorageFailure, "generation does not exist"),
		"generation", generation,
	)
}

func Install(err error, generation string) error {
	return platformerrors.WithContext(
		platformerrors.Wrap(err, CodeInstallFailed, "install failed"),
		"generation", generation,
	)
}

func HandoverTimeout(after fmt.Stringer) error {
	return platformerrors.Newf(CodeHandoverTimeout, "no controller change after %s", after)
}

func Invalid(format string, args ...interface{}) error {
	return platformerrors.Newf(CodeInvalidInput, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return platformerrors.Newf(CodeNotFound, format, args...)
}

// Code returns the code of the outermost platform error in err's chain.
func Code(err error) platformerrors.ErrorCode { return platformerrors.GetCode(err) }

// IsNetwork reports whether err is a network failure or timeout. Both are
// recovered by falling through to the next policy step.
func IsNetwork(err error) bool {
	switch Code(err) {
	case CodeNetwork, CodeTimeout:
		return true
	}
	return false
}

// IsStorage reports whether err came from the Cache Store. Storage failures
// are never fatal to a request.
func IsStorage(err error) bool {
	switch Code(err) {
	case CodeStorageFull, CodeStorageFailure:
		return true
	}
	return false
}

func IsStorageFull(err error) bool { return Code(err) == CodeStorageFull }

func IsInstall(err error) bool { return Code(err) == CodeInstallFailed }

func IsHandoverTimeout(err error) bool { return Code(err) == CodeHandoverTimeout }

func IsNotFound(err error) bool { return Code(err) == CodeNotFound }

// JSON renders err for the control API.
func JSON(err error) *platformerrors.ErrorResponse { return platformerrors.ToJSON(err) }

// FromJSON rebuilds an error received from the control API.
func FromJSON(r *platformerrors.ErrorResponse) error {
	return platformerrors.New(platformerrors.ErrorCode(r.Code), r.Message)
}
