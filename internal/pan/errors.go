// Package pan implements a client for the Baidu Pan (netdisk) REST API:
// the OAuth2 token lifecycle (acquisition, persistence, refresh, interactive
// re-authorization) and the precreate/upload/create chunked upload protocol.
package pan

import (
	"errors"
	"fmt"
)

// Sentinel errors for the auth and upload flows.
// Use errors.Is(err, pan.ErrChunkFailed) to check.
var (
	ErrNoCredential       = errors.New("pan: no credential available (login required)")
	ErrNoRefreshToken     = errors.New("pan: access token expired and no refresh token stored")
	ErrVendorRejected     = errors.New("pan: vendor rejected request")
	ErrVerificationFailed = errors.New("pan: account verification failed")
	ErrLocalFileMissing   = errors.New("pan: local file missing or not a regular file")
	ErrPrecreateRejected  = errors.New("pan: precreate rejected")
	ErrChunkFailed        = errors.New("pan: chunk upload failed")
	ErrCommitRejected     = errors.New("pan: commit rejected")
)

// OAuthError carries the error fields of the vendor's token endpoint.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("pan: oauth error %s: %s", e.Code, e.Description)
	}

	return fmt.Sprintf("pan: oauth error %s", e.Code)
}

func (e *OAuthError) Unwrap() error {
	return ErrVendorRejected
}

// APIError reports a non-zero errno from a control-plane endpoint.
// Err is the matching sentinel (ErrPrecreateRejected, ErrCommitRejected,
// ErrVerificationFailed) for errors.Is.
type APIError struct {
	Op    string
	Errno int
	Err   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pan: %s failed: errno %d", e.Op, e.Errno)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ChunkError reports a failed chunk transfer. Index is the zero-based
// sequence number of the failing chunk; Status is the HTTP status code.
type ChunkError struct {
	Index  int
	Status int
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("pan: chunk %d upload failed with status %d", e.Index, e.Status)
}

func (e *ChunkError) Unwrap() error {
	return ErrChunkFailed
}
