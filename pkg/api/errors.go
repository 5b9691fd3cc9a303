package api

import "errors"

var (
	// ErrAuthentication means the credentials were rejected. It is never retried.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrEdgeBlocked means an edge-protection HTML page came back instead of JSON.
	ErrEdgeBlocked = errors.New("edge protection page")
	// ErrProxyBlocked means login answered 403 for this proxy. It is never retried.
	ErrProxyBlocked       = errors.New("proxy blocked")
	ErrUnexpectedResponse = errors.New("unexpected response")
)
