// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	peerServerIDKey contextKey = "peer_server_id"
	peerNameKey     contextKey = "peer_name"
)

// SetPeerServerID sets the authenticated peer's server ID in the context
func SetPeerServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, peerServerIDKey, serverID)
}

// GetPeerServerID retrieves the authenticated peer's server ID from the context
func GetPeerServerID(ctx context.Context) (string, bool) {
	serverID, ok := ctx.Value(peerServerIDKey).(string)
	return serverID, ok && serverID != ""
}

// SetPeerName sets the peer's self-reported name in the context
func SetPeerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, peerNameKey, name)
}

// GetPeerName retrieves the peer's name from the context
func GetPeerName(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(peerNameKey).(string)
	return name, ok
}

// SetPeerContext sets both peer identity values
func SetPeerContext(ctx context.Context, serverID, name string) context.Context {
	ctx = SetPeerServerID(ctx, serverID)
	ctx = SetPeerName(ctx, name)
	return ctx
}
