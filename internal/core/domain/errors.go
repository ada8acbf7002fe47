package domain

import (
	"errors"

	"dropnet/internal/core/codec"
)

var (
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrConnectionTimeout    = errors.New("connection timeout")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrNoActiveConnection   = errors.New("no active connection")
	ErrTransferFailed       = errors.New("transfer failed")
	ErrIncompleteTransfer   = codec.ErrIncompleteTransfer

	ErrNotConnected      = errors.New("not connected to network")
	ErrPeerUnavailable   = errors.New("peer unavailable")
	ErrDuplicateTransfer = errors.New("transfer id already in use")
	ErrUnknownTransfer   = errors.New("unknown transfer")
	ErrInvalidTransition = errors.New("invalid transfer state transition")
	ErrDisconnected      = errors.New("disconnected")
)
