package net

import (
	"errors"
	"strconv"
)

// ErrorCode is the reason a channel was torn down. It travels in FIN
// datagrams and in error notifications to the application.
type ErrorCode int32

const (
	ErrOK ErrorCode = 0

	// peer initiated close
	ErrPeerDisconnect     ErrorCode = 100001
	ErrKcpPeerReset       ErrorCode = 100002
	ErrWebsocketPeerReset ErrorCode = 100003

	// handshake
	ErrKcpConnectTimeout     ErrorCode = 100101
	ErrKcpAcceptTimeout      ErrorCode = 100102
	ErrTChannelConnectFailed ErrorCode = 100103
	ErrWChannelConnectFailed ErrorCode = 100104
	ErrKcpConnectFailed      ErrorCode = 100105

	// protocol violation
	ErrKcpSplitError      ErrorCode = 100201
	ErrKcpSplitCountError ErrorCode = 100202
	ErrKcpNotFoundChannel ErrorCode = 100203
	ErrPacketParserError  ErrorCode = 100204
	ErrMessageDecodeError ErrorCode = 100205

	// resource exhaustion
	ErrKcpWaitSendSizeTooLarge ErrorCode = 100301
	ErrPacketTooLarge          ErrorCode = 100302
	ErrWebsocketMessageTooBig  ErrorCode = 100303

	// socket failures
	ErrTChannelRecvError  ErrorCode = 100401
	ErrTChannelSendError  ErrorCode = 100402
	ErrWebsocketRecvError ErrorCode = 100403
	ErrWebsocketSendError ErrorCode = 100404
	ErrSocketCantSend     ErrorCode = 100405

	// local close
	ErrServiceDisposed ErrorCode = 100501
	ErrChannelRemoved  ErrorCode = 100502
	ErrChannelIDInUse  ErrorCode = 100503
)

var _errorCodeNames = map[ErrorCode]string{
	ErrOK:                      "OK",
	ErrPeerDisconnect:          "PeerDisconnect",
	ErrKcpPeerReset:            "KcpPeerReset",
	ErrWebsocketPeerReset:      "WebsocketPeerReset",
	ErrKcpConnectTimeout:       "KcpConnectTimeout",
	ErrKcpAcceptTimeout:        "KcpAcceptTimeout",
	ErrTChannelConnectFailed:   "TChannelConnectFailed",
	ErrWChannelConnectFailed:   "WChannelConnectFailed",
	ErrKcpConnectFailed:        "KcpConnectFailed",
	ErrKcpSplitError:           "KcpSplitError",
	ErrKcpSplitCountError:      "KcpSplitCountError",
	ErrKcpNotFoundChannel:      "KcpNotFoundChannel",
	ErrPacketParserError:       "PacketParserError",
	ErrMessageDecodeError:      "MessageDecodeError",
	ErrKcpWaitSendSizeTooLarge: "KcpWaitSendSizeTooLarge",
	ErrPacketTooLarge:          "PacketTooLarge",
	ErrWebsocketMessageTooBig:  "WebsocketMessageTooBig",
	ErrTChannelRecvError:       "TChannelRecvError",
	ErrTChannelSendError:       "TChannelSendError",
	ErrWebsocketRecvError:      "WebsocketRecvError",
	ErrWebsocketSendError:      "WebsocketSendError",
	ErrSocketCantSend:          "SocketCantSend",
	ErrServiceDisposed:         "ServiceDisposed",
	ErrChannelRemoved:          "ChannelRemoved",
	ErrChannelIDInUse:          "ChannelIDInUse",
}

func (c ErrorCode) String() string {
	if s, ok := _errorCodeNames[c]; ok {
		return s
	}
	return "ErrorCode(" + strconv.Itoa(int(c)) + ")"
}

// IsPeerClose reports whether the remote side ended the session. Those are
// logged at info level instead of being treated as faults.
func (c ErrorCode) IsPeerClose() bool {
	switch c {
	case ErrPeerDisconnect, ErrKcpPeerReset, ErrWebsocketPeerReset:
		return true
	}
	return false
}

// IsTimeout reports whether the code is a handshake timeout.
func (c ErrorCode) IsTimeout() bool {
	return c == ErrKcpConnectTimeout || c == ErrKcpAcceptTimeout
}

var (
	ErrServiceNotFound = errors.New("service not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotSupported    = errors.New("operation not supported by service")
	ErrMsgNotFound     = errors.New("message not registered")
	ErrHubClosed       = errors.New("net services closed")
	ErrInvalidPacket   = errors.New("invalid packet")
)
