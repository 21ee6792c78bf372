package net

import "encoding/binary"

// Control plane of the reliable UDP transport. Every datagram starts with a
// flag byte followed by little endian connection numbers written from the
// sender's point of view.
const (
	kcpFlagSYN                byte = 1 // [1][local][remote][realAddress...]
	kcpFlagACK                byte = 2 // [2][local][remote]
	kcpFlagFIN                byte = 3 // [3][local][remote][errorCode]
	kcpFlagMSG                byte = 4 // [4][local][segments...]
	kcpFlagRouterReconnectSYN byte = 5 // [5][local][remote][connectId]
	kcpFlagRouterReconnectACK byte = 6 // [6][local][remote][connectId]
	kcpFlagRouterSYN          byte = 7
	kcpFlagRouterACK          byte = 8
)

const (
	kcpConnectTimeoutMs = 20000
	kcpSynIntervalMs    = 300
	kcpFinRepeat        = 3

	// records up to this size are sent whole, larger ones are split
	kcpMaxRecordSize = 10000
	kcpSplitHeadSize = 8

	kcpMaxDatagramSize = 2048
)

func appendKcpHead(b []byte, flag byte, local, remote uint32) []byte {
	b = append(b, flag)
	b = binary.LittleEndian.AppendUint32(b, local)
	return binary.LittleEndian.AppendUint32(b, remote)
}

func encodeKcpSYN(local, remote uint32, realAddress string) []byte {
	b := appendKcpHead(make([]byte, 0, 9+len(realAddress)), kcpFlagSYN, local, remote)
	return append(b, realAddress...)
}

func encodeKcpACK(local, remote uint32) []byte {
	return appendKcpHead(make([]byte, 0, 9), kcpFlagACK, local, remote)
}

func encodeKcpFIN(local, remote uint32, code ErrorCode) []byte {
	b := appendKcpHead(make([]byte, 0, 13), kcpFlagFIN, local, remote)
	return binary.LittleEndian.AppendUint32(b, uint32(code))
}

func encodeKcpRouter(flag byte, local, remote, connectID uint32) []byte {
	b := appendKcpHead(make([]byte, 0, 13), flag, local, remote)
	return binary.LittleEndian.AppendUint32(b, connectID)
}

// decodeKcpConns reads the sender's local and remote connection numbers.
func decodeKcpConns(b []byte) (senderLocal, senderRemote uint32) {
	return binary.LittleEndian.Uint32(b[1:5]), binary.LittleEndian.Uint32(b[5:9])
}

// encodeSplitHead is the record announcing a split send of total bytes.
func encodeSplitHead(total int) []byte {
	b := make([]byte, kcpSplitHeadSize)
	binary.LittleEndian.PutUint32(b[4:], uint32(total))
	return b
}

// decodeSplitHead reports whether an 8 byte record is a split header.
func decodeSplitHead(b []byte) (int, bool) {
	if len(b) != kcpSplitHeadSize || binary.LittleEndian.Uint32(b) != 0 {
		return 0, false
	}
	return int(binary.LittleEndian.Uint32(b[4:])), true
}
