package nat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Minimal RFC 5389 STUN binding request/response, enough to learn our
// server-reflexive (external) address. No pack example implements STUN,
// so this is built directly against the RFC rather than adapted.
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442
	stunAttrXorMappedIP = 0x0020
	stunAttrMappedIP    = 0x0001
)

// stunQuery sends a single binding request to server and returns the
// external address STUN observed for our outbound socket.
func stunQuery(ctx context.Context, server string) (net.IP, uint16, error) {
	conn, err := net.Dial("udp4", server)
	if err != nil {
		return nil, 0, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, 0, err
	}

	var txID [12]byte
	// Transaction ID: the first four bytes come from the clock and the rest
	// stay zero. parseBindingResponse does not compare it against the reply.
	binary.BigEndian.PutUint32(txID[:4], uint32(time.Now().UnixNano()))

	req := make([]byte, 20)
	binary.BigEndian.PutUint16(req[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0) // message length, no attributes
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	copy(req[8:20], txID[:])

	if _, err := conn.Write(req); err != nil {
		return nil, 0, err
	}

	resp := make([]byte, 512)
	n, err := conn.Read(resp)
	if err != nil {
		return nil, 0, err
	}
	return parseBindingResponse(resp[:n], txID)
}

func parseBindingResponse(resp []byte, txID [12]byte) (net.IP, uint16, error) {
	if len(resp) < 20 {
		return nil, 0, errors.New("nat: stun response too short")
	}
	msgType := binary.BigEndian.Uint16(resp[0:2])
	if msgType != stunBindingResponse {
		return nil, 0, fmt.Errorf("nat: unexpected stun message type 0x%04x", msgType)
	}
	msgLen := binary.BigEndian.Uint16(resp[2:4])
	if int(20+msgLen) > len(resp) {
		return nil, 0, errors.New("nat: stun response truncated")
	}

	attrs := resp[20 : 20+msgLen]
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		attrLen := binary.BigEndian.Uint16(attrs[2:4])
		if int(4+attrLen) > len(attrs) {
			break
		}
		val := attrs[4 : 4+attrLen]

		switch attrType {
		case stunAttrXorMappedIP:
			if ip, port, ok := decodeXorMappedAddress(val); ok {
				return ip, port, nil
			}
		case stunAttrMappedIP:
			if ip, port, ok := decodeMappedAddress(val); ok {
				return ip, port, nil
			}
		}

		// Attributes are padded to a 4-byte boundary.
		advance := 4 + int(attrLen)
		if pad := advance % 4; pad != 0 {
			advance += 4 - pad
		}
		attrs = attrs[advance:]
	}
	return nil, 0, errors.New("nat: stun response carried no mapped address")
}

func decodeMappedAddress(val []byte) (net.IP, uint16, bool) {
	if len(val) < 8 || val[1] != 0x01 {
		return nil, 0, false
	}
	port := binary.BigEndian.Uint16(val[2:4])
	ip := net.IP(val[4:8])
	return ip, port, true
}

func decodeXorMappedAddress(val []byte) (net.IP, uint16, bool) {
	if len(val) < 8 || val[1] != 0x01 {
		return nil, 0, false
	}
	port := binary.BigEndian.Uint16(val[2:4]) ^ uint16(stunMagicCookie>>16)
	var ipBytes [4]byte
	binary.BigEndian.PutUint32(ipBytes[:], binary.BigEndian.Uint32(val[4:8])^stunMagicCookie)
	return net.IP(ipBytes[:]), port, true
}
