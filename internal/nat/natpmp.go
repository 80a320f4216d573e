package nat

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// NAT-PMP (RFC 6886) opcodes and result codes; no pack example implements
// this protocol, so this is a from-scratch, spec-literal encoding.
const (
	pmpOpExternalAddress  = 0
	pmpOpMapUDP           = 1
	pmpOpMapTCP           = 2
	pmpResponseBit        = 0x80
	pmpResultSuccess      = 0
	pmpServerPort         = 5351
	pmpDefaultLeaseSecond = 3600
)

type natPMPClient struct {
	gatewayIP net.IP
}

func discoverNATPMP(gatewayIP net.IP) *natPMPClient {
	return &natPMPClient{gatewayIP: gatewayIP}
}

func (c *natPMPClient) roundTrip(ctx context.Context, req []byte, respLen int) ([]byte, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(c.gatewayIP.String(), fmt.Sprint(pmpServerPort)))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := conn.Write(req); err != nil {
		return nil, err
	}

	buf := make([]byte, respLen)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *natPMPClient) externalIP(ctx context.Context) (net.IP, error) {
	req := []byte{0, pmpOpExternalAddress}
	resp, err := c.roundTrip(ctx, req, 12)
	if err != nil {
		return nil, err
	}
	if len(resp) < 12 || resp[1] != pmpOpExternalAddress|pmpResponseBit {
		return nil, errors.New("nat: malformed NAT-PMP external address response")
	}
	if result := binary.BigEndian.Uint16(resp[2:4]); result != pmpResultSuccess {
		return nil, fmt.Errorf("nat: NAT-PMP external address request failed, result %d", result)
	}
	return net.IP(resp[8:12]), nil
}

func (c *natPMPClient) addPortMapping(ctx context.Context, proto string, internalPort, externalPort uint16, leaseSeconds uint32) (uint16, error) {
	op := byte(pmpOpMapUDP)
	if strings.EqualFold(proto, "tcp") {
		op = pmpOpMapTCP
	}
	if leaseSeconds == 0 {
		leaseSeconds = pmpDefaultLeaseSecond
	}

	req := make([]byte, 12)
	req[1] = op
	binary.BigEndian.PutUint16(req[4:6], internalPort)
	binary.BigEndian.PutUint16(req[6:8], externalPort)
	binary.BigEndian.PutUint32(req[8:12], leaseSeconds)

	resp, err := c.roundTrip(ctx, req, 16)
	if err != nil {
		return 0, err
	}
	if len(resp) < 16 || resp[1] != op|pmpResponseBit {
		return 0, errors.New("nat: malformed NAT-PMP mapping response")
	}
	if result := binary.BigEndian.Uint16(resp[2:4]); result != pmpResultSuccess {
		return 0, fmt.Errorf("nat: NAT-PMP mapping request failed, result %d", result)
	}
	return binary.BigEndian.Uint16(resp[12:14]), nil
}

// deletePortMapping sends a mapping request with external port and
// lifetime both zero, which RFC 6886 defines as a deletion.
func (c *natPMPClient) deletePortMapping(ctx context.Context, proto string, internalPort uint16) error {
	op := byte(pmpOpMapUDP)
	if strings.EqualFold(proto, "tcp") {
		op = pmpOpMapTCP
	}
	req := make([]byte, 12)
	req[1] = op
	binary.BigEndian.PutUint16(req[4:6], internalPort)

	resp, err := c.roundTrip(ctx, req, 16)
	if err != nil {
		return err
	}
	if len(resp) < 16 || resp[1] != op|pmpResponseBit {
		return errors.New("nat: malformed NAT-PMP mapping response")
	}
	if result := binary.BigEndian.Uint16(resp[2:4]); result != pmpResultSuccess {
		return fmt.Errorf("nat: NAT-PMP mapping delete failed, result %d", result)
	}
	return nil
}
