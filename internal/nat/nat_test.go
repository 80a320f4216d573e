package nat

import (
	"encoding/binary"
	"net"
	"testing"
)

func TestCombineURL(t *testing.T) {
	got := combineURL("http://192.168.1.1:5000/desc.xml", "/ctl/IPConn")
	want := "http://192.168.1.1:5000/ctl/IPConn"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestExtractLocation(t *testing.T) {
	answer := "HTTP/1.1 200 OK\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
		"LOCATION: http://192.168.1.1:5000/desc.xml\r\n\r\n"

	loc, ok := extractLocation(answer)
	if !ok {
		t.Fatalf("expected a location to be found")
	}
	if loc != "http://192.168.1.1:5000/desc.xml" {
		t.Fatalf("got %q", loc)
	}
}

func TestExtractLocation_Missing(t *testing.T) {
	if _, ok := extractLocation("HTTP/1.1 200 OK\r\n\r\n"); ok {
		t.Fatalf("expected no location to be found")
	}
}

func TestDecodeXorMappedAddress(t *testing.T) {
	val := make([]byte, 8)
	val[1] = 0x01
	binary.BigEndian.PutUint16(val[2:4], 54321^uint16(stunMagicCookie>>16))

	var xored [4]byte
	binary.BigEndian.PutUint32(xored[:], binary.BigEndian.Uint32(net.IPv4(203, 0, 113, 5).To4())^stunMagicCookie)
	copy(val[4:8], xored[:])

	ip, port, ok := decodeXorMappedAddress(val)
	if !ok {
		t.Fatalf("expected decode to succeed")
	}
	if port != 54321 {
		t.Fatalf("got port %d, want 54321", port)
	}
	if !ip.Equal(net.IPv4(203, 0, 113, 5)) {
		t.Fatalf("got ip %v, want 203.0.113.5", ip)
	}
}

func TestParseBindingResponse_RejectsWrongMessageType(t *testing.T) {
	resp := make([]byte, 20)
	binary.BigEndian.PutUint16(resp[0:2], 0x0111) // binding error response
	if _, _, err := parseBindingResponse(resp, [12]byte{}); err == nil {
		t.Fatalf("expected an error for a non-success binding response")
	}
}
