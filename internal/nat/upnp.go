package nat

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// searchTargets is the probe order (spec §4.5): a router advertising
// InternetGatewayDevice:1 is searched first, falling back to a direct
// WANIPConnection:1 probe for routers that skip the umbrella device.
var searchTargets = []string{"device:InternetGatewayDevice:1", "service:WANIPConnection:1"}

// upnpGateway is a discovered router's WANIPConnection control endpoint.
type upnpGateway struct {
	serviceURL string
	urnDomain  string
	localIP    net.IP
}

// discoverUPnP runs SSDP M-SEARCH against each search target in order,
// spaced at least 500ms apart, and returns the first gateway that
// answers with a usable WANIPConnection service.
func discoverUPnP(ctx context.Context, localIP net.IP) (*upnpGateway, error) {
	var lastErr error
	for i, st := range searchTargets {
		if i > 0 {
			if err := sleepCtx(ctx, probeSpacing); err != nil {
				return nil, err
			}
		}
		gw, err := ssdpSearch(ctx, localIP, st)
		if err == nil {
			return gw, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("nat: upnp discovery failed: %w", lastErr)
}

func ssdpSearch(ctx context.Context, localIP net.IP, searchTarget string) (*upnpGateway, error) {
	ssdpAddr, err := net.ResolveUDPAddr("udp4", "239.255.255.250:1900")
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenPacket("udp4", net.JoinHostPort(localIP.String(), "0"))
	if err != nil {
		return nil, err
	}
	socket := conn.(*net.UDPConn)
	defer socket.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	if err := socket.SetDeadline(deadline); err != nil {
		return nil, err
	}

	req := bytes.NewBufferString(
		"M-SEARCH * HTTP/1.1\r\n" +
			"HOST: 239.255.255.250:1900\r\n" +
			"ST: urn:schemas-upnp-org:" + searchTarget + "\r\n" +
			"MAN: \"ssdp:discover\"\r\n" +
			"MX: 2\r\n\r\n")
	message := req.Bytes()

	answer := make([]byte, 2048)
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := socket.WriteToUDP(message, ssdpAddr); err != nil {
			return nil, err
		}
		for {
			n, _, err := socket.ReadFromUDP(answer)
			if err != nil {
				break
			}
			text := string(answer[:n])
			if !strings.Contains(text, searchTarget) {
				continue
			}
			loc, ok := extractLocation(text)
			if !ok {
				continue
			}
			return resolveGateway(ctx, localIP, loc)
		}
	}
	return nil, errors.New("nat: no ssdp response for " + searchTarget)
}

func extractLocation(answer string) (string, bool) {
	lower := strings.ToLower(answer)
	const marker = "\r\nlocation:"
	idx := strings.Index(lower, marker)
	if idx < 0 {
		return "", false
	}
	rest := answer[idx+len(marker):]
	end := strings.Index(rest, "\r\n")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

type upnpService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

type upnpDeviceList struct {
	Device []upnpDevice `xml:"device"`
}

type upnpServiceList struct {
	Service []upnpService `xml:"service"`
}

type upnpDevice struct {
	DeviceType  string          `xml:"deviceType"`
	DeviceList  upnpDeviceList  `xml:"deviceList"`
	ServiceList upnpServiceList `xml:"serviceList"`
}

type upnpRoot struct {
	Device upnpDevice `xml:"device"`
}

func findChildDevice(d *upnpDevice, deviceType string) *upnpDevice {
	for i := range d.DeviceList.Device {
		if strings.Contains(d.DeviceList.Device[i].DeviceType, deviceType) {
			return &d.DeviceList.Device[i]
		}
	}
	return nil
}

func findChildService(d *upnpDevice, serviceType string) *upnpService {
	for i := range d.ServiceList.Service {
		if strings.Contains(d.ServiceList.Service[i].ServiceType, serviceType) {
			return &d.ServiceList.Service[i]
		}
	}
	return nil
}

func resolveGateway(ctx context.Context, localIP net.IP, rootURL string) (*upnpGateway, error) {
	client := httpClientFrom(localIP)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rootURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("nat: unexpected status %d fetching device description", resp.StatusCode)
	}

	var root upnpRoot
	if err := xml.NewDecoder(resp.Body).Decode(&root); err != nil {
		return nil, err
	}

	gw := &root.Device
	if !strings.Contains(gw.DeviceType, "InternetGatewayDevice:1") {
		return nil, errors.New("nat: root device is not an InternetGatewayDevice")
	}
	wan := findChildDevice(gw, "WANDevice:1")
	if wan == nil {
		return nil, errors.New("nat: no WANDevice")
	}
	wanConn := findChildDevice(wan, "WANConnectionDevice:1")
	if wanConn == nil {
		return nil, errors.New("nat: no WANConnectionDevice")
	}
	svc := findChildService(wanConn, "WANIPConnection:1")
	if svc == nil {
		svc = findChildService(wan, "WANIPConnection:1")
		if svc == nil {
			return nil, errors.New("nat: no WANIPConnection service")
		}
	}

	urnDomain := strings.Split(svc.ServiceType, ":")[1]
	return &upnpGateway{serviceURL: combineURL(rootURL, svc.ControlURL), urnDomain: urnDomain, localIP: localIP}, nil
}

func combineURL(rootURL, subURL string) string {
	const protoSep = "://"
	i := strings.Index(rootURL, protoSep)
	if i < 0 {
		return subURL
	}
	afterProto := rootURL[i+len(protoSep):]
	slash := strings.Index(afterProto, "/")
	if slash < 0 {
		return rootURL + subURL
	}
	return rootURL[:i+len(protoSep)+slash] + subURL
}

func httpClientFrom(localIP net.IP) *http.Client {
	return &http.Client{
		Timeout: 3 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				LocalAddr: &net.TCPAddr{IP: localIP},
				Timeout:   3 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   3 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

type soapEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Data []byte `xml:",innerxml"`
	} `xml:"Body"`
}

func (g *upnpGateway) soapRequest(ctx context.Context, function, body string) ([]byte, error) {
	envelope := `<?xml version="1.0" ?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">` +
		`<s:Body>` + body + `</s:Body></s:Envelope>`

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.serviceURL, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"urn:%s:service:WANIPConnection:1#%s"`, g.urnDomain, function))
	req.Header.Set("Connection", "Close")

	resp, err := httpClientFrom(g.localIP).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("nat: upnp %s failed with status %d", function, resp.StatusCode)
	}

	var env soapEnvelope
	if err := xml.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, err
	}
	return env.Body.Data, nil
}

func (g *upnpGateway) externalIP(ctx context.Context) (net.IP, error) {
	msg := fmt.Sprintf(`<u:GetExternalIPAddress xmlns:u="urn:%s:service:WANIPConnection:1"></u:GetExternalIPAddress>`, g.urnDomain)
	reply, err := g.soapRequest(ctx, "GetExternalIPAddress", msg)
	if err != nil {
		return nil, err
	}
	var out struct {
		Address string `xml:"NewExternalIPAddress"`
	}
	if err := xml.Unmarshal(reply, &out); err != nil {
		return nil, err
	}
	ip := net.ParseIP(out.Address)
	if ip == nil {
		return nil, errors.New("nat: upnp returned an unparseable external ip")
	}
	return ip, nil
}

func (g *upnpGateway) addPortMapping(ctx context.Context, proto string, internalIP net.IP, internalPort, externalPort uint16, description string, leaseSeconds int) error {
	msg := fmt.Sprintf(`<u:AddPortMapping xmlns:u="urn:%s:service:WANIPConnection:1">`+
		`<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort>`+
		`<NewProtocol>%s</NewProtocol><NewInternalPort>%d</NewInternalPort>`+
		`<NewInternalClient>%s</NewInternalClient><NewEnabled>1</NewEnabled>`+
		`<NewPortMappingDescription>%s</NewPortMappingDescription>`+
		`<NewLeaseDuration>%d</NewLeaseDuration></u:AddPortMapping>`,
		g.urnDomain, externalPort, strings.ToUpper(proto), internalPort, internalIP.String(), description, leaseSeconds)

	_, err := g.soapRequest(ctx, "AddPortMapping", msg)
	return err
}

func (g *upnpGateway) deletePortMapping(ctx context.Context, proto string, externalPort uint16) error {
	msg := fmt.Sprintf(`<u:DeletePortMapping xmlns:u="urn:%s:service:WANIPConnection:1">`+
		`<NewRemoteHost></NewRemoteHost><NewExternalPort>%d</NewExternalPort>`+
		`<NewProtocol>%s</NewProtocol></u:DeletePortMapping>`,
		g.urnDomain, externalPort, strings.ToUpper(proto))

	_, err := g.soapRequest(ctx, "DeletePortMapping", msg)
	return err
}
