package handler

import (
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/linkingthing/cement/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
)

func TestMain(m *testing.M) {
	log.InitLogger(log.Info)
	os.Exit(m.Run())
}

const homePolicyDocument = `
policies:
  - name: root
    apply-dns-servers: [192.0.2.53]
    apply-ntp-servers: [192.0.2.123]
    policies:
      - name: lan
        match-subnet: 192.0.2.0/24
        apply-subnet: 192.0.2.0/24
        policies:
          - match-hardware-address: 00:00:5e:00:53:01
            apply-address: 192.0.2.1
          - match-hardware-address: 00:00:5e:00:53:02
            apply-address: 192.0.2.2
          - match-vendor-class: android-dhcp-13
            apply-range: {start: 192.0.2.100, end: 192.0.2.110}
            apply-lease-time: 1h
      - name: guest
        apply-subnet: 198.51.100.0/24
        policies:
          - match-hardware-address: 00:00:5e:00:53:f0
          - match-hardware-address: 00:00:5e:00:53:f1
`

var (
	macHost1   = mustMac("00:00:5e:00:53:01")
	macHost3   = mustMac("00:00:5e:00:53:03")
	macPhone   = mustMac("00:00:5e:00:53:a0")
	macGuestF0 = mustMac("00:00:5e:00:53:f0")
	serverIP   = net.ParseIP("192.0.2.254").To4()
	ntpCode    = dhcpv4.GenericOptionCode(uint8(resource.OptionNTPServers))
)

func mustMac(s string) net.HardwareAddr {
	hw, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return hw
}

func newHomeHandler(t *testing.T) *PacketHandler {
	registry := resource.NewOptionRegistry()
	policies, err := resource.ParsePolicies([]byte(homePolicyDocument), registry)
	require.NoError(t, err)

	snapshots := service.NewSnapshotHolder(registry)
	_, err = snapshots.Reload(policies)
	require.NoError(t, err)

	dhcpService := service.NewDHCPService(snapshots, service.NewLeaseAllocator(0), 12*time.Hour)
	return NewPacketHandler(dhcpService, netip.MustParseAddr("192.0.2.254"),
		netip.MustParsePrefix("192.0.2.0/24"))
}

func discover(t *testing.T, hw net.HardwareAddr, modifiers ...dhcpv4.Modifier) *dhcpv4.DHCPv4 {
	req, err := dhcpv4.NewDiscovery(hw, modifiers...)
	require.NoError(t, err)
	return req
}

func TestDiscoverOfferRequestAck(t *testing.T) {
	h := newHomeHandler(t)

	offer, err := h.Handle(discover(t, macHost1,
		dhcpv4.WithRequestedOptions(dhcpv4.OptionDomainNameServer, ntpCode)))
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Equal(t, dhcpv4.MessageTypeOffer, offer.MessageType())
	assert.True(t, offer.YourIPAddr.Equal(net.ParseIP("192.0.2.1")))
	assert.True(t, offer.ServerIdentifier().Equal(serverIP))
	assert.Equal(t, 12*time.Hour, offer.IPAddressLeaseTime(0))
	require.Len(t, offer.DNS(), 1)
	assert.True(t, offer.DNS()[0].Equal(net.ParseIP("192.0.2.53")))
	assert.Equal(t, []byte{192, 0, 2, 123}, offer.GetOneOption(ntpCode))
	assert.Nil(t, offer.GetOneOption(dhcpv4.OptionRouter))

	req, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)
	ack, err := h.Handle(req)
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, dhcpv4.MessageTypeAck, ack.MessageType())
	assert.True(t, ack.YourIPAddr.Equal(net.ParseIP("192.0.2.1")))

	lease, ok := h.dhcpService.Allocator().GetLease(netip.MustParseAddr("192.0.2.1"))
	require.True(t, ok)
	assert.Equal(t, resource.LeaseStateBound, lease.State)
	assert.Equal(t, "root/lan/#0", lease.Scope)
}

func TestDiscoverRequestedAddress(t *testing.T) {
	h := newHomeHandler(t)

	req := discover(t, macHost3, dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("192.0.2.77"))))
	assert.Equal(t, netip.MustParseAddr("192.0.2.77"), h.RequestContext(req, resource.NewOptionRegistry()).RequestedAddress)
	offer, err := h.Handle(req)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.True(t, offer.YourIPAddr.Equal(net.ParseIP("192.0.2.77")))

	// reserved for host1, so the lowest free address is offered instead
	other := discover(t, mustMac("00:00:5e:00:53:04"),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("192.0.2.1"))))
	offer, err = h.Handle(other)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.True(t, offer.YourIPAddr.Equal(net.ParseIP("192.0.2.3")))
}

func TestReplyOnlyRequestedOptions(t *testing.T) {
	h := newHomeHandler(t)

	// the default request list has dns servers but no ntp servers
	offer, err := h.Handle(discover(t, macHost3))
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Len(t, offer.DNS(), 1)
	assert.Nil(t, offer.GetOneOption(ntpCode))

	req := discover(t, macHost3)
	req.Options.Del(dhcpv4.OptionParameterRequestList)
	offer, err = h.Handle(req)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.Empty(t, offer.DNS())
	assert.Nil(t, offer.GetOneOption(ntpCode))
	assert.Equal(t, 12*time.Hour, offer.IPAddressLeaseTime(0))
}

func TestRequestNak(t *testing.T) {
	h := newHomeHandler(t)

	offer, err := h.Handle(discover(t, macHost1))
	require.NoError(t, err)
	req, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)

	req.UpdateOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("192.0.2.9")))
	nak, err := h.Handle(req)
	require.NoError(t, err)
	require.NotNil(t, nak)
	assert.Equal(t, dhcpv4.MessageTypeNak, nak.MessageType())
	assert.True(t, nak.YourIPAddr.IsUnspecified())

	req.UpdateOption(dhcpv4.OptServerIdentifier(net.ParseIP("192.0.2.250")))
	resp, err := h.Handle(req)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestRelayedDiscover(t *testing.T) {
	h := newHomeHandler(t)

	req := discover(t, macGuestF0)
	req.GatewayIPAddr = net.ParseIP("203.0.113.1").To4()
	assert.Equal(t, netip.MustParsePrefix("203.0.113.1/32"), h.RequestContext(req, resource.NewOptionRegistry()).Subnet)

	offer, err := h.Handle(req)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.True(t, offer.YourIPAddr.Equal(net.ParseIP("198.51.100.1")))
	assert.True(t, offer.GatewayIPAddr.Equal(net.ParseIP("203.0.113.1")))

	unknown := discover(t, macHost3)
	unknown.GatewayIPAddr = net.ParseIP("203.0.113.1").To4()
	resp, err := h.Handle(unknown)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestVendorClassMatch(t *testing.T) {
	h := newHomeHandler(t)

	req := discover(t, macPhone,
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("android-dhcp-13")),
		dhcpv4.WithRequestedOptions(dhcpv4.OptionIPAddressLeaseTime))
	ctx := h.RequestContext(req, resource.NewOptionRegistry())
	assert.Equal(t, netip.MustParsePrefix("192.0.2.0/24"), ctx.Subnet)
	assert.Equal(t, "android-dhcp-13", ctx.ReceivedOptions[resource.OptionVendorClass].Str())
	assert.Contains(t, ctx.RequestedOptions, resource.OptionLeaseTime)

	offer, err := h.Handle(req)
	require.NoError(t, err)
	require.NotNil(t, offer)
	assert.True(t, offer.YourIPAddr.Equal(net.ParseIP("192.0.2.100")))
	assert.Equal(t, time.Hour, offer.IPAddressLeaseTime(0))
}

func TestReleaseAndDecline(t *testing.T) {
	h := newHomeHandler(t)
	allocator := h.dhcpService.Allocator()

	offer, err := h.Handle(discover(t, macHost3))
	require.NoError(t, err)
	require.NotNil(t, offer)
	addr := netip.MustParseAddr("192.0.2.3")
	assert.True(t, offer.YourIPAddr.Equal(net.IP(addr.AsSlice())))

	req, err := dhcpv4.NewRequestFromOffer(offer)
	require.NoError(t, err)
	ack, err := h.Handle(req)
	require.NoError(t, err)

	release, err := dhcpv4.NewReleaseFromACK(ack)
	require.NoError(t, err)
	resp, err := h.Handle(release)
	assert.NoError(t, err)
	assert.Nil(t, resp)
	lease, ok := allocator.GetLease(addr)
	require.True(t, ok)
	assert.Equal(t, resource.LeaseStateReleased, lease.State)

	offer, err = h.Handle(discover(t, macHost3))
	require.NoError(t, err)
	assert.True(t, offer.YourIPAddr.Equal(net.IP(addr.AsSlice())))

	decline, err := dhcpv4.New(
		dhcpv4.WithMessageType(dhcpv4.MessageTypeDecline),
		dhcpv4.WithHwAddr(macHost3),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.IP(addr.AsSlice()))))
	require.NoError(t, err)
	resp, err = h.Handle(decline)
	assert.NoError(t, err)
	assert.Nil(t, resp)
	_, ok = allocator.GetLease(addr)
	assert.False(t, ok)

	offer, err = h.Handle(discover(t, macHost3))
	require.NoError(t, err)
	assert.True(t, offer.YourIPAddr.Equal(net.ParseIP("192.0.2.4")))
}

func TestIgnoreReplies(t *testing.T) {
	h := newHomeHandler(t)
	req := discover(t, macHost1)
	req.OpCode = dhcpv4.OpcodeBootReply
	resp, err := h.Handle(req)
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestReplyPeer(t *testing.T) {
	peer := &net.UDPAddr{IP: net.ParseIP("192.0.2.77"), Port: dhcpv4.ClientPort}
	ack, _ := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeAck))
	nak, _ := dhcpv4.New(dhcpv4.WithMessageType(dhcpv4.MessageTypeNak))

	relayed, _ := dhcpv4.New()
	relayed.GatewayIPAddr = net.ParseIP("203.0.113.1").To4()
	renewing, _ := dhcpv4.New()
	renewing.ClientIPAddr = net.ParseIP("192.0.2.1").To4()
	broadcast, _ := dhcpv4.New(dhcpv4.WithBroadcast(true))
	unicast, _ := dhcpv4.New()

	tests := []struct {
		req      *dhcpv4.DHCPv4
		resp     *dhcpv4.DHCPv4
		expected string
	}{
		{relayed, ack, "203.0.113.1:67"},
		{renewing, nak, "255.255.255.255:68"},
		{renewing, ack, "192.0.2.1:68"},
		{broadcast, ack, "255.255.255.255:68"},
		{unicast, ack, "192.0.2.77:68"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, replyPeer(tt.req, tt.resp, peer).String())
	}
}
