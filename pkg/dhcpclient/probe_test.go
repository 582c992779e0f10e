package dhcpclient

import (
	"encoding/binary"
	"net"
	"net/netip"
	"os"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/linkingthing/cement/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestMain(m *testing.M) {
	log.InitLogger(log.Info)
	os.Exit(m.Run())
}

var testXid = dhcpv4.TransactionID{0x01, 0x02, 0x03, 0x04}

func rawOffer(t *testing.T, xid dhcpv4.TransactionID, server string, msgType dhcpv4.MessageType) []byte {
	offer, err := dhcpv4.New(
		dhcpv4.WithTransactionID(xid),
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.ParseIP(server))))
	require.NoError(t, err)
	offer.OpCode = dhcpv4.OpcodeBootReply

	datagram, err := makeRawUDPPacket(offer.ToBytes())
	require.NoError(t, err)
	binary.BigEndian.PutUint16(datagram[ipv4.HeaderLen:], uint16(dhcpv4.ServerPort))
	binary.BigEndian.PutUint16(datagram[ipv4.HeaderLen+2:], uint16(dhcpv4.ClientPort))
	return datagram
}

func TestMakeRawUDPPacket(t *testing.T) {
	payload := []byte("discover")
	datagram, err := makeRawUDPPacket(payload)
	require.NoError(t, err)

	var header ipv4.Header
	require.NoError(t, header.Parse(datagram))
	assert.Equal(t, 17, header.Protocol)
	assert.True(t, header.Dst.Equal(net.IPv4bcast))
	assert.Equal(t, ipv4.HeaderLen+8+len(payload), len(datagram))

	udp := datagram[ipv4.HeaderLen:]
	assert.Equal(t, uint16(dhcpv4.ClientPort), binary.BigEndian.Uint16(udp[0:2]))
	assert.Equal(t, uint16(dhcpv4.ServerPort), binary.BigEndian.Uint16(udp[2:4]))
	assert.Equal(t, uint16(8+len(payload)), binary.BigEndian.Uint16(udp[4:6]))
	assert.Equal(t, payload, udp[8:])
}

func TestOfferServer(t *testing.T) {
	server, ok := offerServer(rawOffer(t, testXid, "192.0.2.1", dhcpv4.MessageTypeOffer), testXid)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.0.2.1"), server)

	_, ok = offerServer(rawOffer(t, dhcpv4.TransactionID{9, 9, 9, 9}, "192.0.2.1", dhcpv4.MessageTypeOffer), testXid)
	assert.False(t, ok)

	_, ok = offerServer(rawOffer(t, testXid, "192.0.2.1", dhcpv4.MessageTypeAck), testXid)
	assert.False(t, ok)

	discover, err := makeRawUDPPacket([]byte("not dhcp"))
	require.NoError(t, err)
	_, ok = offerServer(discover, testXid)
	assert.False(t, ok)

	truncated := rawOffer(t, testXid, "192.0.2.1", dhcpv4.MessageTypeOffer)
	_, ok = offerServer(truncated[:ipv4.HeaderLen+4], testXid)
	assert.False(t, ok)
}

func TestAppendServer(t *testing.T) {
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")
	servers := appendServer(nil, a)
	servers = appendServer(servers, b)
	servers = appendServer(servers, a)
	assert.Equal(t, []netip.Addr{a, b}, servers)
}
