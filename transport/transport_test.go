package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerializeParse(t *testing.T) {
	p := &Packet{PacketType: PacketFriendMessage, Data: []byte("hello")}
	data, err := p.Serialize()
	require.NoError(t, err)
	assert.Equal(t, byte(PacketFriendMessage), data[0])

	parsed, err := ParsePacket(data)
	require.NoError(t, err)
	assert.Equal(t, p.PacketType, parsed.PacketType)
	assert.Equal(t, p.Data, parsed.Data)

	_, err = (&Packet{PacketType: PacketPingRequest}).Serialize()
	assert.Error(t, err)
}

func TestParsePacketRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zero type", []byte{0, 1, 2}},
		{"past last type", []byte{byte(packetTypeEnd), 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePacket(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestPacketTypesNamed(t *testing.T) {
	for _, pt := range PacketTypes() {
		assert.NotEqual(t, "unknown", pt.String(), "type %d", pt)
	}
}

type received struct {
	packet *Packet
	addr   net.Addr
}

func TestUDPTransportRoundTrip(t *testing.T) {
	a, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan received, 1)
	b.RegisterHandler(PacketPingRequest, func(p *Packet, addr net.Addr) error {
		got <- received{p, addr}
		return nil
	})

	require.NoError(t, a.Send(&Packet{PacketType: PacketPingRequest, Data: []byte{1, 2, 3}}, b.LocalAddr()))

	select {
	case r := <-got:
		assert.Equal(t, []byte{1, 2, 3}, r.packet.Data)
		assert.Equal(t, a.LocalAddr().String(), r.addr.String())
	case <-time.After(2 * time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestUDPTransportCloseIsIdempotent(t *testing.T) {
	tr, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.NoError(t, tr.Close())

	select {
	case err := <-tr.Errors():
		t.Fatalf("close reported as failure: %v", err)
	default:
	}
}

func TestListenUDPRange(t *testing.T) {
	first, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer first.Close()
	taken := uint16(first.LocalAddr().(*net.UDPAddr).Port)

	_, err = ListenUDPRange("127.0.0.1", taken, taken)
	assert.Error(t, err)

	tr, err := ListenUDPRange("127.0.0.1", 0, 0)
	require.NoError(t, err)
	tr.Close()
}

func TestMemoryTransport(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Listen()
	b := network.Listen()
	defer a.Close()

	got := make(chan received, 1)
	b.RegisterHandler(PacketFileData, func(p *Packet, addr net.Addr) error {
		got <- received{p, addr}
		return nil
	})

	require.NoError(t, a.Send(&Packet{PacketType: PacketFileData, Data: []byte("x")}, b.LocalAddr()))
	select {
	case r := <-got:
		assert.Equal(t, a.LocalAddr(), r.addr)
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}

	require.NoError(t, b.Close())
	assert.NoError(t, a.Send(&Packet{PacketType: PacketFileData, Data: []byte("x")}, b.LocalAddr()),
		"sending to a vanished endpoint is silent like UDP")

	failure := errors.New("boom")
	a.Fail(failure)
	assert.Equal(t, failure, <-a.Errors())
}
