package testutils

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blesense/internal/gatt"
)

func TestPeripheralDeviceBuilder_FromJSON(t *testing.T) {
	p := CreateMockPeripheralDeviceFromJSON(`{
		"address": "11:22:33:44:55:66",
		"services": [
			{
				"uuid": "1809",
				"characteristics": [
					{ "uuid": "2A1C", "properties": "indicate" }
				]
			},
			{
				"uuid": "180F",
				"characteristics": [
					{ "uuid": "2A19", "properties": "read,notify", "value": [77] }
				]
			}
		]
	}`).Build()

	client, err := p.Connect(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "11:22:33:44:55:66", client.Address())
	assert.Equal(t, gatt.StateConnected, <-client.States())

	table, err := client.DiscoverServices(context.Background())
	require.NoError(t, err)
	c, err := table.Characteristic(gatt.NewCharacteristicID("1809", "2A1C"))
	require.NoError(t, err)
	assert.Equal(t, gatt.PropIndicate, c.Properties)

	value, err := client.Read(context.Background(), gatt.NewCharacteristicID("180F", "2A19"))
	require.NoError(t, err)
	assert.Equal(t, []byte{77}, value)
	assert.Equal(t, 1, p.Reads("180F", "2A19"))
}

func TestFakePeripheral_NotifyAndWriteHook(t *testing.T) {
	p := NewPeripheralDeviceBuilder().
		WithService("181F").
		WithCharacteristic("2A52", "write,indicate", nil).
		OnWrite("181F", "2A52", func(p *FakePeripheral, data []byte) {
			_ = p.Notify("181F", "2A52", []byte{0x05, 0x00, 0x00, 0x00})
		}).
		Build()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := p.Connect(ctx, "")
	require.NoError(t, err)

	id := gatt.NewCharacteristicID("181F", "2A52")
	stream, err := p.Subscribe(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.WaitSubscribed("181F", "2A52", time.Second))

	require.NoError(t, p.Write(ctx, id, []byte{0x04, 0x01}, true))
	assert.Equal(t, [][]byte{{0x04, 0x01}}, p.Writes("181F", "2A52"))

	select {
	case data := <-stream:
		assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x00}, data)
	case <-time.After(time.Second):
		t.Fatal("write hook MUST push the indication")
	}
}

func TestFakePeripheral_DropLinkClosesStreams(t *testing.T) {
	p := NewPeripheralDeviceBuilder().
		WithService("1816").
		WithCharacteristic("2A5B", "notify", nil).
		Build()

	client, err := p.Connect(context.Background(), "")
	require.NoError(t, err)
	stream, err := client.Subscribe(context.Background(), gatt.NewCharacteristicID("1816", "2A5B"))
	require.NoError(t, err)

	p.DropLink()

	var states []gatt.ConnectionState
	for st := range client.States() {
		states = append(states, st)
	}
	assert.Equal(t, []gatt.ConnectionState{gatt.StateConnected, gatt.StateDisconnected}, states)

	_, ok := <-stream
	assert.False(t, ok, "notification stream MUST close on link loss")
	assert.ErrorIs(t, p.Notify("1816", "2A5B", []byte{0}), ErrNotSubscribed)
	assert.ErrorIs(t, client.Write(context.Background(), gatt.NewCharacteristicID("1816", "2A5B"), nil, false), gatt.ErrNotConnected)
}

func TestFakePeripheral_InjectedErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewPeripheralDeviceBuilder().
		WithService("181F").
		WithCharacteristic("2AA8", "read", nil).
		WithReadError("181F", "2AA8", boom).
		Build()

	_, err := p.Connect(context.Background(), "")
	require.NoError(t, err)
	_, err = p.Read(context.Background(), gatt.NewCharacteristicID("181F", "2AA8"))
	assert.ErrorIs(t, err, boom)

	_, err = NewPeripheralDeviceBuilder().WithConnectError(boom).Build().Connect(context.Background(), "")
	assert.ErrorIs(t, err, boom)
}

func TestAdvertisementBuilder(t *testing.T) {
	adv := CreateMockAdvertisement("Thermo", "AA:BB:CC:00:11:22", -60).WithServices("1809").Build()
	assert.Equal(t, "Thermo", adv.LocalName())
	assert.Equal(t, -60, adv.RSSI())
	assert.True(t, strings.EqualFold("AA:BB:CC:00:11:22", adv.Addr().String()))
	require.Len(t, adv.Services(), 1)

	adv = NewAdvertisementBuilder().FromJSON(`{"name": "Toast", "connectable": false}`).Build()
	assert.False(t, adv.Connectable())
}
