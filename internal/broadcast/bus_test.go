package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalBus_PreservesOrder(t *testing.T) {
	req := require.New(t)
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Delivery, 100)
	go bus.Run(ctx, func(d Delivery) { got <- d })

	for i := 0; i < 50; i++ {
		req.NoError(bus.Publish(ctx, Delivery{Conns: []string{"c1"}, Payload: json.RawMessage(fmt.Sprint(i))}))
	}

	for i := 0; i < 50; i++ {
		select {
		case d := <-got:
			req.Equal(fmt.Sprint(i), string(d.Payload))
		case <-time.After(time.Second):
			t.Fatalf("delivery %d not received", i)
		}
	}
}

func TestLocalBus_SkipsEmptyDelivery(t *testing.T) {
	bus := NewLocalBus()

	// Nobody runs the bus; an addressed delivery would block here.
	require.NoError(t, bus.Publish(context.Background(), Delivery{Payload: json.RawMessage(`1`)}))
}

func TestLocalBus_PublishAfterClose(t *testing.T) {
	bus := NewLocalBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), Delivery{All: true, Payload: json.RawMessage(`1`)})

	require.ErrorIs(t, err, ErrClosed)
}

func TestLocalBus_PublishHonoursContext(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, Delivery{All: true, Payload: json.RawMessage(`1`)})

	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCodec(t *testing.T) {
	req := require.New(t)
	d := Delivery{Conns: []string{"a", "b"}, Payload: json.RawMessage(`{"event":"typing","data":4}`)}

	data, err := Encode(d)
	req.NoError(err)
	back, err := Decode(data)
	req.NoError(err)
	req.Equal(d.Conns, back.Conns)
	req.JSONEq(string(d.Payload), string(back.Payload))

	_, err = Decode([]byte(`{"conns":["a"]}`))
	req.Error(err)
	_, err = Decode([]byte(`not json`))
	req.Error(err)
}
