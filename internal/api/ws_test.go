package api

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexohlc/internal/model"
)

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPrice(t *testing.T, conn *websocket.Conn) PriceMsg {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg PriceMsg
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWS_StreamsFilteredPrices(t *testing.T) {
	s, _, ctrl, srv := newTestServer(t)

	conn := dialWS(t, srv.URL+"/ws?pairs=WBNB/USDT")
	require.Eventually(t, func() bool { return ctrl.bus.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Hub().ClientCount())

	ctrl.bus.Publish(model.PricePoint{Pair: "CAKE/WBNB", Price: 0.01})
	ctrl.bus.Publish(model.PricePoint{Pair: "WBNB/USDT", Price: 301})

	msg := readPrice(t, conn)
	assert.Equal(t, "price", msg.Type)
	assert.Equal(t, "WBNB/USDT", msg.Data.Pair)
	assert.Equal(t, 301.0, msg.Data.Price)
}

func TestWS_SubscribeMessage(t *testing.T) {
	_, _, ctrl, srv := newTestServer(t)

	conn := dialWS(t, srv.URL+"/ws?pairs=WBNB/USDT")
	require.NoError(t, conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", Pairs: []string{"CAKE/WBNB"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribed", ack["type"])

	require.NoError(t, conn.WriteJSON(SubscribeMsg{Type: "UNSUBSCRIBE", Pairs: []string{"WBNB/USDT"}}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "unsubscribed", ack["type"])

	ctrl.bus.Publish(model.PricePoint{Pair: "WBNB/USDT", Price: 301})
	ctrl.bus.Publish(model.PricePoint{Pair: "CAKE/WBNB", Price: 0.02})
	msg := readPrice(t, conn)
	assert.Equal(t, "CAKE/WBNB", msg.Data.Pair)
}

func TestWS_HubCloseDisconnects(t *testing.T) {
	s, _, ctrl, srv := newTestServer(t)

	conn := dialWS(t, srv.URL+"/ws")
	require.Eventually(t, func() bool { return s.Hub().ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	s.Hub().Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, s.Hub().ClientCount())
	assert.Equal(t, 0, ctrl.bus.Len())
}

func TestWS_ReplayBackfillsFilteredGap(t *testing.T) {
	_, _, ctrl, srv := newTestServer(t)
	for i, pair := range []string{"WBNB/USDT", "CAKE/WBNB", "WBNB/USDT", "WBNB/USDT"} {
		ctrl.replay.Push(model.PricePoint{Pair: pair, Price: float64(300 + i), Seq: uint64(i + 1)})
	}

	conn := dialWS(t, srv.URL+"/ws?pairs=WBNB/USDT")
	require.NoError(t, conn.WriteJSON(SubscribeMsg{Type: "REPLAY", FromSeq: 2, ToSeq: 3}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ReplayMsg
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "replay", msg.Type)
	require.Len(t, msg.Data, 1)
	assert.Equal(t, uint64(3), msg.Data[0].Seq)
}
