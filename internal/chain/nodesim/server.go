// Package nodesim is an in-process stand-in for an Ethereum node. It speaks
// enough JSON-RPC (websocket and HTTP POST) for the ingestion path:
// eth_subscribe/eth_unsubscribe for logs, eth_call against registered pair
// and token contracts, eth_getBlockByNumber, eth_blockNumber and eth_chainId.
// It backs cmd/fakenode and the source tests.
package nodesim

import (
	"bytes"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dexohlc/internal/chain/decoder"
	"dexohlc/internal/chain/source"
)

// ChainID reported by eth_chainId (BNB Smart Chain).
const ChainID = 56

const maxBlockTimes = 4096

// Stats counts server-side activity.
type Stats struct {
	Connections  int64
	Subscribes   int64
	Unsubscribes int64
	Calls        int64
	Published    int64
}

type call struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type reply struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id"`
	Result  interface{}      `json:"result,omitempty"`
	Error   *source.RPCError `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  notifyParams `json:"params"`
}

type notifyParams struct {
	Subscription string         `json:"subscription"`
	Result       source.WireLog `json:"result"`
}

type callArgs struct {
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

// peer is one websocket connection.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]source.LogFilter
}

func (p *peer) write(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.writeRaw(b)
}

func (p *peer) writeRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

// Server is the simulated node. The zero value is not usable; call New.
type Server struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	peers      map[*peer]struct{}
	contracts  map[common.Address]map[string][]byte // selector hex → return data
	blockTimes map[uint64]time.Time
	head       uint64
	subSeq     uint64

	// RejectConnections makes websocket upgrades fail with 503.
	RejectConnections atomic.Bool
	// RejectSubscriptions answers every eth_subscribe with an error.
	RejectSubscriptions atomic.Bool

	connections  atomic.Int64
	subscribes   atomic.Int64
	unsubscribes atomic.Int64
	calls        atomic.Int64
	published    atomic.Int64
}

// New creates an empty simulated node.
func New(log zerolog.Logger) *Server {
	return &Server{
		log:        log,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		peers:      make(map[*peer]struct{}),
		contracts:  make(map[common.Address]map[string][]byte),
		blockTimes: make(map[uint64]time.Time),
	}
}

// AddToken registers an ERC-20 contract answering symbol, name and decimals.
func (s *Server) AddToken(addr common.Address, symbol, name string, decimals uint8) error {
	if err := s.register(decoder.ERC20ABI, addr, "symbol", symbol); err != nil {
		return err
	}
	if err := s.register(decoder.ERC20ABI, addr, "name", name); err != nil {
		return err
	}
	return s.register(decoder.ERC20ABI, addr, "decimals", decimals)
}

// AddPair registers a pair contract answering token0 and token1.
func (s *Server) AddPair(pool, token0, token1 common.Address) error {
	if err := s.register(decoder.PairABI, pool, "token0", token0); err != nil {
		return err
	}
	return s.register(decoder.PairABI, pool, "token1", token1)
}

func (s *Server) register(contract abi.ABI, addr common.Address, method string, value interface{}) error {
	m, ok := contract.Methods[method]
	if !ok {
		return fmt.Errorf("nodesim: unknown method %q", method)
	}
	out, err := m.Outputs.Pack(value)
	if err != nil {
		return fmt.Errorf("nodesim: pack %s: %w", method, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contracts[addr] == nil {
		s.contracts[addr] = make(map[string][]byte)
	}
	s.contracts[addr][hexutil.Encode(m.ID)] = out
	return nil
}

// MineBlock advances the head to a new block stamped t and returns its number.
func (s *Server) MineBlock(t time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head++
	s.blockTimes[s.head] = t.UTC()
	if s.head > maxBlockTimes {
		delete(s.blockTimes, s.head-maxBlockTimes)
	}
	return s.head
}

// Publish delivers lg to every subscription whose filter matches. Returns
// the number of deliveries.
func (s *Server) Publish(lg types.Log) int {
	s.mu.Lock()
	type target struct {
		p  *peer
		id string
	}
	var targets []target
	for p := range s.peers {
		for id, f := range p.subs {
			if matches(f, lg) {
				targets = append(targets, target{p, id})
			}
		}
	}
	s.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		msg := notification{
			JSONRPC: "2.0",
			Method:  "eth_subscription",
			Params:  notifyParams{Subscription: t.id, Result: source.FromLog(lg)},
		}
		if err := t.p.write(msg); err != nil {
			s.log.Debug().Err(err).Msg("publish failed")
			continue
		}
		delivered++
	}
	s.published.Add(int64(delivered))
	return delivered
}

// Broadcast writes a raw frame to every connected peer.
func (s *Server) Broadcast(frame []byte) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.writeRaw(frame)
	}
}

// DropConnections closes every websocket connection abruptly.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.peers {
		p.conn.Close()
	}
}

// Subscriptions returns the number of live subscriptions.
func (s *Server) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for p := range s.peers {
		n += len(p.subs)
	}
	return n
}

// Stats returns activity counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:  s.connections.Load(),
		Subscribes:   s.subscribes.Load(),
		Unsubscribes: s.unsubscribes.Load(),
		Calls:        s.calls.Load(),
		Published:    s.published.Load(),
	}
}

func matches(f source.LogFilter, lg types.Log) bool {
	if f.Address != lg.Address {
		return false
	}
	for i, topic := range f.Topics {
		if i >= len(lg.Topics) || lg.Topics[i] != topic {
			return false
		}
	}
	return true
}

// ServeHTTP serves websocket upgrades and single JSON-RPC POSTs.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.serveWS(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var c call
	if err := json.Unmarshal(body, &c); err != nil {
		http.Error(w, "invalid json-rpc request", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.dispatch(nil, c))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.RejectConnections.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	p := &peer{conn: conn, subs: make(map[string]source.LogFilter)}
	s.connections.Add(1)
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
		s.log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		raw = bytes.TrimSpace(raw)
		var c call
		if err := json.Unmarshal(raw, &c); err != nil {
			p.write(reply{JSONRPC: "2.0", ID: json.RawMessage("null"), Error: &source.RPCError{Code: -32700, Message: "parse error"}})
			continue
		}
		if err := p.write(s.dispatch(p, c)); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(p *peer, c call) reply {
	out := reply{JSONRPC: "2.0", ID: c.ID}
	fail := func(code int, format string, args ...interface{}) reply {
		out.Error = &source.RPCError{Code: code, Message: fmt.Sprintf(format, args...)}
		return out
	}

	switch c.Method {
	case "eth_subscribe":
		if p == nil {
			return fail(-32601, "notifications not supported")
		}
		if s.RejectSubscriptions.Load() {
			return fail(-32005, "subscription limit reached")
		}
		var kind string
		if len(c.Params) < 2 || json.Unmarshal(c.Params[0], &kind) != nil || kind != "logs" {
			return fail(-32602, "only logs subscriptions are supported")
		}
		var f source.LogFilter
		if err := json.Unmarshal(c.Params[1], &f); err != nil {
			return fail(-32602, "invalid filter: %v", err)
		}
		s.mu.Lock()
		s.subSeq++
		id := hexutil.EncodeUint64(s.subSeq)
		p.subs[id] = f
		s.mu.Unlock()
		s.subscribes.Add(1)
		out.Result = id

	case "eth_unsubscribe":
		if p == nil {
			return fail(-32601, "notifications not supported")
		}
		var id string
		if len(c.Params) < 1 || json.Unmarshal(c.Params[0], &id) != nil {
			return fail(-32602, "missing subscription id")
		}
		s.mu.Lock()
		_, ok := p.subs[id]
		delete(p.subs, id)
		s.mu.Unlock()
		if ok {
			s.unsubscribes.Add(1)
		}
		out.Result = ok

	case "eth_call":
		s.calls.Add(1)
		var args callArgs
		if len(c.Params) < 1 || json.Unmarshal(c.Params[0], &args) != nil || args.To == nil {
			return fail(-32602, "invalid call arguments")
		}
		input := args.Input
		if len(input) == 0 {
			input = args.Data
		}
		if len(input) < 4 {
			return fail(-32000, "execution reverted")
		}
		s.mu.Lock()
		ret, ok := s.contracts[*args.To][hexutil.Encode(input[:4])]
		s.mu.Unlock()
		if !ok {
			return fail(-32000, "execution reverted")
		}
		out.Result = hexutil.Bytes(ret)

	case "eth_getBlockByNumber":
		var tag string
		if len(c.Params) < 1 || json.Unmarshal(c.Params[0], &tag) != nil {
			return fail(-32602, "invalid block number")
		}
		s.mu.Lock()
		number := s.head
		if tag != "latest" && tag != "pending" {
			n, err := hexutil.DecodeUint64(tag)
			if err != nil {
				s.mu.Unlock()
				return fail(-32602, "invalid block number %q", tag)
			}
			number = n
		}
		ts, ok := s.blockTimes[number]
		s.mu.Unlock()
		if !ok {
			out.Result = json.RawMessage("null")
			return out
		}
		out.Result = &types.Header{
			Number:     new(big.Int).SetUint64(number),
			Time:       uint64(ts.Unix()),
			Difficulty: big.NewInt(0),
			GasLimit:   30_000_000,
		}

	case "eth_blockNumber":
		s.mu.Lock()
		out.Result = hexutil.Uint64(s.head)
		s.mu.Unlock()

	case "eth_chainId":
		out.Result = hexutil.Uint64(ChainID)

	default:
		return fail(-32601, "the method %s does not exist/is not available", strings.TrimSpace(c.Method))
	}
	return out
}
