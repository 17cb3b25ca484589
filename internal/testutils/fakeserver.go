package testutils

import (
	"encoding/binary"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pior/binmemcache/protocol"
)

// FakeVersion is the version string the fake server reports.
const FakeVersion = "1.6.99-fake"

// relativeExpiryLimit matches memcached: larger expiries are unix times.
const relativeExpiryLimit = 30 * 24 * 3600

type fakeItem struct {
	value     []byte
	flags     uint32
	cas       uint64
	expiresAt time.Time
}

func (it *fakeItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}

// FakeServer is an in-process memcached speaking the binary protocol on
// 127.0.0.1. It keeps items in a map and supports the commands the client
// sends, with knobs to delay, drop and reorder responses.
type FakeServer struct {
	ln net.Listener

	mu    sync.Mutex
	items map[string]*fakeItem
	cas   uint64
	conns map[net.Conn]struct{}

	username, password string

	delay          atomic.Int64
	closeOnRequest atomic.Bool
	reverse        atomic.Bool

	requests    atomic.Int64
	connections atomic.Int64
	opcodes     sync.Map // protocol.Opcode -> *atomic.Int64
}

// NewFakeServer starts a fake server and stops it when t ends.
func NewFakeServer(t testing.TB) *FakeServer {
	return startFakeServer(t, "", "")
}

// NewAuthFakeServer starts a fake server that requires SASL PLAIN.
func NewAuthFakeServer(t testing.TB, username, password string) *FakeServer {
	return startFakeServer(t, username, password)
}

func startFakeServer(t testing.TB, username, password string) *FakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("fake server: listen: %v", err)
	}
	s := &FakeServer{
		ln:       ln,
		items:    map[string]*fakeItem{},
		conns:    map[net.Conn]struct{}{},
		username: username,
		password: password,
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the host:port the server listens on.
func (s *FakeServer) Addr() string {
	return s.ln.Addr().String()
}

// SetDelay makes the server wait d before answering each read.
func (s *FakeServer) SetDelay(d time.Duration) {
	s.delay.Store(int64(d))
}

// SetCloseOnRequest makes the server drop connections instead of answering.
func (s *FakeServer) SetCloseOnRequest(v bool) {
	s.closeOnRequest.Store(v)
}

// SetReverseResponses makes the server answer the requests of one read in
// reverse order.
func (s *FakeServer) SetReverseResponses(v bool) {
	s.reverse.Store(v)
}

// Requests returns the number of request packets received.
func (s *FakeServer) Requests() int64 {
	return s.requests.Load()
}

// Connections returns the number of accepted connections.
func (s *FakeServer) Connections() int64 {
	return s.connections.Load()
}

// OpcodeCount returns how many requests carried op.
func (s *FakeServer) OpcodeCount(op protocol.Opcode) int64 {
	if v, ok := s.opcodes.Load(op); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Item returns the raw stored value and flags of key.
func (s *FakeServer) Item(key string) (value []byte, flags uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[key]
	if !ok || it.expired(time.Now()) {
		return nil, 0, false
	}
	return slices.Clone(it.value), it.flags, true
}

// Len returns the number of live items.
func (s *FakeServer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for _, it := range s.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

// DropConnections closes every open client connection.
func (s *FakeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

// Close stops the listener and drops every connection.
func (s *FakeServer) Close() {
	_ = s.ln.Close()
	s.DropConnections()
}

func (s *FakeServer) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		go s.handle(c)
	}
}

type fakeSession struct {
	authenticated bool
}

func (s *FakeServer) handle(c net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	sess := &fakeSession{authenticated: s.username == ""}
	dec := protocol.NewDecoder()
	buf := make([]byte, 64*1024)

	for {
		n, err := c.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])

		var responses [][]byte
		quit := false
		for {
			req, err := dec.Next()
			if err != nil {
				return
			}
			if req == nil {
				break
			}
			s.count(req.Opcode)
			if s.closeOnRequest.Load() {
				return
			}
			out, stop := s.process(sess, req)
			responses = append(responses, out...)
			if stop {
				quit = true
				break
			}
		}

		if d := time.Duration(s.delay.Load()); d > 0 {
			time.Sleep(d)
		}
		if s.reverse.Load() {
			slices.Reverse(responses)
		}
		var wire []byte
		for _, r := range responses {
			wire = append(wire, r...)
		}
		if len(wire) > 0 {
			if _, err := c.Write(wire); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

func (s *FakeServer) count(op protocol.Opcode) {
	s.requests.Add(1)
	v, _ := s.opcodes.LoadOrStore(op, &atomic.Int64{})
	v.(*atomic.Int64).Add(1)
}

func reply(req *protocol.Packet, status protocol.Status) *protocol.Packet {
	return &protocol.Packet{
		Magic:  protocol.MagicResponse,
		Opcode: req.Opcode,
		Status: status,
		Opaque: req.Opaque,
	}
}

// process answers one request. Quiet gets stay silent on a miss, other
// quiet requests on success.
func (s *FakeServer) process(sess *fakeSession, req *protocol.Packet) (out [][]byte, stop bool) {
	send := func(p *protocol.Packet) {
		out = append(out, protocol.Build(p))
	}
	quiet := req.Opcode.IsQuiet()

	if req.Opcode == protocol.OpSASLAuth {
		send(s.authenticate(sess, req))
		return out, false
	}
	if !sess.authenticated {
		send(reply(req, protocol.StatusAuthRequired))
		return out, false
	}

	switch req.Opcode {
	case protocol.OpQuit:
		send(reply(req, protocol.StatusOK))
		return out, true
	case protocol.OpQuitQ:
		return nil, true
	case protocol.OpNoop:
		send(reply(req, protocol.StatusOK))
	case protocol.OpVersion:
		p := reply(req, protocol.StatusOK)
		p.Value = []byte(FakeVersion)
		send(p)
	case protocol.OpStat:
		for _, p := range s.stats(req) {
			send(p)
		}
	default:
		p := s.apply(req)
		if p == nil {
			return out, false
		}
		if quiet && isQuietGet(req.Opcode) && p.Status == protocol.StatusNotFound {
			return out, false
		}
		if quiet && !isQuietGet(req.Opcode) && p.Status == protocol.StatusOK {
			return out, false
		}
		send(p)
	}
	return out, false
}

func isQuietGet(op protocol.Opcode) bool {
	return op == protocol.OpGetQ || op == protocol.OpGetKQ || op == protocol.OpGATQ
}

func (s *FakeServer) authenticate(sess *fakeSession, req *protocol.Packet) *protocol.Packet {
	if string(req.Key) != "PLAIN" {
		return reply(req, protocol.StatusAuthError)
	}
	want := "\x00" + s.username + "\x00" + s.password
	if s.username == "" || string(req.Value) != want {
		p := reply(req, protocol.StatusAuthError)
		p.Value = []byte("Auth failure")
		return p
	}
	sess.authenticated = true
	p := reply(req, protocol.StatusOK)
	p.Value = []byte("Authenticated")
	return p
}

func (s *FakeServer) stats(req *protocol.Packet) []*protocol.Packet {
	s.mu.Lock()
	n := len(s.items)
	s.mu.Unlock()

	var pairs [][2]string
	switch string(req.Key) {
	case "":
		pairs = [][2]string{
			{"version", FakeVersion},
			{"curr_items", strconv.Itoa(n)},
			{"total_connections", strconv.FormatInt(s.connections.Load(), 10)},
		}
	case "items":
		pairs = [][2]string{{"items:1:number", strconv.Itoa(n)}}
	default:
		return []*protocol.Packet{reply(req, protocol.StatusNotFound)}
	}

	out := make([]*protocol.Packet, 0, len(pairs)+1)
	for _, kv := range pairs {
		p := reply(req, protocol.StatusOK)
		p.Key, p.Value = []byte(kv[0]), []byte(kv[1])
		out = append(out, p)
	}
	return append(out, reply(req, protocol.StatusOK))
}

func expiresAt(now time.Time, expiry uint32) time.Time {
	switch {
	case expiry == 0:
		return time.Time{}
	case expiry <= relativeExpiryLimit:
		return now.Add(time.Duration(expiry) * time.Second)
	}
	return time.Unix(int64(expiry), 0)
}

// apply runs the keyed commands against the store.
func (s *FakeServer) apply(req *protocol.Packet) *protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := string(req.Key)
	it := s.items[key]
	if it != nil && it.expired(now) {
		delete(s.items, key)
		it = nil
	}

	switch req.Opcode {
	case protocol.OpGet, protocol.OpGetQ, protocol.OpGetK, protocol.OpGetKQ, protocol.OpGAT, protocol.OpGATQ:
		if it == nil {
			p := reply(req, protocol.StatusNotFound)
			if req.Opcode == protocol.OpGetK || req.Opcode == protocol.OpGetKQ {
				p.Key = req.Key
			}
			return p
		}
		if req.Opcode == protocol.OpGAT || req.Opcode == protocol.OpGATQ {
			if len(req.Extras) != 4 {
				return reply(req, protocol.StatusInvalidArgs)
			}
			it.expiresAt = expiresAt(now, binary.BigEndian.Uint32(req.Extras))
		}
		p := reply(req, protocol.StatusOK)
		p.Extras = binary.BigEndian.AppendUint32(nil, it.flags)
		p.Value = slices.Clone(it.value)
		p.CAS = it.cas
		if req.Opcode == protocol.OpGetK || req.Opcode == protocol.OpGetKQ {
			p.Key = req.Key
		}
		return p

	case protocol.OpSet, protocol.OpSetQ, protocol.OpAdd, protocol.OpAddQ, protocol.OpReplace, protocol.OpReplaceQ:
		if len(req.Extras) != 8 {
			return reply(req, protocol.StatusInvalidArgs)
		}
		switch {
		case (req.Opcode == protocol.OpAdd || req.Opcode == protocol.OpAddQ) && it != nil:
			return reply(req, protocol.StatusExists)
		case (req.Opcode == protocol.OpReplace || req.Opcode == protocol.OpReplaceQ) && it == nil:
			return reply(req, protocol.StatusNotFound)
		case req.CAS != 0 && it == nil:
			return reply(req, protocol.StatusNotFound)
		case req.CAS != 0 && it.cas != req.CAS:
			return reply(req, protocol.StatusExists)
		}
		s.cas++
		s.items[key] = &fakeItem{
			value:     slices.Clone(req.Value),
			flags:     binary.BigEndian.Uint32(req.Extras[0:4]),
			cas:       s.cas,
			expiresAt: expiresAt(now, binary.BigEndian.Uint32(req.Extras[4:8])),
		}
		p := reply(req, protocol.StatusOK)
		p.CAS = s.cas
		return p

	case protocol.OpAppend, protocol.OpAppendQ, protocol.OpPrepend, protocol.OpPrependQ:
		if it == nil {
			return reply(req, protocol.StatusNotStored)
		}
		if req.Opcode == protocol.OpAppend || req.Opcode == protocol.OpAppendQ {
			it.value = append(it.value, req.Value...)
		} else {
			it.value = append(slices.Clone(req.Value), it.value...)
		}
		s.cas++
		it.cas = s.cas
		p := reply(req, protocol.StatusOK)
		p.CAS = it.cas
		return p

	case protocol.OpDelete, protocol.OpDeleteQ:
		if it == nil {
			return reply(req, protocol.StatusNotFound)
		}
		delete(s.items, key)
		return reply(req, protocol.StatusOK)

	case protocol.OpTouch:
		if it == nil {
			return reply(req, protocol.StatusNotFound)
		}
		if len(req.Extras) != 4 {
			return reply(req, protocol.StatusInvalidArgs)
		}
		it.expiresAt = expiresAt(now, binary.BigEndian.Uint32(req.Extras))
		return reply(req, protocol.StatusOK)

	case protocol.OpIncrement, protocol.OpIncrementQ, protocol.OpDecrement, protocol.OpDecrementQ:
		return s.counter(req, key, it, now)

	case protocol.OpFlush, protocol.OpFlushQ:
		var delay uint32
		if len(req.Extras) == 4 {
			delay = binary.BigEndian.Uint32(req.Extras)
		}
		if delay == 0 {
			clear(s.items)
		} else {
			at := expiresAt(now, delay)
			for _, it := range s.items {
				if it.expiresAt.IsZero() || it.expiresAt.After(at) {
					it.expiresAt = at
				}
			}
		}
		return reply(req, protocol.StatusOK)
	}

	return reply(req, protocol.StatusUnknownCommand)
}

func (s *FakeServer) counter(req *protocol.Packet, key string, it *fakeItem, now time.Time) *protocol.Packet {
	if len(req.Extras) != 20 {
		return reply(req, protocol.StatusInvalidArgs)
	}
	delta := binary.BigEndian.Uint64(req.Extras[0:8])
	initial := binary.BigEndian.Uint64(req.Extras[8:16])
	expiry := binary.BigEndian.Uint32(req.Extras[16:20])

	var n uint64
	if it == nil {
		if expiry == 0xffffffff {
			return reply(req, protocol.StatusNotFound)
		}
		n = initial
		it = &fakeItem{expiresAt: expiresAt(now, expiry)}
		s.items[key] = it
	} else {
		cur, err := strconv.ParseUint(string(it.value), 10, 64)
		if err != nil {
			return reply(req, protocol.StatusNonNumeric)
		}
		switch req.Opcode {
		case protocol.OpIncrement, protocol.OpIncrementQ:
			n = cur + delta
		default:
			if delta > cur {
				n = 0
			} else {
				n = cur - delta
			}
		}
	}

	it.value = []byte(strconv.FormatUint(n, 10))
	s.cas++
	it.cas = s.cas

	p := reply(req, protocol.StatusOK)
	p.Value = binary.BigEndian.AppendUint64(nil, n)
	p.CAS = it.cas
	return p
}
