package binmemcache

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pior/binmemcache/codec"
	"github.com/pior/binmemcache/protocol"
)

type keyShape int

const (
	shapeEmpty  keyShape = iota // broadcast to every server
	shapeScalar                 // one key
	shapeList                   // ordered keys
	shapeMap                    // key/value items
)

// query describes one logical request.
type query struct {
	cmd   command
	shape keyShape
	keys  []string

	// value is shared by every key; items gives one value per key.
	value any
	items map[string]any

	expiry  uint32
	cas     uint64
	delta   uint64
	initial uint64
	group   string // stat group

	// encoded payloads, filled once before the first attempt
	payload  encoded
	payloads map[string]encoded
}

type encoded struct {
	data  []byte
	flags uint32
}

func (q *query) payloadFor(key string) encoded {
	if q.payloads != nil {
		return q.payloads[key]
	}
	return q.payload
}

// multiKey reports whether the query is a list or map shape, the shapes
// that may pipeline with quiet opcodes.
func (q *query) multiKey() bool {
	return q.shape == shapeList || q.shape == shapeMap
}

// empty reports a list or map query without keys. It has nothing to send.
func (q *query) empty() bool {
	switch q.shape {
	case shapeList:
		return len(q.keys) == 0
	case shapeMap:
		return len(q.items) == 0
	}
	return false
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeMiss
	outcomeExists
)

// command is the per-verb behavior the engine drives. Every verb of the
// client is one of the types below.
type command interface {
	opcode() protocol.Opcode

	// encode prepares the values of q for the wire.
	encode(c codec.Codec, q *query) error

	// request builds the packet for key. The engine sets the opaque and
	// swaps in the quiet opcode.
	request(q *query, key string) *protocol.Packet

	// classify maps a non-success status to a miss, a conflict or an error.
	classify(status protocol.Status) outcome

	// accumulate folds one success response into acc.
	accumulate(acc *accumulator, s *Server, key string, p *protocol.Packet) error

	// finalize turns the accumulated responses into the public result.
	finalize(q *query, acc *accumulator) any

	// sequence reports whether one request yields a stream of responses
	// closed by an empty packet.
	sequence() bool

	// verbose reports whether every response carries a result, so the verb
	// never pipelines behind quiet opcodes.
	verbose() bool
}

// accumulator collects the responses of one attempt across servers.
type accumulator struct {
	codec codec.Codec

	mu       sync.Mutex
	values   map[string]any
	cas      map[string]uint64
	counters map[string]uint64
	servers  map[string]any
	hits     int
	misses   int
	exists   int
}

func newAccumulator(c codec.Codec) *accumulator {
	return &accumulator{
		codec:    c,
		values:   map[string]any{},
		cas:      map[string]uint64{},
		counters: map[string]uint64{},
		servers:  map[string]any{},
	}
}

func (a *accumulator) hit(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hits++
	if fn != nil {
		fn()
	}
}

func (a *accumulator) miss() {
	a.mu.Lock()
	a.misses++
	a.mu.Unlock()
}

func (a *accumulator) conflict() {
	a.mu.Lock()
	a.exists++
	a.mu.Unlock()
}

// ok is the boolean result of mutations: no key missed or conflicted.
func (a *accumulator) ok() bool {
	return a.misses == 0 && a.exists == 0
}

type baseCommand struct {
	op protocol.Opcode
}

func (b baseCommand) opcode() protocol.Opcode { return b.op }

func (baseCommand) encode(codec.Codec, *query) error { return nil }

func (baseCommand) classify(status protocol.Status) outcome {
	switch status {
	case protocol.StatusNotFound, protocol.StatusNotStored:
		return outcomeMiss
	case protocol.StatusExists:
		return outcomeExists
	}
	return outcomeError
}

func (baseCommand) sequence() bool { return false }

func (baseCommand) verbose() bool { return false }

type resultKind int

const (
	resultValues   resultKind = iota // value, or ordered values
	resultKeyed                      // key → value
	resultCAS                        // key → cas
	resultValueCAS                   // key → CASValue
)

// CASValue is a value with its CAS token.
type CASValue struct {
	Value any
	CAS   uint64
}

// retrieval covers get, getk, gets, getsv and gat.
type retrieval struct {
	baseCommand
	result resultKind
	touch  bool
}

func (r retrieval) request(q *query, key string) *protocol.Packet {
	p := &protocol.Packet{Opcode: r.op, Key: []byte(key)}
	if r.touch {
		p.Extras = protocol.ExpiryExtras(q.expiry)
	}
	return p
}

func (r retrieval) accumulate(acc *accumulator, _ *Server, key string, p *protocol.Packet) error {
	v, err := acc.codec.Deserialize(p.Value, p.Flags())
	if err != nil {
		return err
	}
	acc.hit(func() {
		acc.values[key] = v
		acc.cas[key] = p.CAS
	})
	return nil
}

func (r retrieval) finalize(q *query, acc *accumulator) any {
	switch r.result {
	case resultKeyed:
		if q.shape == shapeScalar && len(acc.values) == 0 {
			return map[string]any(nil)
		}
		return acc.values
	case resultCAS:
		return acc.cas
	case resultValueCAS:
		out := make(map[string]CASValue, len(acc.values))
		for k, v := range acc.values {
			out[k] = CASValue{Value: v, CAS: acc.cas[k]}
		}
		return out
	}

	if q.shape == shapeScalar {
		return acc.values[q.keys[0]]
	}
	out := make([]any, 0, len(acc.values))
	for _, k := range q.keys {
		if v, ok := acc.values[k]; ok {
			out = append(out, v)
		}
	}
	return out
}

// storage covers set, add, replace and cas.
type storage struct {
	baseCommand
}

func (storage) encode(c codec.Codec, q *query) error {
	if q.items != nil {
		q.payloads = make(map[string]encoded, len(q.items))
		for k, v := range q.items {
			data, flags, err := c.Serialize(v)
			if err != nil {
				return err
			}
			q.payloads[k] = encoded{data, flags}
		}
		return nil
	}
	data, flags, err := c.Serialize(q.value)
	if err != nil {
		return err
	}
	q.payload = encoded{data, flags}
	return nil
}

func (s storage) request(q *query, key string) *protocol.Packet {
	e := q.payloadFor(key)
	return &protocol.Packet{
		Opcode: s.op,
		Key:    []byte(key),
		Value:  e.data,
		Extras: protocol.StorageExtras(e.flags, q.expiry),
		CAS:    q.cas,
	}
}

func (storage) accumulate(acc *accumulator, _ *Server, key string, p *protocol.Packet) error {
	acc.hit(func() { acc.cas[key] = p.CAS })
	return nil
}

func (storage) finalize(_ *query, acc *accumulator) any { return acc.ok() }

// concat covers append and prepend. Payloads are raw strings: the stored
// item keeps its flags, so running them through the codec would corrupt it.
type concat struct {
	baseCommand
}

func (concat) encode(_ codec.Codec, q *query) error {
	if q.items != nil {
		q.payloads = make(map[string]encoded, len(q.items))
		for k, v := range q.items {
			data, err := rawPayload(v)
			if err != nil {
				return errors.Wrapf(err, "key %q", k)
			}
			q.payloads[k] = encoded{data: data}
		}
		return nil
	}
	data, err := rawPayload(q.value)
	if err != nil {
		return err
	}
	q.payload = encoded{data: data}
	return nil
}

func rawPayload(v any) ([]byte, error) {
	switch s := v.(type) {
	case string:
		return []byte(s), nil
	case []byte:
		return s, nil
	}
	return nil, errors.Wrapf(ErrInvalidPayload, "append/prepend takes string or []byte, got %T", v)
}

func (c concat) request(q *query, key string) *protocol.Packet {
	return &protocol.Packet{Opcode: c.op, Key: []byte(key), Value: q.payloadFor(key).data}
}

func (concat) accumulate(acc *accumulator, _ *Server, key string, p *protocol.Packet) error {
	acc.hit(func() { acc.cas[key] = p.CAS })
	return nil
}

func (concat) finalize(_ *query, acc *accumulator) any { return acc.ok() }

// keyOnly covers delete and touch.
type keyOnly struct {
	baseCommand
	touch bool
}

func (k keyOnly) request(q *query, key string) *protocol.Packet {
	p := &protocol.Packet{Opcode: k.op, Key: []byte(key)}
	if k.touch {
		p.Extras = protocol.ExpiryExtras(q.expiry)
	}
	return p
}

func (keyOnly) accumulate(acc *accumulator, _ *Server, _ string, _ *protocol.Packet) error {
	acc.hit(nil)
	return nil
}

func (keyOnly) finalize(_ *query, acc *accumulator) any { return acc.ok() }

// counter covers incr and decr.
type counter struct {
	baseCommand
}

func (c counter) request(q *query, key string) *protocol.Packet {
	return &protocol.Packet{
		Opcode: c.op,
		Key:    []byte(key),
		Extras: protocol.CounterExtras(q.delta, q.initial, q.expiry),
	}
}

func (counter) accumulate(acc *accumulator, _ *Server, key string, p *protocol.Packet) error {
	n, err := p.Counter()
	if err != nil {
		return err
	}
	acc.hit(func() { acc.counters[key] = n })
	return nil
}

func (counter) verbose() bool { return true }

func (counter) finalize(q *query, acc *accumulator) any {
	if q.shape == shapeScalar {
		if n, ok := acc.counters[q.keys[0]]; ok {
			return n
		}
		return nil
	}
	out := make([]uint64, 0, len(acc.counters))
	for _, k := range q.keys {
		if n, ok := acc.counters[k]; ok {
			out = append(out, n)
		}
	}
	return out
}

// cluster covers the keyless verbs sent to every server: flush, noop,
// version and stat.
type cluster struct {
	baseCommand
}

func (c cluster) request(q *query, _ string) *protocol.Packet {
	p := &protocol.Packet{Opcode: c.op}
	switch c.op {
	case protocol.OpFlush:
		if q.expiry > 0 {
			p.Extras = protocol.ExpiryExtras(q.expiry)
		}
	case protocol.OpStat:
		p.Key = []byte(q.group)
	}
	return p
}

func (c cluster) accumulate(acc *accumulator, s *Server, _ string, p *protocol.Packet) error {
	acc.hit(func() {
		switch c.op {
		case protocol.OpVersion:
			acc.servers[s.Hostname] = string(p.Value)
		case protocol.OpStat:
			stats, _ := acc.servers[s.Hostname].(map[string]string)
			if stats == nil {
				stats = map[string]string{}
				acc.servers[s.Hostname] = stats
			}
			stats[string(p.Key)] = string(p.Value)
		}
	})
	return nil
}

func (c cluster) finalize(_ *query, acc *accumulator) any {
	switch c.op {
	case protocol.OpNoop:
		return acc.ok()
	case protocol.OpVersion:
		out := make(map[string]string, len(acc.servers))
		for host, v := range acc.servers {
			out[host] = v.(string)
		}
		return out
	case protocol.OpStat:
		out := make(map[string]map[string]string, len(acc.servers))
		for host, v := range acc.servers {
			out[host] = v.(map[string]string)
		}
		return out
	}
	return nil
}

func (c cluster) sequence() bool { return c.op == protocol.OpStat }

// The verbs of the client.
var (
	cmdGet     command = retrieval{baseCommand: baseCommand{protocol.OpGet}}
	cmdGetK    command = retrieval{baseCommand: baseCommand{protocol.OpGetK}, result: resultKeyed}
	cmdGets    command = retrieval{baseCommand: baseCommand{protocol.OpGetK}, result: resultCAS}
	cmdGetsV   command = retrieval{baseCommand: baseCommand{protocol.OpGetK}, result: resultValueCAS}
	cmdGAT     command = retrieval{baseCommand: baseCommand{protocol.OpGAT}, touch: true}
	cmdSet     command = storage{baseCommand{protocol.OpSet}}
	cmdAdd     command = storage{baseCommand{protocol.OpAdd}}
	cmdReplace command = storage{baseCommand{protocol.OpReplace}}
	cmdCAS     command = storage{baseCommand{protocol.OpSet}}
	cmdAppend  command = concat{baseCommand{protocol.OpAppend}}
	cmdPrepend command = concat{baseCommand{protocol.OpPrepend}}
	cmdDelete  command = keyOnly{baseCommand: baseCommand{protocol.OpDelete}}
	cmdTouch   command = keyOnly{baseCommand: baseCommand{protocol.OpTouch}, touch: true}
	cmdIncr    command = counter{baseCommand{protocol.OpIncrement}}
	cmdDecr    command = counter{baseCommand{protocol.OpDecrement}}
	cmdFlush   command = cluster{baseCommand{protocol.OpFlush}}
	cmdNoop    command = cluster{baseCommand{protocol.OpNoop}}
	cmdVersion command = cluster{baseCommand{protocol.OpVersion}}
	cmdStat    command = cluster{baseCommand{protocol.OpStat}}
)
