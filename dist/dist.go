// Package dist implements multi-process data-parallel training coordination:
// a TCP rendezvous on a fixed loopback endpoint, blocking collectives routed
// through rank 0, and a gradient-averaging trainer built on gomlx autodiff.
//
// The topology is a star: every collective is routed through rank 0. All
// collectives block until every member of the group participates, and carry no
// timeouts: if a process dies, the remaining ones hang until killed. The
// training processes are expected to run on the same host, launched by a
// common parent which propagates failures.
//
// Wire messages are gob-encoded over the persistent per-peer connections. The
// protocol is lockstep: all ranks call the same collectives in the same order,
// so no message multiplexing is needed.
package dist

import (
	"encoding/gob"
	"net"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// dialRetryInterval between attempts to reach rank 0 during [Init].
const dialRetryInterval = 50 * time.Millisecond

type helloMsg struct{ Rank int }
type tokenMsg struct{ Seq int }
type scalarMsg struct{ Value float64 }
type flatsMsg struct{ Flats [][]float32 }

// peer is one live connection with its gob codecs.
type peer struct {
	conn net.Conn
	enc  *gob.Encoder
	dec  *gob.Decoder
}

func newPeer(conn net.Conn) *peer {
	return &peer{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

// Group is a handle to a fully-joined set of worker processes, created by
// [Init]. All collectives are methods on it.
type Group struct {
	worldSize, rank int

	// Rank 0: one peer per other rank, indexed by rank (entry 0 is nil).
	// Other ranks: a single entry, the connection to rank 0.
	peers    []*peer
	listener net.Listener
}

// Init joins the process group: rank 0 listens on addr, the other ranks dial
// it, retrying indefinitely until it is up. It blocks until all worldSize
// members are connected, so it doubles as the initial barrier.
//
// worldSize of 1 is valid: all collectives become no-ops.
func Init(addr string, worldSize, rank int) (*Group, error) {
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, errors.Errorf("dist.Init: invalid rank %d for world size %d", rank, worldSize)
	}
	g := &Group{worldSize: worldSize, rank: rank}
	if worldSize == 1 {
		return g, nil
	}

	if rank == 0 {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dist.Init: rank 0 failed to listen on %q", addr)
		}
		g.listener = listener
		g.peers = make([]*peer, worldSize)
		for ii := 1; ii < worldSize; ii++ {
			conn, err := listener.Accept()
			if err != nil {
				return nil, errors.Wrapf(err, "dist.Init: rank 0 failed to accept peer %d of %d", ii, worldSize-1)
			}
			p := newPeer(conn)
			var hello helloMsg
			if err = p.dec.Decode(&hello); err != nil {
				return nil, errors.Wrapf(err, "dist.Init: rank 0 failed to read hello from %s", conn.RemoteAddr())
			}
			if hello.Rank <= 0 || hello.Rank >= worldSize || g.peers[hello.Rank] != nil {
				return nil, errors.Errorf("dist.Init: got hello with invalid or duplicate rank %d", hello.Rank)
			}
			g.peers[hello.Rank] = p
			klog.V(1).Infof("dist: rank %d joined (%d of %d)", hello.Rank, ii, worldSize-1)
		}
		// Everyone is in: release the group.
		for r := 1; r < worldSize; r++ {
			if err := g.peers[r].enc.Encode(&tokenMsg{}); err != nil {
				return nil, errors.Wrapf(err, "dist.Init: rank 0 failed to release rank %d", r)
			}
		}
		return g, nil
	}

	// Non-zero rank: dial rank 0, retrying until it is listening.
	var conn net.Conn
	var err error
	for {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(dialRetryInterval)
	}
	p := newPeer(conn)
	if err = p.enc.Encode(&helloMsg{Rank: rank}); err != nil {
		return nil, errors.Wrapf(err, "dist.Init: rank %d failed to send hello", rank)
	}
	var release tokenMsg
	if err = p.dec.Decode(&release); err != nil {
		return nil, errors.Wrapf(err, "dist.Init: rank %d failed waiting for the group to assemble", rank)
	}
	g.peers = []*peer{p}
	klog.V(1).Infof("dist: rank %d of %d connected to %s", rank, worldSize, addr)
	return g, nil
}

// Rank of this process in the group, from 0 to WorldSize-1.
func (g *Group) Rank() int { return g.rank }

// WorldSize is the number of processes in the group.
func (g *Group) WorldSize() int { return g.worldSize }

// IsLeader returns whether this process is rank 0, the one that routes the
// collectives and does the logging.
func (g *Group) IsLeader() bool { return g.rank == 0 }

// Close tears down the connections. Collectives must not be used afterwards.
func (g *Group) Close() error {
	var firstErr error
	for _, p := range g.peers {
		if p == nil {
			continue
		}
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.listener != nil {
		if err := g.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// coordinator is the connection to rank 0, for non-zero ranks.
func (g *Group) coordinator() *peer { return g.peers[0] }

// Barrier blocks until every rank of the group has reached it.
func (g *Group) Barrier() error {
	if g.worldSize == 1 {
		return nil
	}
	if g.rank == 0 {
		var token tokenMsg
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].dec.Decode(&token); err != nil {
				return errors.Wrapf(err, "Barrier: failed to hear from rank %d", r)
			}
		}
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].enc.Encode(&tokenMsg{}); err != nil {
				return errors.Wrapf(err, "Barrier: failed to release rank %d", r)
			}
		}
		return nil
	}
	if err := g.coordinator().enc.Encode(&tokenMsg{}); err != nil {
		return errors.Wrapf(err, "Barrier: rank %d failed to check in", g.rank)
	}
	var token tokenMsg
	if err := g.coordinator().dec.Decode(&token); err != nil {
		return errors.Wrapf(err, "Barrier: rank %d failed waiting for release", g.rank)
	}
	return nil
}

// Reduce sums the value of every rank at rank 0. Only the value returned on
// rank 0 is meaningful, the other ranks get 0.
func (g *Group) Reduce(value float64) (float64, error) {
	if g.worldSize == 1 {
		return value, nil
	}
	if g.rank == 0 {
		sum := value
		var msg scalarMsg
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].dec.Decode(&msg); err != nil {
				return 0, errors.Wrapf(err, "Reduce: failed to receive from rank %d", r)
			}
			sum += msg.Value
		}
		return sum, nil
	}
	if err := g.coordinator().enc.Encode(&scalarMsg{Value: value}); err != nil {
		return 0, errors.Wrapf(err, "Reduce: rank %d failed to send", g.rank)
	}
	return 0, nil
}

// Broadcast distributes the value given at rank 0 to every rank. The values
// passed by the other ranks are ignored.
func (g *Group) Broadcast(value float64) (float64, error) {
	if g.worldSize == 1 {
		return value, nil
	}
	if g.rank == 0 {
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].enc.Encode(&scalarMsg{Value: value}); err != nil {
				return 0, errors.Wrapf(err, "Broadcast: failed to send to rank %d", r)
			}
		}
		return value, nil
	}
	var msg scalarMsg
	if err := g.coordinator().dec.Decode(&msg); err != nil {
		return 0, errors.Wrapf(err, "Broadcast: rank %d failed to receive", g.rank)
	}
	return msg.Value, nil
}

// AllReduceSum sums the values of every rank and returns the total to all of
// them. It is a Reduce followed by a Broadcast.
func (g *Group) AllReduceSum(value float64) (float64, error) {
	sum, err := g.Reduce(value)
	if err != nil {
		return 0, err
	}
	return g.Broadcast(sum)
}

// AllReduceMeanTensors averages the given Float32 tensors element-wise across
// all ranks, in place: after it returns every rank holds identical averaged
// values. Used for gradient averaging, all replicas must pass tensors with the
// same shapes in the same order.
func (g *Group) AllReduceMeanTensors(ts []*tensors.Tensor) error {
	if g.worldSize == 1 {
		return nil
	}
	flats := make([][]float32, len(ts))
	for ii, t := range ts {
		if t.DType() != dtypes.Float32 {
			return errors.Errorf("AllReduceMeanTensors: tensor #%d has dtype %s, only Float32 is supported", ii, t.DType())
		}
		flat := make([]float32, t.Shape().Size())
		tensors.MustConstFlatData[float32](t, func(data []float32) {
			copy(flat, data)
		})
		flats[ii] = flat
	}

	if g.rank == 0 {
		var msg flatsMsg
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].dec.Decode(&msg); err != nil {
				return errors.Wrapf(err, "AllReduceMeanTensors: failed to receive from rank %d", r)
			}
			if len(msg.Flats) != len(flats) {
				return errors.Errorf("AllReduceMeanTensors: rank %d sent %d tensors, wanted %d", r, len(msg.Flats), len(flats))
			}
			for ii, flat := range flats {
				if len(msg.Flats[ii]) != len(flat) {
					return errors.Errorf("AllReduceMeanTensors: rank %d tensor #%d has %d elements, wanted %d",
						r, ii, len(msg.Flats[ii]), len(flat))
				}
				for jj := range flat {
					flat[jj] += msg.Flats[ii][jj]
				}
			}
		}
		scale := float32(1) / float32(g.worldSize)
		for _, flat := range flats {
			for jj := range flat {
				flat[jj] *= scale
			}
		}
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].enc.Encode(&flatsMsg{Flats: flats}); err != nil {
				return errors.Wrapf(err, "AllReduceMeanTensors: failed to send result to rank %d", r)
			}
		}
	} else {
		if err := g.coordinator().enc.Encode(&flatsMsg{Flats: flats}); err != nil {
			return errors.Wrapf(err, "AllReduceMeanTensors: rank %d failed to send", g.rank)
		}
		var msg flatsMsg
		if err := g.coordinator().dec.Decode(&msg); err != nil {
			return errors.Wrapf(err, "AllReduceMeanTensors: rank %d failed to receive result", g.rank)
		}
		flats = msg.Flats
	}

	for ii, t := range ts {
		flat := flats[ii]
		tensors.MustMutableFlatData[float32](t, func(data []float32) {
			copy(data, flat)
		})
	}
	return nil
}

// BroadcastVariables distributes the trainable variables of rank 0 to every
// rank, so all model replicas start from the same parameters. All ranks must
// have built the same set of variables, in the same creation order.
func (g *Group) BroadcastVariables(ctx *context.Context) error {
	if g.worldSize == 1 {
		return nil
	}
	var vars []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable {
			vars = append(vars, v)
		}
	}
	values := make([]*tensors.Tensor, len(vars))
	for ii, v := range vars {
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "BroadcastVariables: variable %q has no value, initialize the context first",
				v.ScopeAndName())
		}
		values[ii] = value
	}
	if g.rank == 0 {
		// Reuse the tensor all-reduce path with a world of senders: send to each peer.
		flats := make([][]float32, len(values))
		for ii, t := range values {
			if t.DType() != dtypes.Float32 {
				return errors.Errorf("BroadcastVariables: variable %q has dtype %s, only Float32 is supported",
					vars[ii].ScopeAndName(), t.DType())
			}
			flat := make([]float32, t.Shape().Size())
			tensors.MustConstFlatData[float32](t, func(data []float32) { copy(flat, data) })
			flats[ii] = flat
		}
		for r := 1; r < g.worldSize; r++ {
			if err := g.peers[r].enc.Encode(&flatsMsg{Flats: flats}); err != nil {
				return errors.Wrapf(err, "BroadcastVariables: failed to send to rank %d", r)
			}
		}
		return nil
	}
	var msg flatsMsg
	if err := g.coordinator().dec.Decode(&msg); err != nil {
		return errors.Wrapf(err, "BroadcastVariables: rank %d failed to receive", g.rank)
	}
	if len(msg.Flats) != len(vars) {
		return errors.Errorf("BroadcastVariables: received %d variables, have %d trainable ones -- "+
			"the model replicas diverged", len(msg.Flats), len(vars))
	}
	for ii, v := range vars {
		flat := msg.Flats[ii]
		if len(flat) != values[ii].Shape().Size() {
			return errors.Errorf("BroadcastVariables: variable %q received %d elements, wanted %d",
				v.ScopeAndName(), len(flat), values[ii].Shape().Size())
		}
		tensors.MustMutableFlatData[float32](values[ii], func(data []float32) {
			copy(data, flat)
		})
	}
	return nil
}

// Shard returns the contiguous partition of items that the given rank is
// responsible for. Every rank computes the same partition boundaries, so it
// can also be used to reason about the other ranks' shard sizes.
func Shard[T any](items []T, worldSize, rank int) []T {
	start := len(items) * rank / worldSize
	end := len(items) * (rank + 1) / worldSize
	return items[start:end]
}

// MinBatchesPerEpoch returns the smallest number of batches any rank's shard
// of numItems items yields per epoch, counting the final partial batch. Used
// by the drop-uneven-inputs policy, where every rank truncates its epoch to
// this count.
func MinBatchesPerEpoch(numItems, worldSize, batchSize int) int {
	minBatches := -1
	for rank := range worldSize {
		shardLen := numItems*(rank+1)/worldSize - numItems*rank/worldSize
		batches := (shardLen + batchSize - 1) / batchSize
		if minBatches < 0 || batches < minBatches {
			minBatches = batches
		}
	}
	return minBatches
}
