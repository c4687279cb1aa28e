// Copyright 2024 The recordlayer Authors
// This file is part of recordlayer.
//
// recordlayer is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// recordlayer is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with recordlayer. If not, see <http://www.gnu.org/licenses/>.

// Package hnsw implements the vector index kind (spec §4.4.6): a
// hierarchical navigable small-world graph persisted in a subspace. Each
// node's per-level neighbor set is a RoaringBitmap of stable integer node
// IDs.
package hnsw

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kvrecord/recordlayer/index"
	"github.com/kvrecord/recordlayer/kv"
	"github.com/kvrecord/recordlayer/record"
	"github.com/kvrecord/recordlayer/schema"
	"github.com/kvrecord/recordlayer/tuple"
)

// Maintainer implements index.Maintainer for a KindVector index.
type Maintainer struct {
	desc    schema.IndexDescriptor
	subs    tuple.Subspace
	recType *schema.RecordType
	opts    schema.VectorOptions
	rng     *rand.Rand
}

var _ index.Maintainer = (*Maintainer)(nil)

// New constructs the HNSW Maintainer.
func New(desc schema.IndexDescriptor, rt *schema.RecordType, sub tuple.Subspace) *Maintainer {
	opts, _ := desc.Options.(schema.VectorOptions)
	if opts.M == 0 {
		opts.M = 16
	}
	if opts.EfConstruction == 0 {
		opts.EfConstruction = 200
	}
	if opts.EfSearch == 0 {
		opts.EfSearch = 64
	}
	if opts.FlatThreshold == 0 {
		opts.FlatThreshold = 1000
	}
	return &Maintainer{desc: desc, subs: sub, recType: rt, opts: opts, rng: rand.New(rand.NewSource(1))}
}

func (m *Maintainer) vectorOf(rec record.Record) ([]float32, error) {
	vals, err := m.recType.ExtractField(rec, m.opts.Field)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, 0, len(vals))
	for _, v := range vals {
		switch n := v.(type) {
		case float64:
			vec = append(vec, float32(n))
		case float32:
			vec = append(vec, n)
		}
	}
	return vec, nil
}

// --- KV layout ---

func (m *Maintainer) nodeSub() (tuple.Subspace, error)  { return m.subs.Child(tuple.Tuple{"node"}) }
func (m *Maintainer) idSub() (tuple.Subspace, error)    { return m.subs.Child(tuple.Tuple{"id"}) }
func (m *Maintainer) pkOfSub() (tuple.Subspace, error)  { return m.subs.Child(tuple.Tuple{"pkof"}) }
func (m *Maintainer) edgeSub(level int) (tuple.Subspace, error) {
	return m.subs.Child(tuple.Tuple{"edge", int64(level)})
}
func (m *Maintainer) entryPointKey() ([]byte, error) {
	sub, err := m.subs.Child(tuple.Tuple{"entrypoint"})
	if err != nil {
		return nil, err
	}
	return sub.Pack(tuple.Tuple{})
}
func (m *Maintainer) counterKey() ([]byte, error) {
	sub, err := m.subs.Child(tuple.Tuple{"nextid"})
	if err != nil {
		return nil, err
	}
	return sub.Pack(tuple.Tuple{})
}

type node struct {
	id     uint32
	level  int
	vector []float32
	pk     tuple.Tuple
}

func encodeNode(n node) []byte {
	buf := make([]byte, 4+4, 4+4+4*len(n.vector))
	binary.BigEndian.PutUint32(buf[0:4], n.id)
	binary.BigEndian.PutUint32(buf[4:8], uint32(n.level))
	for _, f := range n.vector {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(f))
		buf = append(buf, b[:]...)
	}
	return buf
}

func decodeNode(b []byte) node {
	n := node{id: binary.BigEndian.Uint32(b[0:4]), level: int(binary.BigEndian.Uint32(b[4:8]))}
	for i := 8; i+4 <= len(b); i += 4 {
		n.vector = append(n.vector, math.Float32frombits(binary.BigEndian.Uint32(b[i:i+4])))
	}
	return n
}

func (m *Maintainer) allocID(ctx context.Context, tx kv.RwTx) (uint32, error) {
	key, err := m.counterKey()
	if err != nil {
		return 0, err
	}
	if err := tx.AtomicOp(ctx, key, kv.AtomicAdd, encodeLE(1)); err != nil {
		return 0, err
	}
	v, ok, err := tx.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	return uint32(decodeLE(v)), nil
}

func encodeLE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}
func decodeLE(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

func (m *Maintainer) randomLevel() int {
	level := 0
	invLn := 1 / math.Log(1.0/0.5)
	level = int(math.Floor(-math.Log(m.rng.Float64()) * invLn))
	if level > 32 {
		level = 32
	}
	return level
}

// Update implements index.Maintainer: removes the old node's edges (if
// any) and inserts the new vector via the standard HNSW single-node
// insertion algorithm (spec §4.4.6).
func (m *Maintainer) Update(ctx context.Context, tx kv.RwTx, oldRecord, newRecord *record.Record, pk tuple.Tuple) error {
	if oldRecord != nil {
		if err := m.remove(ctx, tx, pk); err != nil {
			return err
		}
	}
	if newRecord != nil {
		vec, err := m.vectorOf(*newRecord)
		if err != nil {
			return err
		}
		if len(vec) == 0 {
			return nil
		}
		if err := m.insert(ctx, tx, pk, vec); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) pkOfID(ctx context.Context, tx kv.Tx, id uint32) (tuple.Tuple, bool, error) {
	pkofSub, err := m.pkOfSub()
	if err != nil {
		return nil, false, err
	}
	key, err := pkofSub.Pack(tuple.Tuple{int64(id)})
	if err != nil {
		return nil, false, err
	}
	v, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	t, err := tuple.Unpack(v)
	return t, true, err
}

func (m *Maintainer) idOfPK(ctx context.Context, tx kv.Tx, pk tuple.Tuple) (uint32, bool, error) {
	idSub, err := m.idSub()
	if err != nil {
		return 0, false, err
	}
	key, err := idSub.Pack(pk)
	if err != nil {
		return 0, false, err
	}
	v, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	return uint32(decodeLE(v)), true, nil
}

func (m *Maintainer) loadNode(ctx context.Context, tx kv.Tx, id uint32) (node, bool, error) {
	nodeSub, err := m.nodeSub()
	if err != nil {
		return node{}, false, err
	}
	key, err := nodeSub.Pack(tuple.Tuple{int64(id)})
	if err != nil {
		return node{}, false, err
	}
	v, ok, err := tx.Get(ctx, key)
	if err != nil || !ok {
		return node{}, false, err
	}
	return decodeNode(v), true, nil
}

func (m *Maintainer) saveNode(ctx context.Context, tx kv.RwTx, n node) error {
	nodeSub, err := m.nodeSub()
	if err != nil {
		return err
	}
	key, err := nodeSub.Pack(tuple.Tuple{int64(n.id)})
	if err != nil {
		return err
	}
	return tx.Set(ctx, key, encodeNode(n))
}

func (m *Maintainer) neighbors(ctx context.Context, tx kv.Tx, level int, id uint32) (*roaring.Bitmap, error) {
	edgeSub, err := m.edgeSub(level)
	if err != nil {
		return nil, err
	}
	key, err := edgeSub.Pack(tuple.Tuple{int64(id)})
	if err != nil {
		return nil, err
	}
	v, ok, err := tx.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if ok {
		if _, err := bm.FromBuffer(v); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

func (m *Maintainer) setNeighbors(ctx context.Context, tx kv.RwTx, level int, id uint32, bm *roaring.Bitmap) error {
	edgeSub, err := m.edgeSub(level)
	if err != nil {
		return err
	}
	key, err := edgeSub.Pack(tuple.Tuple{int64(id)})
	if err != nil {
		return err
	}
	bm.RunOptimize()
	buf, err := bm.ToBytes()
	if err != nil {
		return err
	}
	return tx.Set(ctx, key, buf)
}

type candidate struct {
	id   uint32
	dist float32
}

func (m *Maintainer) distance(a, b []float32) float32 {
	switch m.opts.Metric {
	case schema.MetricL2:
		var sum float32
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	case schema.MetricInnerProduct:
		var dot float32
		for i := range a {
			dot += a[i] * b[i]
		}
		return -dot
	default: // cosine
		var dot, na, nb float32
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
	}
}

// searchLayer performs a greedy best-first search at one layer, returning
// up to ef candidates ordered nearest-first.
func (m *Maintainer) searchLayer(ctx context.Context, tx kv.Tx, query []float32, entry uint32, level, ef int) ([]candidate, error) {
	visited := map[uint32]bool{entry: true}
	entryNode, ok, err := m.loadNode(ctx, tx, entry)
	if err != nil || !ok {
		return nil, err
	}
	best := []candidate{{id: entry, dist: m.distance(query, entryNode.vector)}}
	candidatesHeap := []candidate{best[0]}

	for len(candidatesHeap) > 0 {
		sort.Slice(candidatesHeap, func(i, j int) bool { return candidatesHeap[i].dist < candidatesHeap[j].dist })
		c := candidatesHeap[0]
		candidatesHeap = candidatesHeap[1:]
		if len(best) >= ef {
			sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
			if c.dist > best[len(best)-1].dist {
				break
			}
		}
		bm, err := m.neighbors(ctx, tx, level, c.id)
		if err != nil {
			return nil, err
		}
		it := bm.Iterator()
		for it.HasNext() {
			nid := it.Next()
			if visited[nid] {
				continue
			}
			visited[nid] = true
			n, ok, err := m.loadNode(ctx, tx, nid)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			d := m.distance(query, n.vector)
			best = append(best, candidate{id: nid, dist: d})
			candidatesHeap = append(candidatesHeap, candidate{id: nid, dist: d})
		}
	}
	sort.Slice(best, func(i, j int) bool { return best[i].dist < best[j].dist })
	if len(best) > ef {
		best = best[:ef]
	}
	return best, nil
}

func (m *Maintainer) insert(ctx context.Context, tx kv.RwTx, pk tuple.Tuple, vec []float32) error {
	id, err := m.allocID(ctx, tx)
	if err != nil {
		return err
	}
	idSub, err := m.idSub()
	if err != nil {
		return err
	}
	idKey, err := idSub.Pack(pk)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, idKey, encodeLE(uint64(id))); err != nil {
		return err
	}
	pkofSub, err := m.pkOfSub()
	if err != nil {
		return err
	}
	pkKey, err := pkofSub.Pack(tuple.Tuple{int64(id)})
	if err != nil {
		return err
	}
	pkBytes, err := tuple.Pack(pk)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, pkKey, pkBytes); err != nil {
		return err
	}

	level := m.randomLevel()
	if err := m.saveNode(ctx, tx, node{id: id, level: level, vector: vec, pk: pk}); err != nil {
		return err
	}

	epKey, err := m.entryPointKey()
	if err != nil {
		return err
	}
	epRaw, hasEP, err := tx.Get(ctx, epKey)
	if err != nil {
		return err
	}
	if !hasEP {
		return tx.Set(ctx, epKey, encodeEntryPoint(id, level))
	}
	epID, epLevel := decodeEntryPoint(epRaw)

	cur := epID
	for l := epLevel; l > level; l-- {
		cands, err := m.searchLayer(ctx, tx, vec, cur, l, 1)
		if err != nil {
			return err
		}
		if len(cands) > 0 {
			cur = cands[0].id
		}
	}
	for l := min(level, epLevel); l >= 0; l-- {
		cands, err := m.searchLayer(ctx, tx, vec, cur, l, m.opts.EfConstruction)
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			continue
		}
		cur = cands[0].id
		neighborCount := m.opts.M
		if len(cands) < neighborCount {
			neighborCount = len(cands)
		}
		myBM, err := m.neighbors(ctx, tx, l, id)
		if err != nil {
			return err
		}
		for i := 0; i < neighborCount; i++ {
			other := cands[i].id
			myBM.Add(other)
			otherBM, err := m.neighbors(ctx, tx, l, other)
			if err != nil {
				return err
			}
			otherBM.Add(id)
			if err := m.setNeighbors(ctx, tx, l, other, otherBM); err != nil {
				return err
			}
		}
		if err := m.setNeighbors(ctx, tx, l, id, myBM); err != nil {
			return err
		}
	}
	if level > epLevel {
		return tx.Set(ctx, epKey, encodeEntryPoint(id, level))
	}
	return nil
}

func (m *Maintainer) remove(ctx context.Context, tx kv.RwTx, pk tuple.Tuple) error {
	id, ok, err := m.idOfPK(ctx, tx, pk)
	if err != nil || !ok {
		return err
	}
	n, ok, err := m.loadNode(ctx, tx, id)
	if err != nil || !ok {
		return err
	}
	for l := 0; l <= n.level; l++ {
		bm, err := m.neighbors(ctx, tx, l, id)
		if err != nil {
			return err
		}
		it := bm.Iterator()
		for it.HasNext() {
			other := it.Next()
			otherBM, err := m.neighbors(ctx, tx, l, other)
			if err != nil {
				return err
			}
			otherBM.Remove(id)
			if err := m.setNeighbors(ctx, tx, l, other, otherBM); err != nil {
				return err
			}
		}
		edgeSub, err := m.edgeSub(l)
		if err != nil {
			return err
		}
		key, err := edgeSub.Pack(tuple.Tuple{int64(id)})
		if err != nil {
			return err
		}
		if err := tx.Clear(ctx, key); err != nil {
			return err
		}
	}
	nodeSub, err := m.nodeSub()
	if err != nil {
		return err
	}
	nodeKey, err := nodeSub.Pack(tuple.Tuple{int64(id)})
	if err != nil {
		return err
	}
	if err := tx.Clear(ctx, nodeKey); err != nil {
		return err
	}
	idSub, err := m.idSub()
	if err != nil {
		return err
	}
	idKey, err := idSub.Pack(pk)
	if err != nil {
		return err
	}
	return tx.Clear(ctx, idKey)
}

func encodeEntryPoint(id uint32, level int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], id)
	binary.BigEndian.PutUint32(buf[4:8], uint32(level))
	return buf
}
func decodeEntryPoint(b []byte) (uint32, int) {
	return binary.BigEndian.Uint32(b[0:4]), int(binary.BigEndian.Uint32(b[4:8]))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Search runs a k-NN query (spec §4.4.6). When the graph has fewer than
// VectorOptions.FlatThreshold nodes, or Strategy is explicitly StrategyFlat,
// it falls back to an exact flat scan instead of graph traversal.
func (m *Maintainer) Search(ctx context.Context, tx kv.Tx, query []float32, k int) ([]tuple.Tuple, error) {
	epKey, err := m.entryPointKey()
	if err != nil {
		return nil, err
	}
	epRaw, hasEP, err := tx.Get(ctx, epKey)
	if err != nil || !hasEP {
		return nil, err
	}
	epID, epLevel := decodeEntryPoint(epRaw)

	nodeSub, err := m.nodeSub()
	if err != nil {
		return nil, err
	}
	begin, end := nodeSub.Range()
	it := tx.GetRange(ctx, kv.RangeOptions{Begin: kv.FirstGreaterOrEqual(begin), End: kv.FirstGreaterOrEqual(end), Limit: m.opts.FlatThreshold})
	nodes := 0
	for it.Next() {
		nodes++
	}
	err = it.Err()
	it.Close()
	if err != nil {
		return nil, err
	}
	if m.opts.Strategy == schema.StrategyFlat || nodes < m.opts.FlatThreshold {
		return m.flatScan(ctx, tx, query, k)
	}

	cur := epID
	for l := epLevel; l > 0; l-- {
		cands, err := m.searchLayer(ctx, tx, query, cur, l, 1)
		if err != nil {
			return nil, err
		}
		if len(cands) > 0 {
			cur = cands[0].id
		}
	}
	cands, err := m.searchLayer(ctx, tx, query, cur, 0, m.opts.EfSearch)
	if err != nil {
		return nil, err
	}
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]tuple.Tuple, 0, len(cands))
	for _, c := range cands {
		pk, ok, err := m.pkOfID(ctx, tx, c.id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pk)
		}
	}
	return out, nil
}

func (m *Maintainer) flatScan(ctx context.Context, tx kv.Tx, query []float32, k int) ([]tuple.Tuple, error) {
	nodeSub, err := m.nodeSub()
	if err != nil {
		return nil, err
	}
	begin, end := nodeSub.Range()
	it := tx.GetRange(ctx, kv.RangeOptions{Begin: kv.FirstGreaterOrEqual(begin), End: kv.FirstGreaterOrEqual(end)})
	defer it.Close()
	var all []candidate
	idToNode := map[uint32]node{}
	for it.Next() {
		n := decodeNode(it.KV().Value)
		idToNode[n.id] = n
		all = append(all, candidate{id: n.id, dist: m.distance(query, n.vector)})
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].dist < all[j].dist })
	if len(all) > k {
		all = all[:k]
	}
	out := make([]tuple.Tuple, 0, len(all))
	for _, c := range all {
		pk, ok, err := m.pkOfID(ctx, tx, c.id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pk)
		}
	}
	return out, nil
}
