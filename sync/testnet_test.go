package sync

import (
	"bytes"
	"context"
	"encoding/binary"
	"math/big"
	"sort"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethrawdb "github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/rlp"
	gethtrie "github.com/ethereum/go-ethereum/trie"
	"github.com/ethereum/go-ethereum/triedb"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/eth2030/statesync/core/rawdb"
	"github.com/eth2030/statesync/crypto"
	"github.com/eth2030/statesync/log"
	"github.com/eth2030/statesync/trie"
)

// testTrie is a trie known to the test network: entries sorted by key, a
// go-ethereum trie to prove against and every hashed node by path.
type testTrie struct {
	root   common.Hash
	keys   []common.Hash
	values [][]byte
	proof  *gethtrie.Trie
	nodes  map[string][]byte
	hashes map[common.Hash][]byte
}

func newTestTrie(t *testing.T, keys []common.Hash, values [][]byte) *testTrie {
	t.Helper()
	tt := &testTrie{
		keys:   keys,
		values: values,
		proof:  gethtrie.NewEmpty(triedb.NewDatabase(gethrawdb.NewMemoryDatabase(), nil)),
		nodes:  make(map[string][]byte),
		hashes: make(map[common.Hash][]byte),
	}
	b := trie.NewBuilder(func(path trie.Path, hash common.Hash, blob []byte) {
		tt.nodes[string(path)] = common.CopyBytes(blob)
		tt.hashes[hash] = common.CopyBytes(blob)
	})
	for i, k := range keys {
		require.NoError(t, b.Add(k, values[i]))
		require.NoError(t, tt.proof.Update(k[:], values[i]))
	}
	tt.root = b.Root()
	require.Equal(t, tt.proof.Hash(), tt.root)
	return tt
}

// prove returns the boundary proof of [first, last].
func (tt *testTrie) prove(first, last common.Hash) [][]byte {
	db := memorydb.New()
	tt.proof.Prove(first[:], db)
	tt.proof.Prove(last[:], db)
	var out [][]byte
	it := db.NewIterator(nil, nil)
	defer it.Release()
	for it.Next() {
		out = append(out, common.CopyBytes(it.Value()))
	}
	return out
}

// from returns the index of the first key at or after start.
func (tt *testTrie) from(start common.Hash) int {
	return sort.Search(len(tt.keys), func(i int) bool { return bytes.Compare(tt.keys[i][:], start[:]) >= 0 })
}

func sortedHashes(n int, salt string) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		out[i] = crypto.Keccak256Hash([]byte(salt), buf[:])
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

func slotValue(i int) []byte {
	enc, _ := rlp.EncodeToBytes(uint64(i + 1))
	return enc
}

// testState is a full state: the account trie, storage tries and code.
type testState struct {
	accounts *testTrie
	byHash   map[common.Hash]*types.StateAccount
	storage  map[common.Hash]*testTrie
	codes    map[common.Hash][]byte
}

func (s *testState) root() common.Hash { return s.accounts.root }

// newTestState builds n accounts. slots(i) storage slots and hasCode(i)
// decide the shape of account i.
func newTestState(t *testing.T, n int, slots func(i int) int, hasCode func(i int) bool) *testState {
	t.Helper()
	s := &testState{
		byHash:  make(map[common.Hash]*types.StateAccount),
		storage: make(map[common.Hash]*testTrie),
		codes:   make(map[common.Hash][]byte),
	}
	hashes := sortedHashes(n, "account")
	values := make([][]byte, n)
	for i, h := range hashes {
		acct := &types.StateAccount{
			Nonce:    uint64(i),
			Balance:  uint256.NewInt(uint64(1000 + i)),
			Root:     types.EmptyRootHash,
			CodeHash: types.EmptyCodeHash.Bytes(),
		}
		if k := slots(i); k > 0 {
			keys := sortedHashes(k, h.Hex())
			vals := make([][]byte, k)
			for j := range vals {
				vals[j] = slotValue(j + i)
			}
			st := newTestTrie(t, keys, vals)
			s.storage[h] = st
			acct.Root = st.root
		}
		if hasCode != nil && hasCode(i) {
			code := []byte{0x60, byte(i), 0x60, byte(i >> 8), 0x01}
			ch := crypto.Keccak256Hash(code)
			s.codes[ch] = code
			acct.CodeHash = ch.Bytes()
		}
		enc, err := rlp.EncodeToBytes(acct)
		require.NoError(t, err)
		values[i] = enc
		s.byHash[h] = acct
	}
	s.accounts = newTestTrie(t, hashes, values)
	return s
}

// testPeer serves a testState and a header chain. Limits cap the size of
// answers; the refuse flags make requests come back empty.
type testPeer struct {
	state *testState
	chain []*types.Header
	body  map[common.Hash]*types.Body

	accountLimit int
	slotLimit    int
	nodeLimit    int

	refuseAccounts atomic.Bool
	refuseStorage  atomic.Bool
	refuseNodes    atomic.Bool
	refuseCodes    atomic.Bool

	mu           gosync.Mutex
	ids          []string
	accountCalls int
	storageCalls int
	largeCalls   int
	nodeCalls    int
	codeCalls    int
	nodesServed  int
	onNodes      func()
}

func newTestPeer(state *testState) *testPeer {
	return &testPeer{
		state:        state,
		body:         make(map[common.Hash]*types.Body),
		accountLimit: 1 << 30,
		slotLimit:    1 << 30,
		nodeLimit:    1 << 30,
		ids:          []string{"peer-a", "peer-b"},
	}
}

func (p *testPeer) PeerIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

func (p *testPeer) RequestHeadersFrom(_ context.Context, _ string, start, limit uint64) ([]*types.Header, error) {
	var out []*types.Header
	for n := start; n < start+limit && n < uint64(len(p.chain)); n++ {
		out = append(out, p.chain[n])
	}
	return out, nil
}

func (p *testPeer) RequestBlockHeadersFromHash(_ context.Context, hash common.Hash, order HeaderOrder) ([]*types.Header, error) {
	for i, h := range p.chain {
		if h.Hash() != hash {
			continue
		}
		var out []*types.Header
		if order == NewToOld {
			for j := i; j >= 0 && len(out) < 64; j-- {
				out = append(out, p.chain[j])
			}
		} else {
			for j := i; j < len(p.chain) && len(out) < 64; j++ {
				out = append(out, p.chain[j])
			}
		}
		return out, nil
	}
	return nil, nil
}

func (p *testPeer) RequestHeaderByNumber(_ context.Context, number uint64) (*types.Header, error) {
	if number < uint64(len(p.chain)) {
		return p.chain[number], nil
	}
	return nil, nil
}

func (p *testPeer) RequestBlockBodiesParallel(_ context.Context, headers []*types.Header, _ int) ([]*types.Body, error) {
	var out []*types.Body
	for _, h := range headers {
		b, ok := p.body[h.Hash()]
		if !ok {
			b = &types.Body{}
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *testPeer) RequestAccountRange(_ context.Context, root, start, limit common.Hash) (*AccountRange, error) {
	p.mu.Lock()
	p.accountCalls++
	p.mu.Unlock()
	if p.refuseAccounts.Load() || p.state == nil || root != p.state.root() {
		return nil, nil
	}
	tt := p.state.accounts
	from := tt.from(start)
	end := len(tt.keys)
	if i := tt.from(limit); i < end {
		end = i + 1
	}
	to := min(end, from+p.accountLimit)
	resp := &AccountRange{}
	for _, h := range tt.keys[from:to] {
		resp.Hashes = append(resp.Hashes, h)
		resp.Accounts = append(resp.Accounts, p.state.byHash[h])
	}
	last := start
	if len(resp.Hashes) > 0 {
		last = resp.Hashes[len(resp.Hashes)-1]
	}
	resp.Proof = tt.prove(start, last)
	return resp, nil
}

func (p *testPeer) RequestStorageRanges(_ context.Context, root common.Hash, roots, accounts []common.Hash, start common.Hash) (*StorageRanges, error) {
	p.mu.Lock()
	p.storageCalls++
	p.mu.Unlock()
	if p.refuseStorage.Load() || p.state == nil || root != p.state.root() {
		return nil, nil
	}
	resp := &StorageRanges{}
	budget := p.slotLimit
	for _, account := range accounts {
		st := p.state.storage[account]
		if st == nil {
			break
		}
		if len(st.keys) <= budget {
			resp.Keys = append(resp.Keys, st.keys)
			resp.Values = append(resp.Values, st.values)
			budget -= len(st.keys)
			continue
		}
		if budget > 0 {
			resp.Keys = append(resp.Keys, st.keys[:budget])
			resp.Values = append(resp.Values, st.values[:budget])
			resp.Proof = st.prove(common.Hash{}, st.keys[budget-1])
		}
		break
	}
	return resp, nil
}

func (p *testPeer) RequestStorageRange(_ context.Context, root, storageRoot, account, start common.Hash) (*StorageRange, error) {
	p.mu.Lock()
	p.largeCalls++
	p.mu.Unlock()
	if p.refuseStorage.Load() || p.state == nil || root != p.state.root() {
		return nil, nil
	}
	st := p.state.storage[account]
	if st == nil || st.root != storageRoot {
		return nil, nil
	}
	from := st.from(start)
	to := min(len(st.keys), from+p.slotLimit)
	resp := &StorageRange{Keys: st.keys[from:to], Values: st.values[from:to]}
	last := start
	if len(resp.Keys) > 0 {
		last = resp.Keys[len(resp.Keys)-1]
	}
	resp.Proof = st.prove(start, last)
	return resp, nil
}

func (p *testPeer) RequestBytecodes(_ context.Context, hashes []common.Hash) ([][]byte, error) {
	p.mu.Lock()
	p.codeCalls++
	p.mu.Unlock()
	if p.refuseCodes.Load() || p.state == nil {
		return nil, nil
	}
	var out [][]byte
	for _, h := range hashes {
		code, ok := p.state.codes[h]
		if !ok {
			break
		}
		out = append(out, code)
	}
	return out, nil
}

func (p *testPeer) RequestTrieNodes(_ context.Context, root common.Hash, paths []TrieNodePath) ([][]byte, error) {
	p.mu.Lock()
	p.nodeCalls++
	hook := p.onNodes
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	if p.refuseNodes.Load() || p.state == nil || root != p.state.root() {
		return nil, nil
	}
	var out [][]byte
	for _, path := range paths {
		if len(out) >= p.nodeLimit {
			break
		}
		tt := p.state.accounts
		if len(path.Account) > 0 {
			h, _ := path.Account.Hash()
			tt = p.state.storage[h]
		}
		if tt == nil {
			break
		}
		blob, ok := tt.nodes[string(path.Storage)]
		if !ok {
			break
		}
		out = append(out, blob)
	}
	p.mu.Lock()
	p.nodesServed += len(out)
	p.mu.Unlock()
	return out, nil
}

func (p *testPeer) served() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodesServed
}

func (p *testPeer) calls() (accounts, storage, large, nodes, codes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accountCalls, p.storageCalls, p.largeCalls, p.nodeCalls, p.codeCalls
}

// makeChain builds n+1 linked headers starting at genesis. The header at
// stateAt carries root; time advances 12 seconds per block from base.
func makeChain(n int, base time.Time, stateAt int, root common.Hash) []*types.Header {
	chain := make([]*types.Header, n+1)
	parent := common.Hash{}
	for i := range chain {
		h := &types.Header{
			ParentHash: parent,
			Number:     big.NewInt(int64(i)),
			Time:       uint64(base.Add(time.Duration(i) * 12 * time.Second).Unix()),
			Difficulty: big.NewInt(0),
			GasLimit:   30_000_000,
			Extra:      []byte{byte(i), byte(i >> 8)},
		}
		if i == stateAt {
			h.Root = root
		}
		chain[i] = h
		parent = h.Hash()
	}
	return chain
}

func newTestStore() *rawdb.SyncDB {
	return rawdb.NewSyncDB(rawdb.NewMemoryDatabase())
}

func testLogger() *log.Logger { return log.Discard() }

func testStorageConfig() StorageFetcherConfig {
	cfg := DefaultStorageFetcherConfig()
	cfg.BatchSize = 8
	cfg.MaxParallelFetches = 2
	cfg.ChannelCapacity = 64
	cfg.BytecodeBatchSize = 4
	return cfg
}

func testHealerConfig() HealerConfig {
	cfg := DefaultHealerConfig()
	cfg.NodeBatchSize = 8
	cfg.MaxInFlightRequests = 2
	cfg.CacheSize = 1024
	cfg.FilterCapacity = 1 << 16
	return cfg
}

// requireCompleteTrie walks a trie from root through the store and fails if
// any node is missing.
func requireCompleteTrie(t *testing.T, store Store, root common.Hash) int {
	t.Helper()
	if root == types.EmptyRootHash {
		return 0
	}
	count := 0
	stack := []common.Hash{root}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		blob, err := store.TrieNode(h)
		require.NoError(t, err)
		require.NotEmpty(t, blob, "node %s missing", h)
		node, err := trie.DecodeNode(blob)
		require.NoError(t, err)
		count++
		for _, ref := range node.Refs {
			stack = append(stack, ref.Hash)
		}
	}
	return count
}
