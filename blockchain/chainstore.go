package blockchain

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcutil"
	"github.com/google/orderedcode"
	"github.com/pkg/errors"
	dbm "github.com/tendermint/tm-db"

	"github.com/hashforge/peersync/libs/log"
	"github.com/hashforge/peersync/libs/service"
	"github.com/hashforge/peersync/libs/strand"
)

var (
	blockKeyPrefix = []byte("b/")
	txKeyPrefix    = []byte("t/")

	// heightIndexTag keys the main-chain height index; orderedcode keeps
	// the entries iterable in ascending height order.
	heightIndexTag = "H"
)

// blockNode tracks a connected block in the in-memory index. Side-chain
// nodes carry mainChain=false until a reorganization promotes them.
type blockNode struct {
	hash      chainhash.Hash
	parent    *blockNode
	height    int32
	mainChain bool
}

// ChainStore implements Chain on top of a tm-db database. Raw blocks are
// stored by hash; the main chain is indexed by height and by confirmed
// transaction hash. Blocks whose parent is unknown are held in an in-memory
// orphan pool and adopted when the parent connects. The best chain is the
// connected chain of greatest height; extending a side chain past the
// current tip triggers a reorganization.
type ChainStore struct {
	service.BaseService
	logger log.Logger

	db     dbm.DB
	params *chaincfg.Params
	strand *strand.Strand

	index         map[chainhash.Hash]*blockNode
	orphans       map[chainhash.Hash]*btcutil.Block
	orphansByPrev map[chainhash.Hash][]*btcutil.Block
	tip           *blockNode

	reorgSubs []ReorganizeHandler
}

var _ Chain = (*ChainStore)(nil)

// NewChainStore creates a ChainStore over an open database for the given
// network parameters. Start seeds the genesis block when the database is
// empty.
func NewChainStore(logger log.Logger, db dbm.DB, params *chaincfg.Params) *ChainStore {
	s := &ChainStore{
		logger:        logger,
		db:            db,
		params:        params,
		strand:        strand.New(),
		index:         make(map[chainhash.Hash]*blockNode),
		orphans:       make(map[chainhash.Hash]*btcutil.Block),
		orphansByPrev: make(map[chainhash.Hash][]*btcutil.Block),
	}
	s.BaseService = *service.NewBaseService(logger, "ChainStore", s)
	return s
}

// OnStart rebuilds the main-chain index from the database, seeding the
// genesis block on first run.
func (s *ChainStore) OnStart() error {
	itr, err := dbm.IteratePrefix(s.db, heightIndexPrefix())
	if err != nil {
		return errors.Wrap(err, "iterating height index")
	}
	defer itr.Close()

	for ; itr.Valid(); itr.Next() {
		height, err := decodeHeightKey(itr.Key())
		if err != nil {
			return err
		}

		var hash chainhash.Hash
		if err := hash.SetBytes(itr.Value()); err != nil {
			return errors.Wrapf(err, "height index entry %d", height)
		}

		node := &blockNode{hash: hash, parent: s.tip, height: height, mainChain: true}
		s.index[hash] = node
		s.tip = node
	}
	if err := itr.Error(); err != nil {
		return errors.Wrap(err, "iterating height index")
	}

	if s.tip != nil {
		s.logger.Info("loaded chain", "height", s.tip.height, "tip", s.tip.hash)
		return nil
	}
	return s.seedGenesis()
}

func (s *ChainStore) OnStop() {
	s.strand.Post(func() {
		for _, sub := range s.reorgSubs {
			sub(ErrChainShutdown, 0, nil, nil)
		}
		s.reorgSubs = nil
		s.strand.Stop()
	})
}

func (s *ChainStore) seedGenesis() error {
	genesis := btcutil.NewBlock(s.params.GenesisBlock)
	genesis.SetHeight(0)

	raw, err := genesis.Bytes()
	if err != nil {
		return errors.Wrap(err, "serializing genesis block")
	}
	if err := s.db.Set(blockKey(*genesis.Hash()), raw); err != nil {
		return errors.Wrap(err, "writing genesis block")
	}

	node := &blockNode{hash: *genesis.Hash(), height: 0, mainChain: true}
	if err := s.writeMainIndexes(genesis, node); err != nil {
		return err
	}
	s.index[node.hash] = node
	s.tip = node

	s.logger.Info("seeded genesis block", "hash", node.hash, "network", s.params.Name)
	return nil
}

// FetchBlockLocator implements Chain.
func (s *ChainStore) FetchBlockLocator(handler LocatorHandler) {
	s.strand.Post(func() {
		handler(nil, s.blockLocator())
	})
}

// blockLocator walks back from the tip, with exponentially increasing gaps
// after the first 10 hashes, always terminating at genesis.
func (s *ChainStore) blockLocator() BlockLocator {
	var locator BlockLocator

	step := int32(1)
	for node := s.tip; node != nil; {
		hash := node.hash
		locator = append(locator, &hash)
		if node.height == 0 {
			return locator
		}
		if len(locator) >= 10 {
			step *= 2
		}

		for i := int32(0); i < step && node.parent != nil; i++ {
			node = node.parent
		}
	}
	return locator
}

// Store implements Chain.
func (s *ChainStore) Store(block *btcutil.Block, handler StoreHandler) {
	s.strand.Post(func() {
		info, err := s.processBlock(block)
		handler(err, info)
	})
}

func (s *ChainStore) processBlock(block *btcutil.Block) (BlockInfo, error) {
	hash := *block.Hash()
	if _, ok := s.index[hash]; ok {
		return BlockInfo{Status: StatusRejected}, ErrDuplicateBlock
	}
	if _, ok := s.orphans[hash]; ok {
		return BlockInfo{Status: StatusRejected}, ErrDuplicateBlock
	}

	prev := block.MsgBlock().Header.PrevBlock
	parent, ok := s.index[prev]
	if !ok {
		s.orphans[hash] = block
		s.orphansByPrev[prev] = append(s.orphansByPrev[prev], block)
		s.logger.Debug("stored orphan block", "hash", hash, "prev", prev)
		return BlockInfo{Status: StatusOrphan}, nil
	}

	raw, err := block.Bytes()
	if err != nil {
		return BlockInfo{Status: StatusRejected}, errors.Wrap(err, "serializing block")
	}
	if err := s.db.Set(blockKey(hash), raw); err != nil {
		return BlockInfo{Status: StatusRejected}, errors.Wrap(err, "writing block")
	}

	node := &blockNode{hash: hash, parent: parent, height: parent.height + 1}
	s.index[hash] = node
	block.SetHeight(node.height)

	switch {
	case parent == s.tip:
		if err := s.writeMainIndexes(block, node); err != nil {
			return BlockInfo{Status: StatusRejected}, err
		}
		node.mainChain = true
		s.tip = node
		s.notifyReorganize(parent.height, []*btcutil.Block{block}, nil)

	case node.height > s.tip.height:
		if err := s.reorganize(node, block); err != nil {
			return BlockInfo{Status: StatusRejected}, err
		}

	default:
		s.logger.Debug("stored side chain block", "hash", hash, "height", node.height)
	}

	s.adoptOrphans(hash)
	return BlockInfo{Status: StatusConfirmed, Height: node.height}, nil
}

// reorganize promotes the side chain ending at node to the main chain.
// tipBlock is the just-stored block for node; earlier side-chain blocks are
// loaded from the database.
func (s *ChainStore) reorganize(node *blockNode, tipBlock *btcutil.Block) error {
	var attach []*btcutil.Block

	blk := tipBlock
	n := node
	for n != nil && !n.mainChain {
		if blk == nil {
			var err error
			blk, err = s.loadBlock(n.hash)
			if err != nil {
				return err
			}
		}
		blk.SetHeight(n.height)
		attach = append([]*btcutil.Block{blk}, attach...)
		n = n.parent
		blk = nil
	}
	fork := n

	var detach []*btcutil.Block
	for m := s.tip; m != fork; m = m.parent {
		b, err := s.loadBlock(m.hash)
		if err != nil {
			return err
		}
		b.SetHeight(m.height)
		detach = append([]*btcutil.Block{b}, detach...)
	}

	for i := len(detach) - 1; i >= 0; i-- {
		b := detach[i]
		dn := s.index[*b.Hash()]
		if err := s.removeMainIndexes(b, dn); err != nil {
			return err
		}
		dn.mainChain = false
	}
	for _, b := range attach {
		an := s.index[*b.Hash()]
		if err := s.writeMainIndexes(b, an); err != nil {
			return err
		}
		an.mainChain = true
	}
	s.tip = node

	s.logger.Info("chain reorganize",
		"fork_height", fork.height,
		"attached", len(attach),
		"detached", len(detach),
		"height", node.height,
		"tip", node.hash)

	s.notifyReorganize(fork.height, attach, detach)
	return nil
}

// adoptOrphans connects any orphans whose missing parent just arrived.
func (s *ChainStore) adoptOrphans(parent chainhash.Hash) {
	children := s.orphansByPrev[parent]
	if len(children) == 0 {
		return
	}
	delete(s.orphansByPrev, parent)

	for _, child := range children {
		delete(s.orphans, *child.Hash())
		info, err := s.processBlock(child)
		if err != nil {
			s.logger.Error("adopting orphan block", "hash", child.Hash(), "err", err)
			continue
		}
		s.logger.Debug("adopted orphan block",
			"hash", child.Hash(), "status", info.Status, "height", info.Height)
	}
}

// FetchTransaction implements Chain.
func (s *ChainStore) FetchTransaction(hash chainhash.Hash, handler TxHandler) {
	s.strand.Post(func() {
		tx, err := s.fetchTransaction(hash)
		handler(err, tx)
	})
}

func (s *ChainStore) fetchTransaction(hash chainhash.Hash) (*btcutil.Tx, error) {
	loc, err := s.db.Get(txKey(hash))
	if err != nil {
		return nil, errors.Wrap(err, "reading tx index")
	}
	if loc == nil {
		return nil, ErrNotFound
	}

	blockHash, txIdx, err := decodeTxLocation(loc)
	if err != nil {
		return nil, err
	}

	node, ok := s.index[blockHash]
	if !ok || !node.mainChain {
		return nil, ErrNotFound
	}

	block, err := s.loadBlock(blockHash)
	if err != nil {
		return nil, err
	}
	tx, err := block.Tx(int(txIdx))
	if err != nil {
		return nil, errors.Wrapf(err, "tx %d in block %s", txIdx, blockHash)
	}
	return tx, nil
}

// FetchBlock implements Chain.
func (s *ChainStore) FetchBlock(hash chainhash.Hash, handler BlockHandler) {
	s.strand.Post(func() {
		node, ok := s.index[hash]
		if !ok || !node.mainChain {
			handler(ErrNotFound, nil)
			return
		}
		block, err := s.loadBlock(hash)
		if err != nil {
			handler(err, nil)
			return
		}
		block.SetHeight(node.height)
		handler(nil, block)
	})
}

// SubscribeReorganize implements Chain.
func (s *ChainStore) SubscribeReorganize(handler ReorganizeHandler) {
	s.strand.Post(func() {
		s.reorgSubs = append(s.reorgSubs, handler)
	})
}

// notifyReorganize delivers the main-chain change to the current one-shot
// subscribers and clears the list.
func (s *ChainStore) notifyReorganize(forkHeight int32, attach, detach []*btcutil.Block) {
	subs := s.reorgSubs
	s.reorgSubs = nil
	for _, sub := range subs {
		sub(nil, forkHeight, attach, detach)
	}
}

func (s *ChainStore) loadBlock(hash chainhash.Hash) (*btcutil.Block, error) {
	raw, err := s.db.Get(blockKey(hash))
	if err != nil {
		return nil, errors.Wrapf(err, "reading block %s", hash)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	block, err := btcutil.NewBlockFromBytes(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "deserializing block %s", hash)
	}
	return block, nil
}

func (s *ChainStore) writeMainIndexes(block *btcutil.Block, node *blockNode) error {
	hk, err := heightKey(node.height)
	if err != nil {
		return err
	}
	if err := s.db.Set(hk, node.hash[:]); err != nil {
		return errors.Wrap(err, "writing height index")
	}
	for i, tx := range block.Transactions() {
		if err := s.db.Set(txKey(*tx.Hash()), encodeTxLocation(node.hash, uint32(i))); err != nil {
			return errors.Wrap(err, "writing tx index")
		}
	}
	return nil
}

func (s *ChainStore) removeMainIndexes(block *btcutil.Block, node *blockNode) error {
	hk, err := heightKey(node.height)
	if err != nil {
		return err
	}
	if err := s.db.Delete(hk); err != nil {
		return errors.Wrap(err, "removing height index")
	}
	for _, tx := range block.Transactions() {
		if err := s.db.Delete(txKey(*tx.Hash())); err != nil {
			return errors.Wrap(err, "removing tx index")
		}
	}
	return nil
}

func blockKey(hash chainhash.Hash) []byte {
	return append(blockKeyPrefix, hash[:]...)
}

func txKey(hash chainhash.Hash) []byte {
	return append(txKeyPrefix, hash[:]...)
}

func heightIndexPrefix() []byte {
	prefix, err := orderedcode.Append(nil, heightIndexTag)
	if err != nil {
		panic(err)
	}
	return prefix
}

func heightKey(height int32) ([]byte, error) {
	key, err := orderedcode.Append(nil, heightIndexTag, int64(height))
	if err != nil {
		return nil, errors.Wrap(err, "encoding height key")
	}
	return key, nil
}

func decodeHeightKey(key []byte) (int32, error) {
	var (
		tag    string
		height int64
	)
	if _, err := orderedcode.Parse(string(key), &tag, &height); err != nil {
		return 0, errors.Wrap(err, "decoding height key")
	}
	return int32(height), nil
}

func encodeTxLocation(blockHash chainhash.Hash, txIdx uint32) []byte {
	loc := make([]byte, chainhash.HashSize+4)
	copy(loc, blockHash[:])
	binary.LittleEndian.PutUint32(loc[chainhash.HashSize:], txIdx)
	return loc
}

func decodeTxLocation(loc []byte) (chainhash.Hash, uint32, error) {
	var blockHash chainhash.Hash
	if len(loc) != chainhash.HashSize+4 {
		return blockHash, 0, errors.Errorf("malformed tx index entry (%d bytes)", len(loc))
	}
	copy(blockHash[:], loc[:chainhash.HashSize])
	return blockHash, binary.LittleEndian.Uint32(loc[chainhash.HashSize:]), nil
}
