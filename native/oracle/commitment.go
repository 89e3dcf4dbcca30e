package oracle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/fulldecent/compound-oracle/storage/trie"
)

type committedAsset struct {
	Price       []byte
	AnchorPrice []byte
	PeriodStart uint64
	Pending     []byte
}

// StateRoot commits to the price, anchor and pending anchor of every asset
// with a published price. Two replicas that applied the same submissions
// report the same root.
func StateRoot(state State) (common.Hash, error) {
	if state == nil {
		return common.Hash{}, errNilState
	}
	assets, err := state.Assets()
	if err != nil {
		return common.Hash{}, err
	}
	tr := trie.New()
	for _, asset := range assets {
		price, err := state.Price(asset)
		if err != nil {
			return common.Hash{}, err
		}
		anchor, _, err := state.Anchor(asset)
		if err != nil {
			return common.Hash{}, err
		}
		pending, _, err := state.PendingAnchor(asset)
		if err != nil {
			return common.Hash{}, err
		}
		encoded, err := rlp.EncodeToBytes(committedAsset{
			Price:       zeroIfNil(price).Bytes(),
			AnchorPrice: zeroIfNil(anchor.Price).Bytes(),
			PeriodStart: anchor.PeriodStart,
			Pending:     zeroIfNil(pending).Bytes(),
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("oracle: encode commitment: %w", err)
		}
		if err := tr.Update(asset.Bytes(), encoded); err != nil {
			return common.Hash{}, fmt.Errorf("oracle: commit %s: %w", asset.Hex(), err)
		}
	}
	return tr.Hash(), nil
}
