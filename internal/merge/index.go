package merge

import (
	"context"
	"encoding/json"

	"github.com/WessleyAI/wessley-mvp/internal/kvstore"
	"github.com/WessleyAI/wessley-mvp/internal/model"
)

// DocEntityIndex is the full_entities record for a single document.
type DocEntityIndex struct {
	EntityNames []string `json:"entity_names"`
	Count       int      `json:"count"`
}

// DocRelationIndex is the full_relations record for a single document,
// each pair stored in sorted orientation.
type DocRelationIndex struct {
	RelationPairs [][2]string `json:"relation_pairs"`
	Count         int         `json:"count"`
}

// IndexUpdater performs Phase 3: recording, per document, which entity
// names and relation pairs it ultimately touched. This index powers
// document-level queries and cleanup; it makes no other mutation.
type IndexUpdater struct {
	fullEntities  *kvstore.KVStore[json.RawMessage]
	fullRelations *kvstore.KVStore[json.RawMessage]
}

// NewIndexUpdater builds an IndexUpdater over the full_entities and
// full_relations KVStores.
func NewIndexUpdater(fullEntities, fullRelations *kvstore.KVStore[json.RawMessage]) *IndexUpdater {
	return &IndexUpdater{fullEntities: fullEntities, fullRelations: fullRelations}
}

// Update writes docId's final entity-name set and relation-pair set.
func (u *IndexUpdater) Update(ctx context.Context, docID string, entityNames []string, pairs []PairKey) error {
	entityRecord := DocEntityIndex{EntityNames: entityNames, Count: len(entityNames)}
	entityRaw, err := json.Marshal(entityRecord)
	if err != nil {
		return model.Wrap("index.Update", "marshal entities", model.ErrStoreIO)
	}
	if err := u.fullEntities.Upsert(ctx, map[string]json.RawMessage{docID: entityRaw}); err != nil {
		return err
	}

	relationPairs := make([][2]string, 0, len(pairs))
	for _, p := range pairs {
		relationPairs = append(relationPairs, [2]string{p.A, p.B})
	}
	relationRecord := DocRelationIndex{RelationPairs: relationPairs, Count: len(relationPairs)}
	relationRaw, err := json.Marshal(relationRecord)
	if err != nil {
		return model.Wrap("index.Update", "marshal relations", model.ErrStoreIO)
	}
	if err := u.fullRelations.Upsert(ctx, map[string]json.RawMessage{docID: relationRaw}); err != nil {
		return err
	}

	return nil
}
